package providers

import (
	"context"
	"time"

	"github.com/agentcore/engine/internal/retry"
)

// BaseProvider holds shared retry configuration for LLM providers, backed by
// internal/retry so every provider (and the failover orchestrator and tool
// executor sitting above them) shares one backoff implementation instead of
// each hand-rolling its own.
type BaseProvider struct {
	name   string
	config retry.Config
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{
		name: name,
		config: retry.Config{
			MaxAttempts:  maxRetries,
			InitialDelay: retryDelay,
			MaxDelay:     retryDelay * time.Duration(1<<uint(maxRetries)),
			Factor:       2.0,
			Jitter:       false,
		},
	}
}

// Retry executes op with exponential backoff, stopping as soon as
// isRetryable reports an error is not worth retrying.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	result := retry.Do(ctx, b.config, func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if result.Err == nil {
		return nil
	}
	if permanent, ok := result.Err.(*retry.PermanentError); ok {
		return permanent.Unwrap()
	}
	return result.Err
}
