// commands.go wires cobra subcommands to the agent execution core: loading
// configuration, constructing the provider/resilience stack, the tool
// registry, the session store, and the step loop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/agentcore/engine/internal/agent"
	"github.com/agentcore/engine/internal/agent/providers"
	"github.com/agentcore/engine/internal/auth"
	"github.com/agentcore/engine/internal/config"
	"github.com/agentcore/engine/internal/control"
	"github.com/agentcore/engine/internal/observability"
	"github.com/agentcore/engine/internal/sessions"
	"github.com/agentcore/engine/internal/tools/policy"
	"github.com/agentcore/engine/pkg/models"
)

func buildRunCmd(configPath *string) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a single prompt through the step loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newSignalContext()
			defer cancel()

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(cfg.Logging.Level)

			loop, store, _, err := bootstrapLoop(cfg)
			if err != nil {
				return err
			}

			sess, err := resolveRunSession(ctx, store, sessionID)
			if err != nil {
				return fmt.Errorf("resolve session: %w", err)
			}

			ctx = agent.WithToolPolicy(ctx, policy.NewResolver(), toolPolicyFor(cfg))

			msg := &models.Message{Role: models.RoleUser, Content: args[0]}
			chunks, err := loop.Run(ctx, sess, msg)
			if err != nil {
				return fmt.Errorf("run step loop: %w", err)
			}

			for chunk := range chunks {
				if chunk.Error != nil {
					logger.Error("step loop error", "error", chunk.Error)
					continue
				}
				if chunk.Text != "" {
					fmt.Print(chunk.Text)
				}
				if chunk.ToolEvent != nil {
					logger.Debug("tool event", "tool", chunk.ToolEvent.ToolName, "stage", chunk.ToolEvent.Stage)
				}
			}
			fmt.Println()
			fmt.Println("session:", sess.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session by id instead of creating one")
	return cmd
}

func resolveRunSession(ctx context.Context, store sessions.Store, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		return store.Get(ctx, sessionID)
	}
	sess := &models.Session{
		ID:  uuid.NewString(),
		Key: fmt.Sprintf("cli:%d", time.Now().UnixNano()),
	}
	if err := store.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func buildSessionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage persisted sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(configPath), buildSessionsShowCmd(configPath))
	return cmd
}

func buildSessionsListCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openSessionStore(cfg)
			if err != nil {
				return err
			}
			list, err := store.List(ctx, "", sessions.ListOptions{Limit: limit})
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			for _, s := range list {
				fmt.Printf("%s\t%s\t%s\n", s.ID, s.Key, s.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of sessions to list")
	return cmd
}

func buildSessionsShowCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show [session-id]",
		Short: "Print a session's message history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, err := openSessionStore(cfg)
			if err != nil {
				return err
			}
			history, err := store.GetHistory(ctx, args[0], 0)
			if err != nil {
				return fmt.Errorf("get history: %w", err)
			}
			for _, msg := range history {
				fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format(time.RFC3339), msg.Role, msg.Content)
			}
			return nil
		},
	}
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent execution core as a long-lived HTTP service",
		Long: `Run agentcore as a long-lived service: loads configuration, starts
provider health checks, the async tool job pruning schedule, and the
observability HTTP endpoints (metrics, health).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newSignalContext()
			defer cancel()

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(cfg.Logging.Level)

			loop, store, bus, err := bootstrapLoop(cfg)
			if err != nil {
				return err
			}
			branchStore := branchStoreFor(cfg, store)
			authService := auth.NewService(auth.Config{
				JWTSecret:   cfg.Auth.JWTSecret,
				TokenExpiry: cfg.Auth.TokenExpiry,
				APIKeys:     apiKeysFor(cfg),
			})
			if !authService.Enabled() {
				logger.Warn("control surface auth disabled: no jwt_secret or api_keys configured")
			}

			surface := control.NewSurface(loop, store, branchStore, bus, authService, logger)
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
			httpServer := &http.Server{Addr: addr, Handler: surface.Handler()}

			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort)
			metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}

			go func() {
				logger.Info("agentcore serve starting",
					"host", cfg.Server.Host, "http_port", cfg.Server.HTTPPort, "metrics_port", cfg.Server.MetricsPort)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("control surface stopped", "error", err)
				}
			}()

			go func() {
				if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server stopped", "error", err)
				}
			}()

			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("control surface shutdown error", "error", err)
			}
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown error", "error", err)
			}
			logger.Info("agentcore serve shutting down")
			return nil
		},
	}
}

// branchStoreFor builds the branch-aware store backing the control
// surface's branch operation, sharing the Cockroach connection when that
// backend is configured and falling back to an in-memory branch store
// otherwise (the JSONL log itself has no native branch index).
func branchStoreFor(cfg *config.Config, store sessions.Store) sessions.BranchStore {
	if cockroach, ok := store.(*sessions.CockroachStore); ok {
		return sessions.NewCockroachBranchStore(cockroach.DB())
	}
	return sessions.NewMemoryBranchStore()
}

// apiKeysFor translates the configured static API keys into the auth
// package's key-to-identity map.
func apiKeysFor(cfg *config.Config) []auth.APIKeyConfig {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		keys = append(keys, auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Email: k.Email, Name: k.Name})
	}
	return keys
}

// bootstrapLoop builds the resilience-wrapped provider, tool registry,
// permission policy, and step loop from configuration. The returned
// EventBus carries every StateTransition/ToolStarted/... event the loop
// emits to whatever the caller subscribes (trace writers, stats collectors,
// the control surface's raw-event SSE bridge).
func bootstrapLoop(cfg *config.Config) (*agent.AgenticLoop, sessions.Store, *agent.EventBus, error) {
	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	registry := agent.NewToolRegistry()

	store, err := openSessionStore(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	bus := agent.NewEventBus()
	loopCfg := &agent.LoopConfig{
		MaxIterations: cfg.Tools.Execution.MaxIterations,
		MaxToolCalls:  cfg.Tools.Execution.MaxToolCalls,
		ExecutorConfig: &agent.ExecutorConfig{
			MaxConcurrency: cfg.Tools.Execution.Parallelism,
			DefaultTimeout: cfg.Tools.Execution.Timeout,
		},
		Metrics:  observability.NewMetrics(),
		EventBus: bus,
	}

	loop := agent.NewAgenticLoop(provider, registry, store, loopCfg)
	loop.SetDefaultModel(defaultModelFor(cfg))
	return loop, store, bus, nil
}

// toolPolicyFor translates the configured approval profile and allow/deny
// lists into a permission rule engine policy.
func toolPolicyFor(cfg *config.Config) *policy.Policy {
	profile := policy.Profile(strings.ToLower(cfg.Tools.Approval.Profile))
	switch profile {
	case policy.ProfileMinimal, policy.ProfileCoding, policy.ProfileMessaging, policy.ProfileFull:
	default:
		profile = policy.ProfileCoding
	}
	return &policy.Policy{
		Profile: profile,
		Allow:   cfg.Tools.Approval.Allowlist,
		Deny:    cfg.Tools.Approval.Denylist,
	}
}

func openSessionStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Sessions.Backend {
	case "cockroach":
		return sessions.NewCockroachStoreFromDSN(cfg.Database.URL, nil)
	default:
		return sessions.NewJSONLStore(cfg.Sessions.Root)
	}
}

func defaultModelFor(cfg *config.Config) string {
	if entry, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok && entry.DefaultModel != "" {
		return entry.DefaultModel
	}
	return ""
}

// buildProvider constructs the configured default provider and wraps it in
// a failover orchestrator with the rest of the fallback chain.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	primary, err := newProviderAdapter(cfg, cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("build default provider %q: %w", cfg.LLM.DefaultProvider, err)
	}

	orchestrator := agent.NewFailoverOrchestrator(primary, &agent.FailoverConfig{
		MaxRetries:            cfg.LLM.Retry.MaxAttempts,
		RetryBackoff:          cfg.LLM.Retry.InitialDelay,
		MaxRetryBackoff:       cfg.LLM.Retry.MaxDelay,
		FailoverOnRateLimit:   true,
		FailoverOnServerError: true,
	})

	for _, name := range cfg.LLM.FallbackChain {
		fallback, err := newProviderAdapter(cfg, name)
		if err != nil {
			return nil, fmt.Errorf("build fallback provider %q: %w", name, err)
		}
		orchestrator.AddProvider(fallback)
	}

	return orchestrator, nil
}

func newProviderAdapter(cfg *config.Config, name string) (agent.LLMProvider, error) {
	entry := cfg.LLM.Providers[name]

	switch strings.ToLower(name) {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  entry.APIKey,
			BaseURL: entry.BaseURL,
		})
	case "openai":
		return providers.NewOpenAIProvider(entry.APIKey), nil
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region: entry.Region,
		})
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey: entry.APIKey,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
