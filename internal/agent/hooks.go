package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentcore/engine/pkg/models"
)

// StepHookContext is passed to pre/post-step hooks. Handlers may cancel the
// step by setting Canceled, or rewrite the system prompt for the upcoming
// stream call by setting SystemOverride.
type StepHookContext struct {
	Session        *models.Session
	Iteration      int
	SystemOverride string
	Canceled       bool
	CancelReason   string
}

// ToolHookContext is passed to pre/post-tool hooks. A pre-tool hook may
// rewrite Input or cancel the call; a post-tool hook may rewrite Result.
type ToolHookContext struct {
	ToolCallID string
	ToolName   string
	Input      []byte
	Result     *models.ToolResult
	Err        error
	Canceled   bool
	CancelReason string
}

// StepHook runs synchronously around a step loop iteration.
type StepHook func(ctx context.Context, hctx *StepHookContext) error

// ToolHook runs synchronously around a single tool dispatch.
type ToolHook func(ctx context.Context, hctx *ToolHookContext) error

// HookRegistry holds lifecycle callbacks invoked synchronously by the step
// loop immediately around the phase they name, distinct from EventEmitter's
// asynchronous, fire-and-forget notifications: a hook can veto or rewrite a
// step or tool call before it runs.
type HookRegistry struct {
	mu        sync.RWMutex
	preStep   []namedStepHook
	postStep  []namedStepHook
	preTool   []namedToolHook
	postTool  []namedToolHook
}

type namedStepHook struct {
	name string
	fn   StepHook
}

type namedToolHook struct {
	name string
	fn   ToolHook
}

// NewHookRegistry returns an empty registry.
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{}
}

// RegisterPreStep adds a hook run before each step's stream phase.
func (r *HookRegistry) RegisterPreStep(name string, hook StepHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preStep = append(r.preStep, namedStepHook{name, hook})
}

// RegisterPostStep adds a hook run after each step's tool results are persisted.
func (r *HookRegistry) RegisterPostStep(name string, hook StepHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postStep = append(r.postStep, namedStepHook{name, hook})
}

// RegisterPreTool adds a hook run before a tool call is dispatched.
func (r *HookRegistry) RegisterPreTool(name string, hook ToolHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preTool = append(r.preTool, namedToolHook{name, hook})
}

// RegisterPostTool adds a hook run after a tool call returns.
func (r *HookRegistry) RegisterPostTool(name string, hook ToolHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postTool = append(r.postTool, namedToolHook{name, hook})
}

func (r *HookRegistry) runStep(ctx context.Context, hooks []namedStepHook, hctx *StepHookContext) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range hooks {
		if err := h.fn(ctx, hctx); err != nil {
			return fmt.Errorf("hook %q: %w", h.name, err)
		}
		if hctx.Canceled {
			return nil
		}
	}
	return nil
}

func (r *HookRegistry) runTool(ctx context.Context, hooks []namedToolHook, hctx *ToolHookContext) error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range hooks {
		if err := h.fn(ctx, hctx); err != nil {
			return fmt.Errorf("hook %q: %w", h.name, err)
		}
		if hctx.Canceled {
			return nil
		}
	}
	return nil
}

// firePreStep runs registered pre-step hooks, returning the (possibly
// rewritten) hook context for the caller to act on.
func (r *HookRegistry) firePreStep(ctx context.Context, session *models.Session, iteration int) (*StepHookContext, error) {
	hctx := &StepHookContext{Session: session, Iteration: iteration}
	if r == nil {
		return hctx, nil
	}
	if err := r.runStep(ctx, r.preStep, hctx); err != nil {
		return hctx, err
	}
	return hctx, nil
}

func (r *HookRegistry) firePostStep(ctx context.Context, session *models.Session, iteration int) error {
	if r == nil {
		return nil
	}
	hctx := &StepHookContext{Session: session, Iteration: iteration}
	return r.runStep(ctx, r.postStep, hctx)
}

func (r *HookRegistry) firePreTool(ctx context.Context, tc *models.ToolCall) (*ToolHookContext, error) {
	hctx := &ToolHookContext{ToolCallID: tc.ID, ToolName: tc.Name, Input: tc.Input}
	if r == nil {
		return hctx, nil
	}
	if err := r.runTool(ctx, r.preTool, hctx); err != nil {
		return hctx, err
	}
	if hctx.Input != nil {
		tc.Input = hctx.Input
	}
	return hctx, nil
}

func (r *HookRegistry) firePostTool(ctx context.Context, tc models.ToolCall, result *models.ToolResult) error {
	if r == nil {
		return nil
	}
	hctx := &ToolHookContext{ToolCallID: tc.ID, ToolName: tc.Name, Result: result}
	if err := r.runTool(ctx, r.postTool, hctx); err != nil {
		return err
	}
	return nil
}
