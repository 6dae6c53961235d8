package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/agentcore/engine/pkg/models"
)

func TestHookRegistryPreStepOverridesSystemPrompt(t *testing.T) {
	reg := NewHookRegistry()
	reg.RegisterPreStep("inject-system", func(ctx context.Context, hctx *StepHookContext) error {
		hctx.SystemOverride = "be terse"
		return nil
	})

	hctx, err := reg.firePreStep(context.Background(), &models.Session{}, 0)
	if err != nil {
		t.Fatalf("firePreStep: %v", err)
	}
	if hctx.SystemOverride != "be terse" {
		t.Fatalf("expected override to survive, got %q", hctx.SystemOverride)
	}
}

func TestHookRegistryPreStepCancelStopsSubsequentHooks(t *testing.T) {
	reg := NewHookRegistry()
	var secondRan bool
	reg.RegisterPreStep("veto", func(ctx context.Context, hctx *StepHookContext) error {
		hctx.Canceled = true
		hctx.CancelReason = "budget exceeded"
		return nil
	})
	reg.RegisterPreStep("never", func(ctx context.Context, hctx *StepHookContext) error {
		secondRan = true
		return nil
	})

	hctx, err := reg.firePreStep(context.Background(), &models.Session{}, 0)
	if err != nil {
		t.Fatalf("firePreStep: %v", err)
	}
	if !hctx.Canceled {
		t.Fatal("expected step to be canceled")
	}
	if secondRan {
		t.Fatal("expected later hook to be skipped once canceled")
	}
}

func TestHookRegistryPreToolRewritesInput(t *testing.T) {
	reg := NewHookRegistry()
	reg.RegisterPreTool("redact", func(ctx context.Context, hctx *ToolHookContext) error {
		hctx.Input = []byte(`{"path":"/redacted"}`)
		return nil
	})

	tc := &models.ToolCall{ID: "call-1", Name: "read_file", Input: []byte(`{"path":"/etc/shadow"}`)}
	_, err := reg.firePreTool(context.Background(), tc)
	if err != nil {
		t.Fatalf("firePreTool: %v", err)
	}
	if string(tc.Input) != `{"path":"/redacted"}` {
		t.Fatalf("expected input to be rewritten, got %s", tc.Input)
	}
}

func TestHookRegistryPreToolErrorPropagates(t *testing.T) {
	reg := NewHookRegistry()
	reg.RegisterPreTool("fail", func(ctx context.Context, hctx *ToolHookContext) error {
		return errors.New("boom")
	})

	tc := &models.ToolCall{ID: "call-1", Name: "read_file"}
	if _, err := reg.firePreTool(context.Background(), tc); err == nil {
		t.Fatal("expected error from hook to propagate")
	}
}

func TestHookRegistryPostToolRewritesResult(t *testing.T) {
	reg := NewHookRegistry()
	reg.RegisterPostTool("truncate", func(ctx context.Context, hctx *ToolHookContext) error {
		hctx.Result.Content = "truncated"
		return nil
	})

	result := &models.ToolResult{ToolCallID: "call-1", Content: "a very long output"}
	tc := models.ToolCall{ID: "call-1", Name: "read_file"}
	if err := reg.firePostTool(context.Background(), tc, result); err != nil {
		t.Fatalf("firePostTool: %v", err)
	}
	if result.Content != "truncated" {
		t.Fatalf("expected post-tool hook to rewrite content, got %q", result.Content)
	}
}

func TestNilHookRegistryIsNoop(t *testing.T) {
	var reg *HookRegistry
	hctx, err := reg.firePreStep(context.Background(), &models.Session{}, 0)
	if err != nil || hctx.Canceled {
		t.Fatalf("expected nil registry to no-op, got hctx=%+v err=%v", hctx, err)
	}
	if err := reg.firePostStep(context.Background(), &models.Session{}, 0); err != nil {
		t.Fatalf("expected nil registry firePostStep to no-op: %v", err)
	}
	tc := &models.ToolCall{ID: "x"}
	if _, err := reg.firePreTool(context.Background(), tc); err != nil {
		t.Fatalf("expected nil registry firePreTool to no-op: %v", err)
	}
	if err := reg.firePostTool(context.Background(), models.ToolCall{ID: "x"}, &models.ToolResult{}); err != nil {
		t.Fatalf("expected nil registry firePostTool to no-op: %v", err)
	}
}
