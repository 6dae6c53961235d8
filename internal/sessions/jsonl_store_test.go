package sessions

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentcore/engine/pkg/models"
)

func newTestJSONLStore(t *testing.T) *JSONLStore {
	t.Helper()
	store, err := NewJSONLStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONLStore: %v", err)
	}
	return store
}

func TestJSONLStore_CreateAssignsPrimaryBranch(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONLStore(t)

	sess := &models.Session{AgentID: "agent-1", Key: "agent-1:task-1"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected session ID to be assigned")
	}
	if sess.CurrentBranchID == "" {
		t.Fatal("expected a primary branch to be assigned on create")
	}

	primary, err := store.GetPrimaryBranch(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetPrimaryBranch: %v", err)
	}
	if !primary.IsPrimary {
		t.Fatal("expected returned branch to be primary")
	}
	if primary.ID != sess.CurrentBranchID {
		t.Fatalf("primary branch id mismatch: %s != %s", primary.ID, sess.CurrentBranchID)
	}
}

func TestJSONLStore_AppendAndGetHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONLStore(t)

	sess := &models.Session{AgentID: "agent-1"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 3; i++ {
		msg := &models.Message{Role: models.RoleUser, Content: "hello"}
		if err := store.AppendMessage(ctx, sess.ID, msg); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	history, err := store.GetHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	for i, msg := range history {
		if msg.SequenceNum != int64(i+1) {
			t.Errorf("message %d: expected sequence %d, got %d", i, i+1, msg.SequenceNum)
		}
	}
}

// TestJSONLStore_ReplayReconstructsState verifies the round-trip law: a fresh
// store pointed at the same root reconstructs identical session and message
// state purely from the on-disk log and sidecar metadata.
func TestJSONLStore_ReplayReconstructsState(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	store, err := NewJSONLStore(root)
	if err != nil {
		t.Fatalf("NewJSONLStore: %v", err)
	}
	sess := &models.Session{AgentID: "agent-1", Title: "test session"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 5; i++ {
		msg := &models.Message{Role: models.RoleUser, Content: "message"}
		if err := store.AppendMessage(ctx, sess.ID, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	reopened, err := NewJSONLStore(root)
	if err != nil {
		t.Fatalf("reopen NewJSONLStore: %v", err)
	}
	got, err := reopened.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Title != "test session" {
		t.Errorf("expected title to survive reopen, got %q", got.Title)
	}

	history, err := reopened.GetHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory after reopen: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 messages after replay, got %d", len(history))
	}
}

// TestJSONLStore_ReplayDiscardsPartialTrailingLine verifies crash-safety: a
// truncated final line in log.jsonl is dropped rather than causing an error.
func TestJSONLStore_ReplayDiscardsPartialTrailingLine(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	store, err := NewJSONLStore(root)
	if err != nil {
		t.Fatalf("NewJSONLStore: %v", err)
	}
	sess := &models.Session{AgentID: "agent-1"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.AppendMessage(ctx, sess.ID, &models.Message{Role: models.RoleUser, Content: "complete"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	logPath := filepath.Join(root, sess.ID, "log.jsonl")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log for corruption: %v", err)
	}
	if _, err := f.WriteString(`{"kind":"message","id":"broken"`); err != nil {
		t.Fatalf("write partial line: %v", err)
	}
	f.Close()

	reopened, err := NewJSONLStore(root)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	history, err := reopened.GetHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory with truncated log: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected the one complete message to survive, got %d", len(history))
	}
}

func TestJSONLStore_ForkAndMergeBranch(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONLStore(t)

	sess := &models.Session{AgentID: "agent-1"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.AppendMessage(ctx, sess.ID, &models.Message{Role: models.RoleUser, Content: "first"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	primary, err := store.GetPrimaryBranch(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetPrimaryBranch: %v", err)
	}

	fork, err := store.ForkBranch(ctx, primary.ID, 1, "experiment")
	if err != nil {
		t.Fatalf("ForkBranch: %v", err)
	}
	if fork.ParentBranchID == nil || *fork.ParentBranchID != primary.ID {
		t.Fatal("expected fork's parent branch to be the primary branch")
	}

	if err := store.AppendMessageToBranch(ctx, sess.ID, fork.ID, &models.Message{Role: models.RoleUser, Content: "on fork"}); err != nil {
		t.Fatalf("AppendMessageToBranch: %v", err)
	}

	merge, err := store.MergeBranch(ctx, fork.ID, primary.ID, models.MergeStrategyContinue)
	if err != nil {
		t.Fatalf("MergeBranch: %v", err)
	}
	if merge.SourceBranchID != fork.ID || merge.TargetBranchID != primary.ID {
		t.Fatalf("unexpected merge record: %+v", merge)
	}

	merged, err := store.GetBranch(ctx, fork.ID)
	if err != nil {
		t.Fatalf("GetBranch: %v", err)
	}
	if merged.Status != models.BranchStatusMerged {
		t.Fatalf("expected source branch to be marked merged, got %s", merged.Status)
	}
}

func TestJSONLStore_DeleteRemovesSessionDirectory(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewJSONLStore(root)
	if err != nil {
		t.Fatalf("NewJSONLStore: %v", err)
	}

	sess := &models.Session{AgentID: "agent-1"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, sess.ID)); !os.IsNotExist(err) {
		t.Fatalf("expected session directory to be removed, stat err: %v", err)
	}
	if _, err := store.Get(ctx, sess.ID); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestJSONLStore_GetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestJSONLStore(t)

	first, err := store.GetOrCreate(ctx, "agent-1:task-1", "agent-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := store.GetOrCreate(ctx, "agent-1:task-1", "agent-1")
	if err != nil {
		t.Fatalf("GetOrCreate (second): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected idempotent session id, got %s != %s", first.ID, second.ID)
	}
}
