package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestManagerSnapshotHashesTrackedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main\n")

	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	mgr := NewManager(store)

	snap, err := mgr.OnStepComplete("sess-1", root, 1)
	if err != nil {
		t.Fatalf("OnStepComplete: %v", err)
	}
	if len(snap.Files) != 1 {
		t.Fatalf("expected .git to be excluded, got %d files: %+v", len(snap.Files), snap.Files)
	}
	if snap.Files[0].Path != "main.go" {
		t.Fatalf("expected main.go, got %s", snap.Files[0].Path)
	}
}

func TestManagerSnapshotPersistsAndReloads(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello")

	storeDir := t.TempDir()
	store, err := NewFSStore(storeDir)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	mgr := NewManager(store)

	snap, err := mgr.OnStepComplete("sess-1", root, 0)
	if err != nil {
		t.Fatalf("OnStepComplete: %v", err)
	}

	reopened, err := NewFSStore(storeDir)
	if err != nil {
		t.Fatalf("NewFSStore (reopen): %v", err)
	}
	loaded, err := reopened.Load(snap.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != snap.ID || len(loaded.Files) != 1 {
		t.Fatalf("expected reloaded snapshot to match, got %+v", loaded)
	}

	list, err := reopened.ListBySession("sess-1")
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 snapshot for session, got %d", len(list))
	}
}

func TestDiffDetectsAddedModifiedRemoved(t *testing.T) {
	base := &Snapshot{Files: []FileHash{
		{Path: "keep.txt", Hash: "h1"},
		{Path: "change.txt", Hash: "h2"},
		{Path: "gone.txt", Hash: "h3"},
	}}
	next := &Snapshot{Files: []FileHash{
		{Path: "keep.txt", Hash: "h1"},
		{Path: "change.txt", Hash: "h2-new"},
		{Path: "new.txt", Hash: "h4"},
	}}

	changes := Diff(base, next)
	byPath := make(map[string]Change, len(changes))
	for _, c := range changes {
		byPath[c.Path] = c
	}

	if c, ok := byPath["new.txt"]; !ok || c.Kind != ChangeAdded {
		t.Fatalf("expected new.txt to be added, got %+v", byPath["new.txt"])
	}
	if c, ok := byPath["change.txt"]; !ok || c.Kind != ChangeModified {
		t.Fatalf("expected change.txt to be modified, got %+v", byPath["change.txt"])
	}
	if c, ok := byPath["gone.txt"]; !ok || c.Kind != ChangeRemoved {
		t.Fatalf("expected gone.txt to be removed, got %+v", byPath["gone.txt"])
	}
	if _, ok := byPath["keep.txt"]; ok {
		t.Fatalf("expected keep.txt to have no change, got %+v", byPath["keep.txt"])
	}
}
