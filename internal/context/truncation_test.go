package context

import "testing"

func TestTruncateLRUEvictsLeastRecentlyReferencedFirst(t *testing.T) {
	tr := NewTruncator(TruncateLRU, 50)
	tr.SetKeepFirst(1)
	tr.SetKeepLast(1)

	messages := []Message{
		{Role: "system", Content: "sys", Tokens: 5, IsSystem: true},
		{Role: "tool", Content: "result a", Tokens: 20, Key: "call-a"},
		{Role: "tool", Content: "result b", Tokens: 20, Key: "call-b"},
		{Role: "tool", Content: "result c", Tokens: 20, Key: "call-c"},
		{Role: "user", Content: "final question", Tokens: 5},
	}

	// b and c are referenced again after a; a is now the least recently used.
	tr.RecordAccess("call-b")
	tr.RecordAccess("call-c")
	tr.RecordAccess("call-a")

	final, result := tr.Truncate(messages)

	var keys []string
	for _, m := range final {
		if m.Key != "" {
			keys = append(keys, m.Key)
		}
	}
	for _, k := range keys {
		if k == "call-b" {
			t.Fatalf("expected call-b (referenced before call-a) to be evicted first, found in result: %v", keys)
		}
	}
	if result.RemovedCount == 0 {
		t.Fatal("expected at least one message to be removed")
	}
}

func TestTruncateLRUNeverEvictsPinnedOrExempt(t *testing.T) {
	tr := NewTruncator(TruncateLRU, 10)
	tr.SetKeepFirst(1)
	tr.SetKeepLast(1)

	messages := []Message{
		{Role: "system", Content: "sys", Tokens: 5, IsSystem: true},
		{Role: "tool", Content: "pinned result", Tokens: 50, Pinned: true, Key: "call-a"},
		{Role: "user", Content: "final", Tokens: 5},
	}

	final, _ := tr.Truncate(messages)

	found := false
	for _, m := range final {
		if m.Key == "call-a" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected pinned message to survive truncation regardless of access recency")
	}
}

func TestTruncateLRUUnreferencedKeysEvictBeforeReferencedOnes(t *testing.T) {
	tr := NewTruncator(TruncateLRU, 20)
	tr.SetKeepFirst(0)
	tr.SetKeepLast(0)

	messages := []Message{
		{Role: "tool", Content: "never read again", Tokens: 15, Key: "call-stale"},
		{Role: "tool", Content: "just read", Tokens: 15, Key: "call-fresh"},
	}
	tr.RecordAccess("call-fresh")

	final, result := tr.Truncate(messages)

	if result.RemovedCount != 1 {
		t.Fatalf("expected exactly 1 removal, got %d", result.RemovedCount)
	}
	if len(final) != 1 || final[0].Key != "call-fresh" {
		t.Fatalf("expected call-fresh to survive, got %+v", final)
	}
}

func TestRecordAccessIgnoresEmptyKey(t *testing.T) {
	tr := NewTruncator(TruncateLRU, 100)
	tr.RecordAccess("")
	if tr.accessOrder("") != -1 {
		t.Fatal("expected empty key to never be recorded")
	}
}
