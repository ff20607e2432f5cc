package timeline_test

import (
	"context"
	"testing"

	"securecore/internal/timeline"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) *timeline.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := timeline.Open(db)
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	return store
}

func TestAppendBatchAndListDesc(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	entries := []timeline.Entry{
		{ConversationID: "conv-1", Counter: 0, SenderDeviceID: "bob", MessageID: "m0", Plaintext: []byte("first"), Route: "route_b"},
		{ConversationID: "conv-1", Counter: 1, SenderDeviceID: "bob", MessageID: "m1", Plaintext: []byte("second"), Route: "route_b"},
	}
	if err := store.AppendBatch(ctx, entries); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := store.ListDesc(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Counter != 1 || got[1].Counter != 0 {
		t.Fatalf("expected descending order, got %d then %d", got[0].Counter, got[1].Counter)
	}
}

func TestAppendBatchIsIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	entry := timeline.Entry{
		ConversationID: "conv-2", Counter: 7, SenderDeviceID: "bob",
		MessageID: "m7", Plaintext: []byte("once"), Route: "route_b",
	}
	if err := store.AppendBatch(ctx, []timeline.Entry{entry}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	// A re-append of the same key must not duplicate the row.
	dup := entry
	dup.Plaintext = []byte("twice")
	dup.Route = "route_a"
	if err := store.AppendBatch(ctx, []timeline.Entry{dup}); err != nil {
		t.Fatalf("re-append: %v", err)
	}

	got, err := store.ListDesc(ctx, "conv-2", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry after duplicate append, got %d", len(got))
	}
	if string(got[0].Plaintext) != "once" {
		t.Fatalf("original row was overwritten: %q", got[0].Plaintext)
	}
}

func TestAppendBatchEmptyIsNoOp(t *testing.T) {
	store := setupStore(t)
	if err := store.AppendBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty append: %v", err)
	}
}
