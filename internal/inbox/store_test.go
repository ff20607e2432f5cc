package inbox_test

import (
	"context"
	"errors"
	"testing"

	"securecore/internal/inbox"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) *inbox.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store, err := inbox.Open(db)
	if err != nil {
		t.Fatalf("open inbox: %v", err)
	}
	return store
}

func baseJob(conv, msg string) inbox.Job {
	return inbox.Job{
		ConversationID:  conv,
		MessageID:       msg,
		PayloadEnvelope: []byte("{}"),
	}
}

func TestEnqueueRejectsMissingFields(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	if err := store.Enqueue(ctx, inbox.Job{MessageID: "m1", PayloadEnvelope: []byte("x")}); !errors.Is(err, inbox.ErrMissingConversationID) {
		t.Fatalf("got %v want ErrMissingConversationID", err)
	}
	if err := store.Enqueue(ctx, inbox.Job{ConversationID: "c1", PayloadEnvelope: []byte("x")}); !errors.Is(err, inbox.ErrMissingMessageID) {
		t.Fatalf("got %v want ErrMissingMessageID", err)
	}
	if err := store.Enqueue(ctx, inbox.Job{ConversationID: "c1", MessageID: "m1"}); !errors.Is(err, inbox.ErrMissingPayload) {
		t.Fatalf("got %v want ErrMissingPayload", err)
	}
}

func TestProcessCommitDeletesJob(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if err := store.Enqueue(ctx, baseJob("c1", "m1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := store.ProcessForConversation(ctx, "c1", func(ctx context.Context, job inbox.Job) (inbox.Outcome, error) {
		return inbox.OutcomeCommitted, nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Processed != 1 || result.Yielded {
		t.Fatalf("unexpected result: %+v", result)
	}

	result2, err := store.ProcessForConversation(ctx, "c1", func(ctx context.Context, job inbox.Job) (inbox.Outcome, error) {
		t.Fatalf("handler should not run on an empty queue")
		return inbox.OutcomeCommitted, nil
	})
	if err != nil {
		t.Fatalf("process again: %v", err)
	}
	if result2.Processed != 0 {
		t.Fatalf("expected nothing left to process, got %+v", result2)
	}
}

func TestSingleFailureDeadLettersImmediately(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if err := store.Enqueue(ctx, baseJob("c1", "m1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	calls := 0
	_, err := store.ProcessForConversation(ctx, "c1", func(ctx context.Context, job inbox.Job) (inbox.Outcome, error) {
		calls++
		return inbox.OutcomeCommitted, errors.New("boom")
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}

	// A second sweep must not retry: the job is dead, not queued/failed.
	_, err = store.ProcessForConversation(ctx, "c1", func(ctx context.Context, job inbox.Job) (inbox.Outcome, error) {
		t.Fatalf("dead job must not be retried under the zero-retries policy")
		return inbox.OutcomeCommitted, nil
	})
	if err != nil {
		t.Fatalf("process again: %v", err)
	}
}

func TestYieldToReplayStopsSweepAndRestoresQueued(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if err := store.Enqueue(ctx, baseJob("c1", "m1")); err != nil {
		t.Fatalf("enqueue m1: %v", err)
	}
	if err := store.Enqueue(ctx, baseJob("c1", "m2")); err != nil {
		t.Fatalf("enqueue m2: %v", err)
	}

	calls := 0
	result, err := store.ProcessForConversation(ctx, "c1", func(ctx context.Context, job inbox.Job) (inbox.Outcome, error) {
		calls++
		return inbox.OutcomeYieldToReplay, nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !result.Yielded {
		t.Fatalf("expected yielded=true")
	}
	if calls != 1 {
		t.Fatalf("expected the sweep to stop after the first yield, got %d calls", calls)
	}

	// The yielded job is back in queued and due now, so the next sweep
	// picks it up again together with the untouched second job.
	result, err = store.ProcessForConversation(ctx, "c1", func(ctx context.Context, job inbox.Job) (inbox.Outcome, error) {
		return inbox.OutcomeCommitted, nil
	})
	if err != nil {
		t.Fatalf("process again: %v", err)
	}
	if result.Processed != 2 {
		t.Fatalf("expected the yielded job to be due again alongside m2, got %+v", result)
	}
}

func TestDistinctConversationsDoNotBlockEachOther(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	if err := store.Enqueue(ctx, baseJob("c1", "m1")); err != nil {
		t.Fatalf("enqueue c1: %v", err)
	}
	if err := store.Enqueue(ctx, baseJob("c2", "m1")); err != nil {
		t.Fatalf("enqueue c2: %v", err)
	}

	if _, err := store.ProcessForConversation(ctx, "c2", func(ctx context.Context, job inbox.Job) (inbox.Outcome, error) {
		return inbox.OutcomeCommitted, nil
	}); err != nil {
		t.Fatalf("process c2: %v", err)
	}

	result, err := store.ProcessForConversation(ctx, "c1", func(ctx context.Context, job inbox.Job) (inbox.Outcome, error) {
		return inbox.OutcomeCommitted, nil
	})
	if err != nil {
		t.Fatalf("process c1: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("c1 job should still be queued independently of c2, got %+v", result)
	}
}
