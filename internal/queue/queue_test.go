package queue

import (
	"context"
	"errors"
	"testing"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
)

type downStore struct{ store.Store }

func (downStore) Enqueue(context.Context, store.NewJob) (models.Job, error) {
	return models.Job{}, errors.Join(store.ErrStoreUnavailable, errors.New("connection refused"))
}

func TestPush(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := New(st, 4)

	id, err := q.Push(ctx, "send_email", map[string]any{"to": "user@example.com"})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	job, err := q.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if job.Status != models.StatusPending || job.MaxAttempts != 4 || job.Payload["to"] != "user@example.com" {
		t.Fatalf("unexpected job %+v", job)
	}

	custom, err := q.PushWithAttempts(ctx, "webhook", nil, 2)
	if err != nil {
		t.Fatalf("push with attempts: %v", err)
	}
	if custom.MaxAttempts != 2 {
		t.Fatalf("expected max attempts 2, got %d", custom.MaxAttempts)
	}

	pending, err := q.List(ctx, models.StatusPending)
	if err != nil || len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d err=%v", len(pending), err)
	}
}

func TestPushRejectsEmptyType(t *testing.T) {
	if _, err := New(store.NewMemory(), 1).Push(context.Background(), "", nil); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
}

func TestPushRejectsUnencodablePayload(t *testing.T) {
	st, err := store.NewSQLite(context.Background(), t.TempDir()+"/jobs.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer st.Close()
	_, err = New(st, 1).Push(context.Background(), "x", map[string]any{"fn": func() {}})
	if !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob, got %v", err)
	}
}

func TestPushSurfacesStoreUnavailable(t *testing.T) {
	_, err := New(downStore{}, 1).Push(context.Background(), "x", nil)
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if errors.Is(err, ErrInvalidJob) {
		t.Fatalf("store outage must not look like an invalid job")
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), 3)
	id, err := q.Push(ctx, "send_email", nil)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	job, err := q.Cancel(ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if job.Status != models.StatusFailed || job.LastError != store.CancelledMessage {
		t.Fatalf("unexpected cancelled job %+v", job)
	}
	if _, err := q.Cancel(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second cancel: expected ErrNotFound, got %v", err)
	}
}
