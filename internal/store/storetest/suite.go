// Package storetest holds the behavioural suite every store.Store backend
// must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, st store.Store)
	}{
		{"EnqueueAndGet", testEnqueueAndGet},
		{"ClaimEmpty", testClaimEmpty},
		{"ClaimFIFO", testClaimFIFO},
		{"ClaimConcurrentUnique", testClaimConcurrentUnique},
		{"MarkRequiresRunning", testMarkRequiresRunning},
		{"RetryNotClaimableUntilDue", testRetryNotClaimableUntilDue},
		{"RetryDueIsClaimable", testRetryDueIsClaimable},
		{"PromoteDue", testPromoteDue},
		{"ListByStatus", testListByStatus},
		{"CancelQueued", testCancelQueued},
		{"CancelRunning", testCancelRunning},
		{"CancelledJobRefusesRetry", testCancelledJobRefusesRetry},
		{"CancelFinished", testCancelFinished},
		{"ListStale", testListStale},
		{"FinishedAndDelete", testFinishedAndDelete},
		{"CountByStatus", testCountByStatus},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func enqueue(t *testing.T, st store.Store, jobType string) models.Job {
	t.Helper()
	job, err := st.Enqueue(context.Background(), store.NewJob{
		Type:        jobType,
		Payload:     map[string]any{"n": float64(1)},
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func claim(t *testing.T, st store.Store) *models.Job {
	t.Helper()
	job, err := st.ClaimNext(context.Background(), "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return job
}

func testEnqueueAndGet(t *testing.T, st store.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "send_email")
	if job.ID == "" || job.Status != models.StatusPending || job.Attempts != 0 {
		t.Fatalf("unexpected enqueued job: %+v", job)
	}
	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != "send_email" || got.MaxAttempts != 3 || got.Payload["n"] != float64(1) {
		t.Fatalf("unexpected stored job: %+v", got)
	}
	if _, err := st.GetJob(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	empty, err := st.Enqueue(ctx, store.NewJob{Type: "noop"})
	if err != nil {
		t.Fatalf("enqueue empty payload: %v", err)
	}
	got, err = st.GetJob(ctx, empty.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload == nil || got.MaxAttempts != 1 {
		t.Fatalf("expected normalized job, got %+v", got)
	}
}

func testClaimEmpty(t *testing.T, st store.Store) {
	if job := claim(t, st); job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
}

func testClaimFIFO(t *testing.T, st store.Store) {
	a := enqueue(t, st, "a")
	b := enqueue(t, st, "b")
	c := enqueue(t, st, "c")
	for _, want := range []models.Job{a, b, c} {
		got := claim(t, st)
		if got == nil {
			t.Fatalf("expected %s, got nothing", want.ID)
		}
		if got.ID != want.ID {
			t.Fatalf("expected %s (%s), got %s (%s)", want.ID, want.Type, got.ID, got.Type)
		}
		if got.Status != models.StatusRunning || got.Attempts != 1 || got.WorkerID != "w1" || got.StartedAt == nil {
			t.Fatalf("unexpected claimed job: %+v", got)
		}
	}
	if job := claim(t, st); job != nil {
		t.Fatalf("expected queue drained, got %+v", job)
	}
}

func testClaimConcurrentUnique(t *testing.T, st store.Store) {
	const jobs = 20
	for i := 0; i < jobs; i++ {
		enqueue(t, st, "bulk")
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := st.ClaimNext(context.Background(), "w")
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d distinct claims, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func testMarkRequiresRunning(t *testing.T, st store.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "x")
	if err := st.MarkSucceeded(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("mark pending succeeded: expected ErrNotFound, got %v", err)
	}
	if err := st.MarkFailed(ctx, "missing", "boom"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("mark missing failed: expected ErrNotFound, got %v", err)
	}

	claim(t, st)
	if err := st.MarkSucceeded(ctx, job.ID); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := st.MarkSucceeded(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second mark succeeded: expected ErrNotFound, got %v", err)
	}
	if err := st.MarkRetrying(ctx, job.ID, "late", time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("mark retrying after success: expected ErrNotFound, got %v", err)
	}
	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusSucceeded || got.FinishedAt == nil || got.LastError != "" {
		t.Fatalf("unexpected finished job: %+v", got)
	}
}

func testRetryNotClaimableUntilDue(t *testing.T, st store.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "x")
	claim(t, st)
	if err := st.MarkRetrying(ctx, job.ID, "boom", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}
	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusRetrying || got.LastError != "boom" || got.NextAttemptAt == nil {
		t.Fatalf("unexpected retrying job: %+v", got)
	}
	if next := claim(t, st); next != nil {
		t.Fatalf("retrying job claimed before due: %+v", next)
	}
}

func testRetryDueIsClaimable(t *testing.T, st store.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "x")
	claim(t, st)
	if err := st.MarkRetrying(ctx, job.ID, "boom", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}
	again := claim(t, st)
	if again == nil || again.ID != job.ID {
		t.Fatalf("expected due retry to be claimed, got %+v", again)
	}
	if again.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", again.Attempts)
	}
}

func testPromoteDue(t *testing.T, st store.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "x")
	claim(t, st)
	if err := st.MarkRetrying(ctx, job.ID, "boom", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}
	n, err := st.PromoteDue(ctx, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("expected nothing promoted, got n=%d err=%v", n, err)
	}
	n, err = st.PromoteDue(ctx, time.Now().Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected one promoted, got n=%d err=%v", n, err)
	}
	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusPending || got.NextAttemptAt != nil || got.Attempts != 1 {
		t.Fatalf("unexpected promoted job: %+v", got)
	}
	if next := claim(t, st); next == nil || next.ID != job.ID {
		t.Fatalf("expected promoted job claimable, got %+v", next)
	}
}

func testListByStatus(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := enqueue(t, st, "a")
	b := enqueue(t, st, "b")
	claim(t, st)

	pending, err := st.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("unexpected pending list: %+v", pending)
	}
	running, err := st.ListByStatus(ctx, models.StatusRunning)
	if err != nil {
		t.Fatalf("list running: %v", err)
	}
	if len(running) != 1 || running[0].ID != a.ID {
		t.Fatalf("unexpected running list: %+v", running)
	}
	failed, err := st.ListByStatus(ctx, models.StatusFailed)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if failed == nil || len(failed) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", failed)
	}
}

func testCancelQueued(t *testing.T, st store.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "x")
	got, err := st.RequestCancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.StatusFailed || got.LastError != store.CancelledMessage || got.FinishedAt == nil {
		t.Fatalf("unexpected cancelled job: %+v", got)
	}
	if next := claim(t, st); next != nil {
		t.Fatalf("cancelled job claimed: %+v", next)
	}

	retry := enqueue(t, st, "y")
	claim(t, st)
	if err := st.MarkRetrying(ctx, retry.ID, "boom", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("mark retrying: %v", err)
	}
	if got, err = st.RequestCancel(ctx, retry.ID); err != nil || got.Status != models.StatusFailed {
		t.Fatalf("cancel retrying: job=%+v err=%v", got, err)
	}
	if next := claim(t, st); next != nil {
		t.Fatalf("cancelled retry claimed: %+v", next)
	}
}

func testCancelRunning(t *testing.T, st store.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "x")
	claim(t, st)

	flagged, err := st.CancelRequested(ctx, job.ID)
	if err != nil || flagged {
		t.Fatalf("expected no flag yet, got flagged=%v err=%v", flagged, err)
	}
	got, err := st.RequestCancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.StatusRunning || !got.CancelRequested {
		t.Fatalf("expected running job flagged, got %+v", got)
	}
	flagged, err = st.CancelRequested(ctx, job.ID)
	if err != nil || !flagged {
		t.Fatalf("expected flag set, got flagged=%v err=%v", flagged, err)
	}
	if err := st.MarkFailed(ctx, job.ID, store.CancelledMessage); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := st.CancelRequested(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCancelledJobRefusesRetry(t *testing.T, st store.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "x")
	claim(t, st)
	if _, err := st.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	err := st.MarkRetrying(ctx, job.ID, "transient", time.Now().Add(-time.Second))
	if !errors.Is(err, store.ErrCancelRequested) {
		t.Fatalf("expected ErrCancelRequested, got %v", err)
	}
	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusRunning || !got.CancelRequested {
		t.Fatalf("refused retry changed the job: %+v", got)
	}
	if next := claim(t, st); next != nil {
		t.Fatalf("flagged job claimed again: %+v", next)
	}
	if err := st.MarkFailed(ctx, job.ID, store.CancelledMessage); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := st.MarkRetrying(ctx, job.ID, "late", time.Now()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after failure, got %v", err)
	}
}

func testCancelFinished(t *testing.T, st store.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "x")
	claim(t, st)
	if err := st.MarkSucceeded(ctx, job.ID); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := st.RequestCancel(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cancel finished: expected ErrNotFound, got %v", err)
	}
	if _, err := st.RequestCancel(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cancel missing: expected ErrNotFound, got %v", err)
	}
}

func testListStale(t *testing.T, st store.Store) {
	ctx := context.Background()
	job := enqueue(t, st, "x")
	enqueue(t, st, "y")
	claim(t, st)

	stale, err := st.ListStale(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected nothing stale yet, got %+v", stale)
	}
	stale, err = st.ListStale(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != job.ID {
		t.Fatalf("expected only the running job stale, got %+v", stale)
	}
}

func testFinishedAndDelete(t *testing.T, st store.Store) {
	ctx := context.Background()
	a := enqueue(t, st, "a")
	b := enqueue(t, st, "b")
	live := enqueue(t, st, "c")
	claim(t, st)
	claim(t, st)
	if err := st.MarkSucceeded(ctx, a.ID); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := st.MarkFailed(ctx, b.ID, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	old, err := st.ListFinishedBefore(ctx, time.Now().Add(-time.Hour), 0)
	if err != nil || len(old) != 0 {
		t.Fatalf("expected nothing before the past cutoff, got %d err=%v", len(old), err)
	}
	finished, err := st.ListFinishedBefore(ctx, time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("list finished: %v", err)
	}
	if len(finished) != 2 || finished[0].ID != a.ID || finished[1].ID != b.ID {
		t.Fatalf("unexpected finished jobs: %+v", finished)
	}
	limited, err := st.ListFinishedBefore(ctx, time.Now().Add(time.Hour), 1)
	if err != nil || len(limited) != 1 || limited[0].ID != a.ID {
		t.Fatalf("expected limit 1 to return first finished, got %+v err=%v", limited, err)
	}

	n, err := st.Delete(ctx, []string{a.ID, b.ID, "missing"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	if _, err := st.GetJob(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted job gone, got %v", err)
	}
	if _, err := st.GetJob(ctx, live.ID); err != nil {
		t.Fatalf("live job should survive delete: %v", err)
	}
	if n, err := st.Delete(ctx, nil); err != nil || n != 0 {
		t.Fatalf("empty delete: n=%d err=%v", n, err)
	}
}

func testCountByStatus(t *testing.T, st store.Store) {
	ctx := context.Background()
	enqueue(t, st, "a")
	enqueue(t, st, "b")
	enqueue(t, st, "c")
	first := claim(t, st)
	if err := st.MarkSucceeded(ctx, first.ID); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	counts, err := st.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[models.StatusPending] != 2 || counts[models.StatusSucceeded] != 1 || counts[models.StatusRunning] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
