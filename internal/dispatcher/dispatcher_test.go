package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/worker"
)

func testOptions() Options {
	return Options{
		WorkerID:            "test-worker",
		PollInterval:        5 * time.Millisecond,
		BackoffInitial:      time.Millisecond,
		BackoffMax:          4 * time.Millisecond,
		ClaimBackoffMax:     20 * time.Millisecond,
		CancelCheckInterval: 5 * time.Millisecond,
		ShutdownTimeout:     2 * time.Second,
	}
}

// start runs a dispatcher until the test ends.
func start(t *testing.T, st store.Store, reg *worker.Registry, size int, opts Options, poolOpts ...worker.Option) *Dispatcher {
	t.Helper()
	d := New(st, worker.NewPool(size, reg, poolOpts...), opts, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("dispatcher did not stop")
		}
	})
	return d
}

func enqueue(t *testing.T, st store.Store, jobType string, maxAttempts int, payload map[string]any) models.Job {
	t.Helper()
	job, err := st.Enqueue(context.Background(), store.NewJob{Type: jobType, Payload: payload, MaxAttempts: maxAttempts})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

// waitStatus polls until the job reaches status or the deadline passes.
func waitStatus(t *testing.T, st store.Store, id string, status models.Status) models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := st.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == status {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s (attempts=%d last_error=%q), want %s", id, job.Status, job.Attempts, job.LastError, status)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func register(t *testing.T, reg *worker.Registry, jobType string, h worker.HandlerFunc) {
	t.Helper()
	if err := reg.Register(jobType, h); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestFIFOWithSingleWorker(t *testing.T) {
	st := store.NewMemory()
	reg := worker.NewRegistry()
	var mu sync.Mutex
	var order []float64
	register(t, reg, "record", func(_ context.Context, payload map[string]any) error {
		mu.Lock()
		order = append(order, payload["n"].(float64))
		mu.Unlock()
		return nil
	})

	var last models.Job
	for i := 0; i < 5; i++ {
		last = enqueue(t, st, "record", 1, map[string]any{"n": float64(i)})
	}
	start(t, st, reg, 1, testOptions())
	waitStatus(t, st, last.ID, models.StatusSucceeded)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != float64(i) {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 executions, got %v", order)
	}
}

func TestUnknownTypeFailsWithoutRetry(t *testing.T) {
	st := store.NewMemory()
	job := enqueue(t, st, "mystery", 5, nil)
	start(t, st, worker.NewRegistry(), 2, testOptions())

	got := waitStatus(t, st, job.ID, models.StatusFailed)
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	if !strings.Contains(got.LastError, "unknown job type") {
		t.Fatalf("unexpected last error %q", got.LastError)
	}
}

func TestFailFailSucceed(t *testing.T) {
	st := store.NewMemory()
	reg := worker.NewRegistry()
	var calls int32
	register(t, reg, "flaky", func(context.Context, map[string]any) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	job := enqueue(t, st, "flaky", 3, nil)
	start(t, st, reg, 2, testOptions())

	got := waitStatus(t, st, job.ID, models.StatusSucceeded)
	if got.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", got.Attempts)
	}
	if got.FinishedAt == nil || got.LastError != "" {
		t.Fatalf("unexpected succeeded job %+v", got)
	}
}

func TestAttemptsExhausted(t *testing.T) {
	st := store.NewMemory()
	reg := worker.NewRegistry()
	register(t, reg, "broken", func(context.Context, map[string]any) error { return errors.New("still broken") })
	job := enqueue(t, st, "broken", 3, nil)
	start(t, st, reg, 2, testOptions())

	got := waitStatus(t, st, job.ID, models.StatusFailed)
	if got.Attempts != 3 {
		t.Fatalf("expected attempts == max attempts (3), got %d", got.Attempts)
	}
	if got.LastError != "still broken" {
		t.Fatalf("unexpected last error %q", got.LastError)
	}
}

func TestTimeoutIsHandlerFailure(t *testing.T) {
	st := store.NewMemory()
	reg := worker.NewRegistry()
	register(t, reg, "slow", func(context.Context, map[string]any) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	job := enqueue(t, st, "slow", 2, nil)
	start(t, st, reg, 1, testOptions(), worker.WithTimeout(10*time.Millisecond))

	got := waitStatus(t, st, job.ID, models.StatusFailed)
	if got.Attempts != 2 {
		t.Fatalf("expected timeout to be retried, attempts=%d", got.Attempts)
	}
	if !strings.Contains(got.LastError, "timed out") {
		t.Fatalf("unexpected last error %q", got.LastError)
	}
}

func TestCancelRunningJob(t *testing.T) {
	st := store.NewMemory()
	reg := worker.NewRegistry()
	started := make(chan struct{})
	var once sync.Once
	register(t, reg, "long", func(ctx context.Context, _ map[string]any) error {
		once.Do(func() { close(started) })
		for {
			if err := worker.Checkpoint(ctx); err != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
	})
	job := enqueue(t, st, "long", 5, nil)
	start(t, st, reg, 1, testOptions())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("job never started")
	}
	if _, err := st.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	got := waitStatus(t, st, job.ID, models.StatusFailed)
	if got.LastError != store.CancelledMessage || got.Attempts != 1 {
		t.Fatalf("expected cancelled after one attempt, got %+v", got)
	}
}

func TestCancelWinsOverHandlerError(t *testing.T) {
	st := store.NewMemory()
	reg := worker.NewRegistry()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var runs int32
	register(t, reg, "fragile", func(context.Context, map[string]any) error {
		atomic.AddInt32(&runs, 1)
		started <- struct{}{}
		<-release
		return errors.New("transient")
	})
	job := enqueue(t, st, "fragile", 3, nil)
	opts := testOptions()
	opts.CancelCheckInterval = time.Hour
	start(t, st, reg, 1, opts)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("job never started")
	}
	if _, err := st.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	close(release)

	got := waitStatus(t, st, job.ID, models.StatusFailed)
	if got.LastError != store.CancelledMessage || got.Attempts != 1 {
		t.Fatalf("expected cancelled after one attempt, got %+v", got)
	}
	time.Sleep(20 * time.Millisecond)
	if n := atomic.LoadInt32(&runs); n != 1 {
		t.Fatalf("cancelled job ran %d times", n)
	}
}

func TestCancelledStaleJobIsNotRetried(t *testing.T) {
	mem := store.NewMemory().WithClock(func() time.Time { return time.Now().UTC().Add(-time.Hour) })
	job := enqueue(t, mem, "ok", 3, nil)
	if _, err := mem.ClaimNext(context.Background(), "crashed-worker"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := mem.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	mem.WithClock(func() time.Time { return time.Now().UTC() })

	reg := worker.NewRegistry()
	register(t, reg, "ok", func(context.Context, map[string]any) error { return nil })
	opts := testOptions()
	opts.StaleAfter = time.Minute
	start(t, mem, reg, 1, opts)

	got := waitStatus(t, mem, job.ID, models.StatusFailed)
	if got.LastError != store.CancelledMessage || got.Attempts != 1 {
		t.Fatalf("expected cancelled stale job, got %+v", got)
	}
}

// flakyStore fails the first n claims.
type flakyStore struct {
	store.Store
	remaining int32
}

func (f *flakyStore) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	if atomic.AddInt32(&f.remaining, -1) >= 0 {
		return nil, store.ErrStoreUnavailable
	}
	return f.Store.ClaimNext(ctx, workerID)
}

func TestTransientClaimErrorsAreRetried(t *testing.T) {
	st := &flakyStore{Store: store.NewMemory(), remaining: 3}
	reg := worker.NewRegistry()
	register(t, reg, "ok", func(context.Context, map[string]any) error { return nil })
	job := enqueue(t, st, "ok", 1, nil)
	start(t, st, reg, 1, testOptions())

	waitStatus(t, st, job.ID, models.StatusSucceeded)
}

func TestStaleRunningJobIsRecovered(t *testing.T) {
	mem := store.NewMemory().WithClock(func() time.Time { return time.Now().UTC().Add(-time.Hour) })
	job := enqueue(t, mem, "ok", 3, nil)
	if claimed, err := mem.ClaimNext(context.Background(), "crashed-worker"); err != nil || claimed == nil {
		t.Fatalf("claim: job=%v err=%v", claimed, err)
	}
	mem.WithClock(func() time.Time { return time.Now().UTC() })

	reg := worker.NewRegistry()
	register(t, reg, "ok", func(context.Context, map[string]any) error { return nil })
	opts := testOptions()
	opts.StaleAfter = time.Minute
	start(t, mem, reg, 1, opts)

	got := waitStatus(t, mem, job.ID, models.StatusSucceeded)
	if got.Attempts != 2 || got.WorkerID != "test-worker" {
		t.Fatalf("expected second attempt by test-worker, got %+v", got)
	}
}

func TestStaleJobWithoutAttemptsLeftFails(t *testing.T) {
	mem := store.NewMemory().WithClock(func() time.Time { return time.Now().UTC().Add(-time.Hour) })
	job := enqueue(t, mem, "ok", 1, nil)
	if _, err := mem.ClaimNext(context.Background(), "crashed-worker"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	mem.WithClock(func() time.Time { return time.Now().UTC() })

	opts := testOptions()
	opts.StaleAfter = time.Minute
	start(t, mem, worker.NewRegistry(), 1, opts)

	got := waitStatus(t, mem, job.ID, models.StatusFailed)
	if got.LastError != ErrLeaseExpired.Error() || got.Attempts != 1 {
		t.Fatalf("unexpected recovered job %+v", got)
	}
}

func TestShutdownDrainsInFlightJobs(t *testing.T) {
	st := store.NewMemory()
	reg := worker.NewRegistry()
	started := make(chan struct{})
	register(t, reg, "slow", func(context.Context, map[string]any) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	job := enqueue(t, st, "slow", 1, nil)

	d := New(st, worker.NewPool(1, reg), testOptions(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	<-started
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusSucceeded {
		t.Fatalf("expected drained job succeeded, got %s", got.Status)
	}
}

func TestRetryDelay(t *testing.T) {
	base, max := time.Second, 10*time.Second
	cases := map[int]time.Duration{
		0:  time.Second,
		1:  2 * time.Second,
		2:  4 * time.Second,
		3:  8 * time.Second,
		4:  10 * time.Second,
		60: 10 * time.Second,
	}
	for attempts, want := range cases {
		if got := RetryDelay(base, max, attempts); got != want {
			t.Fatalf("RetryDelay(%d) = %s, want %s", attempts, got, want)
		}
	}
}

func TestNextClaimBackoff(t *testing.T) {
	d := nextClaimBackoff(0, 10*time.Millisecond, 50*time.Millisecond)
	if d != 10*time.Millisecond {
		t.Fatalf("first backoff %s", d)
	}
	d = nextClaimBackoff(d, 10*time.Millisecond, 50*time.Millisecond)
	if d != 20*time.Millisecond {
		t.Fatalf("second backoff %s", d)
	}
	d = nextClaimBackoff(40*time.Millisecond, 10*time.Millisecond, 50*time.Millisecond)
	if d != 50*time.Millisecond {
		t.Fatalf("capped backoff %s", d)
	}
}
