// Package dispatcher claims ready jobs from the store, runs them on the
// worker pool and records each outcome according to the retry policy.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"durable-job-queue/internal/config"
	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
	"durable-job-queue/internal/worker"
)

// ErrLeaseExpired is recorded on running jobs recovered from a worker that
// stopped reporting.
var ErrLeaseExpired = errors.New("job exceeded stale threshold without reporting")

var errShutdown = errors.New("worker shutting down")

// Options tune the dispatch loop. Zero values fall back to defaults.
type Options struct {
	WorkerID            string
	PollInterval        time.Duration
	BackoffInitial      time.Duration
	BackoffMax          time.Duration
	ClaimBackoffMax     time.Duration
	StaleAfter          time.Duration // zero disables stale recovery
	CancelCheckInterval time.Duration // zero disables cancellation polling
	MetricsInterval     time.Duration
	ShutdownTimeout     time.Duration
}

// OptionsFromConfig maps service configuration onto dispatcher options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:            cfg.WorkerID,
		PollInterval:        cfg.WorkerPollInterval,
		BackoffInitial:      cfg.BackoffInitial,
		BackoffMax:          cfg.BackoffMax,
		ClaimBackoffMax:     cfg.ClaimBackoffMax,
		StaleAfter:          cfg.StaleAfter,
		CancelCheckInterval: cfg.CancelCheckInterval,
		ShutdownTimeout:     cfg.ShutdownTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = defaultWorkerID()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.ClaimBackoffMax < o.PollInterval {
		o.ClaimBackoffMax = 30 * o.PollInterval
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = 15 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	return o
}

func defaultWorkerID() string {
	if hostname, _ := os.Hostname(); hostname != "" {
		return fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

// Dispatcher is the single claiming loop of a worker process.
type Dispatcher struct {
	store store.Store
	pool  *worker.Pool
	opts  Options
	log   *zap.Logger
	now   func() time.Time

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
	wake     chan struct{}

	claimBackoff time.Duration
	claimAfter   time.Time
}

func New(st store.Store, pool *worker.Pool, opts Options, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Dispatcher{
		store:    st,
		pool:     pool,
		opts:     opts,
		log:      log.Named("dispatcher").With(zap.String("worker_id", opts.WorkerID)),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]context.CancelCauseFunc),
		wake:     make(chan struct{}, 1),
	}
}

// WorkerID returns the id recorded on claimed jobs.
func (d *Dispatcher) WorkerID() string { return d.opts.WorkerID }

// Run polls until ctx is cancelled, then waits up to ShutdownTimeout for
// in-flight jobs to report. Jobs still running after that are cancelled and
// left for stale recovery.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("dispatcher starting",
		zap.Int("concurrency", d.pool.Size()),
		zap.Duration("poll_interval", d.opts.PollInterval),
	)

	poll := time.NewTicker(d.opts.PollInterval)
	defer poll.Stop()
	cancelTick, stopCancel := ticker(d.opts.CancelCheckInterval)
	defer stopCancel()
	staleTick, stopStale := ticker(d.staleInterval())
	defer stopStale()
	metricsTick, stopMetrics := ticker(d.opts.MetricsInterval)
	defer stopMetrics()

	d.recoverStale(ctx)
	d.refreshMetrics(ctx)
	d.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return d.drain()
		case <-poll.C:
		case <-d.wake:
		case <-cancelTick:
			d.checkCancellations(ctx)
			continue
		case <-staleTick:
			d.recoverStale(ctx)
			continue
		case <-metricsTick:
			d.refreshMetrics(ctx)
			continue
		}
		d.poll(ctx)
	}
}

func (d *Dispatcher) staleInterval() time.Duration {
	if d.opts.StaleAfter <= 0 {
		return 0
	}
	if half := d.opts.StaleAfter / 2; half > d.opts.PollInterval {
		return half
	}
	return d.opts.PollInterval
}

func ticker(every time.Duration) (<-chan time.Time, func()) {
	if every <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(every)
	return t.C, t.Stop
}

// poll claims jobs until the store has none ready or the pool is full.
// Store errors back off exponentially up to ClaimBackoffMax.
func (d *Dispatcher) poll(ctx context.Context) {
	if !d.claimAfter.IsZero() && time.Now().Before(d.claimAfter) {
		return
	}
	if err := d.claimBatch(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		d.claimBackoff = nextClaimBackoff(d.claimBackoff, d.opts.PollInterval, d.opts.ClaimBackoffMax)
		d.claimAfter = time.Now().Add(d.claimBackoff)
		telemetry.ClaimErrors.Inc()
		d.log.Warn("claim failed; backing off", zap.Error(err), zap.Duration("backoff", d.claimBackoff))
		return
	}
	if d.claimBackoff > 0 {
		d.log.Info("store reachable again")
	}
	d.claimBackoff = 0
	d.claimAfter = time.Time{}
}

func nextClaimBackoff(current, initial, max time.Duration) time.Duration {
	if current <= 0 {
		return initial
	}
	if current >= max/2 {
		return max
	}
	return current * 2
}

func (d *Dispatcher) claimBatch(ctx context.Context) error {
	if _, err := d.store.PromoteDue(ctx, d.now()); err != nil {
		return err
	}
	for ctx.Err() == nil && d.pool.TryAcquire() {
		job, err := d.store.ClaimNext(ctx, d.opts.WorkerID)
		if err != nil || job == nil {
			d.pool.Release()
			return err
		}
		d.dispatch(ctx, *job)
	}
	return nil
}

// dispatch hands a claimed job to the pool. The job context survives ctx
// cancellation so shutdown drains instead of aborting handlers.
func (d *Dispatcher) dispatch(ctx context.Context, job models.Job) {
	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	d.track(job.ID, cancel)
	d.log.Debug("job claimed",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts),
	)
	d.pool.Submit(jobCtx, job, func(job models.Job, out worker.Outcome) {
		d.untrack(job.ID)
		cancel(nil)
		d.report(context.WithoutCancel(ctx), job, out)
		d.signal()
	})
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// report persists an outcome. ErrNotFound means another actor already moved
// the job (stale recovery, a second report) and is only logged.
func (d *Dispatcher) report(ctx context.Context, job models.Job, out worker.Outcome) {
	log := d.log.With(
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts),
		zap.Duration("duration", out.Duration),
	)
	var err error
	if out.Success() {
		if err = d.store.MarkSucceeded(ctx, job.ID); err == nil {
			telemetry.JobsSucceeded.Inc()
			log.Info("job succeeded")
		}
	} else {
		err = d.fail(ctx, job, out.Err, out.Permanent, log)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Debug("job no longer running; outcome dropped", zap.NamedError("outcome", out.Err))
	case err != nil:
		log.Error("record job outcome", zap.Error(err))
	}
}

// fail applies the retry policy: permanent errors and exhausted attempts end
// the job, anything else is retried after RetryDelay. A job flagged for
// cancellation is failed as cancelled instead of retried.
func (d *Dispatcher) fail(ctx context.Context, job models.Job, cause error, permanent bool, log *zap.Logger) error {
	if permanent || job.Attempts >= job.MaxAttempts {
		if err := d.store.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
			return err
		}
		telemetry.JobsFailed.Inc()
		log.Warn("job failed", zap.Error(cause), zap.Bool("permanent", permanent))
		return nil
	}
	next := d.now().Add(RetryDelay(d.opts.BackoffInitial, d.opts.BackoffMax, job.Attempts))
	err := d.store.MarkRetrying(ctx, job.ID, cause.Error(), next)
	if errors.Is(err, store.ErrCancelRequested) {
		log.Info("cancellation requested; not retrying", zap.NamedError("outcome", cause))
		return d.fail(ctx, job, worker.ErrCancelled, true, log)
	}
	if err != nil {
		return err
	}
	telemetry.JobsRetried.Inc()
	log.Info("job scheduled for retry", zap.Error(cause), zap.Time("next_attempt_at", next))
	return nil
}

// RetryDelay returns base * 2^attempts, capped at max.
func RetryDelay(base, max time.Duration, attempts int) time.Duration {
	d := base
	for i := 0; i < attempts; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

func (d *Dispatcher) track(id string, cancel context.CancelCauseFunc) {
	d.mu.Lock()
	d.inflight[id] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(id string) {
	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
}

func (d *Dispatcher) tracked(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[id]
	return ok
}

func (d *Dispatcher) snapshot() map[string]context.CancelCauseFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]context.CancelCauseFunc, len(d.inflight))
	for id, cancel := range d.inflight {
		out[id] = cancel
	}
	return out
}

// checkCancellations signals handlers whose job was flagged for cancellation.
func (d *Dispatcher) checkCancellations(ctx context.Context) {
	for id, cancel := range d.snapshot() {
		flagged, err := d.store.CancelRequested(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				d.log.Warn("read cancel flag", zap.String("job_id", id), zap.Error(err))
			}
			continue
		}
		if flagged {
			d.log.Info("cancellation requested; signalling handler", zap.String("job_id", id))
			cancel(worker.ErrCancelled)
		}
	}
}

// recoverStale applies the retry policy to running jobs whose worker has not
// reported within StaleAfter.
func (d *Dispatcher) recoverStale(ctx context.Context) {
	if d.opts.StaleAfter <= 0 {
		return
	}
	jobs, err := d.store.ListStale(ctx, d.now().Add(-d.opts.StaleAfter))
	if err != nil {
		if ctx.Err() == nil {
			d.log.Warn("list stale jobs", zap.Error(err))
		}
		return
	}
	for _, job := range jobs {
		if d.tracked(job.ID) {
			continue
		}
		log := d.log.With(
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.String("previous_worker", job.WorkerID),
			zap.Int("attempt", job.Attempts),
		)
		err := d.fail(ctx, job, ErrLeaseExpired, false, log)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			log.Warn("recover stale job", zap.Error(err))
		default:
			telemetry.JobsRecovered.Inc()
		}
	}
}

func (d *Dispatcher) refreshMetrics(ctx context.Context) {
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.log.Debug("count jobs", zap.Error(err))
		}
		return
	}
	for _, st := range models.Statuses {
		telemetry.JobsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (d *Dispatcher) drain() error {
	d.log.Info("dispatcher stopping; draining in-flight jobs", zap.Int("inflight", d.pool.Size()-d.pool.Free()))
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.ShutdownTimeout)
	defer cancel()
	if err := d.pool.Wait(ctx); err != nil {
		for id, cancelJob := range d.snapshot() {
			d.log.Warn("cancelling job still running at shutdown", zap.String("job_id", id))
			cancelJob(errShutdown)
		}
		return nil
	}
	d.log.Info("dispatcher stopped")
	return nil
}
