package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/telemetry"
)

// Outcome reports how one execution ended.
type Outcome struct {
	Err       error
	Permanent bool // no retry regardless of attempts left
	Duration  time.Duration
}

func (o Outcome) Success() bool { return o.Err == nil }

// Pool executes handlers on a bounded number of slots.
type Pool struct {
	registry *Registry
	timeout  time.Duration
	tracer   trace.Tracer
	log      *zap.Logger

	slots chan struct{}
	wg    sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithTimeout bounds every execution. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pool) { p.tracer = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// NewPool creates a pool with size slots.
func NewPool(size int, registry *Registry, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		registry: registry,
		tracer:   telemetry.Tracer(),
		log:      zap.NewNop(),
		slots:    make(chan struct{}, size),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("pool")
	return p
}

func (p *Pool) Size() int { return cap(p.slots) }

// Free returns the number of idle slots.
func (p *Pool) Free() int { return cap(p.slots) - len(p.slots) }

// TryAcquire reserves a slot without blocking.
func (p *Pool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *Pool) Release() {
	select {
	case <-p.slots:
	default:
	}
}

// Submit runs job on a slot previously reserved with TryAcquire. The slot is
// released as soon as the handler returns; done is then called with the
// outcome. A timed-out handler is reported at once but keeps its slot until
// it actually returns. Wait covers done and abandoned handlers.
func (p *Pool) Submit(ctx context.Context, job models.Job, done func(models.Job, Outcome)) {
	p.wg.Add(1)
	telemetry.InFlightGauge.Inc()
	go func() {
		defer p.wg.Done()
		out, abandoned := p.execute(ctx, job)
		if abandoned != nil {
			if done != nil {
				done(job, out)
			}
			<-abandoned
			telemetry.InFlightGauge.Dec()
			p.Release()
			return
		}
		telemetry.InFlightGauge.Dec()
		p.Release()
		if done != nil {
			done(job, out)
		}
	}()
}

// Wait blocks until every submitted job has reported and its handler has
// returned, or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs the handler for job.Type and classifies the result. It never
// panics. On timeout it returns while the handler goroutine is left to
// observe its cancelled context.
func (p *Pool) Execute(ctx context.Context, job models.Job) Outcome {
	out, _ := p.execute(ctx, job)
	return out
}

// execute also returns, for a timed-out handler, a channel that is closed
// once the abandoned goroutine returns.
func (p *Pool) execute(ctx context.Context, job models.Job) (Outcome, <-chan struct{}) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.Int("job.attempt", job.Attempts),
		attribute.Int("job.max_attempts", job.MaxAttempts),
	))
	defer span.End()

	out, abandoned := p.run(ctx, job)
	out.Duration = time.Since(start)

	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		span.SetAttributes(attribute.Bool("job.permanent", out.Permanent))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if !errors.Is(out.Err, ErrUnknownJobType) {
		telemetry.HandlerDuration.WithLabelValues(job.Type).Observe(out.Duration.Seconds())
	}
	return out, abandoned
}

func (p *Pool) run(ctx context.Context, job models.Job) (Outcome, <-chan struct{}) {
	handler, ok := p.registry.Lookup(job.Type)
	if !ok {
		return Outcome{Err: fmt.Errorf("%w: %q", ErrUnknownJobType, job.Type), Permanent: true}, nil
	}

	runCtx := withJob(ctx, job)
	var cancel context.CancelFunc
	var deadline <-chan time.Time
	if p.timeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(runCtx, p.timeout, ErrTimeout)
		timer := time.NewTimer(p.timeout)
		defer timer.Stop()
		deadline = timer.C
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	defer cancel()

	result := make(chan error, 1)
	returned := make(chan struct{})
	go func() {
		defer close(returned)
		result <- invoke(runCtx, handler, job.Payload)
	}()

	var err error
	select {
	case err = <-result:
	case <-deadline:
		telemetry.JobsTimedOut.Inc()
		p.log.Warn("handler exceeded timeout; abandoning",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Duration("timeout", p.timeout),
		)
		return Outcome{Err: fmt.Errorf("%w after %s", ErrTimeout, p.timeout)}, returned
	}
	if err == nil {
		return Outcome{}, nil
	}

	switch cause := context.Cause(runCtx); {
	case errors.Is(cause, ErrCancelled):
		return Outcome{Err: ErrCancelled, Permanent: true}, nil
	case errors.Is(cause, ErrTimeout) && !errors.Is(err, ErrTimeout):
		telemetry.JobsTimedOut.Inc()
		return Outcome{Err: fmt.Errorf("%w after %s: %w", ErrTimeout, p.timeout, err)}, nil
	}
	return Outcome{Err: err}, nil
}

func invoke(ctx context.Context, h HandlerFunc, payload map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return h(ctx, payload)
}
