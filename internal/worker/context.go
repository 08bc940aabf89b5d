package worker

import (
	"context"
	"errors"

	"durable-job-queue/internal/models"
)

var (
	// ErrUnknownJobType means no handler is registered for the job's type.
	// It is permanent: the job fails without retry.
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrTimeout is returned when a handler exceeds the job timeout.
	ErrTimeout = errors.New("job timed out")
	// ErrCancelled is the context cause seen by handlers whose job was cancelled.
	ErrCancelled = errors.New("job cancelled")
	// ErrPanic wraps a recovered handler panic.
	ErrPanic = errors.New("handler panicked")
)

type jobKey struct{}

func withJob(ctx context.Context, job models.Job) context.Context {
	return context.WithValue(ctx, jobKey{}, job)
}

// JobFromContext returns the job being executed, if any.
func JobFromContext(ctx context.Context) (models.Job, bool) {
	job, ok := ctx.Value(jobKey{}).(models.Job)
	return job, ok
}

// Checkpoint returns ErrCancelled or ErrTimeout once the job should stop, and
// nil otherwise. Long handlers call it between units of work.
func Checkpoint(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}
