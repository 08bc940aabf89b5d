// Package queue is the producer API: code that wants work done later pushes
// a job type and payload and gets back the job id.
package queue

import (
	"context"
	"errors"
	"fmt"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
)

// ErrInvalidJob is returned for jobs that can never be stored, such as an
// empty type or a payload that does not encode as JSON.
var ErrInvalidJob = errors.New("invalid job")

// Queue enqueues jobs into a store. It never waits for execution.
type Queue struct {
	store       store.Store
	maxAttempts int
}

// New returns a queue whose jobs get maxAttempts unless overridden.
func New(st store.Store, maxAttempts int) *Queue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Queue{store: st, maxAttempts: maxAttempts}
}

// Push enqueues a job with the default attempt budget and returns its id.
func (q *Queue) Push(ctx context.Context, jobType string, payload map[string]any) (string, error) {
	job, err := q.PushWithAttempts(ctx, jobType, payload, 0)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// PushWithAttempts enqueues a job; maxAttempts <= 0 selects the default.
func (q *Queue) PushWithAttempts(ctx context.Context, jobType string, payload map[string]any, maxAttempts int) (models.Job, error) {
	if jobType == "" {
		return models.Job{}, fmt.Errorf("%w: type is required", ErrInvalidJob)
	}
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	job, err := q.store.Enqueue(ctx, store.NewJob{Type: jobType, Payload: payload, MaxAttempts: maxAttempts})
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	telemetry.JobsEnqueued.Inc()
	return job, nil
}

// Cancel fails a queued job or asks a running one to stop.
func (q *Queue) Cancel(ctx context.Context, id string) (models.Job, error) {
	return q.store.RequestCancel(ctx, id)
}

func (q *Queue) Status(ctx context.Context, id string) (models.Job, error) {
	return q.store.GetJob(ctx, id)
}

func (q *Queue) List(ctx context.Context, status models.Status) ([]models.Job, error) {
	return q.store.ListByStatus(ctx, status)
}

// Ping reports whether the backing store is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.store.Ping(ctx)
}
