package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"durable-job-queue/internal/config"
	"durable-job-queue/internal/models"
)

var (
	// ErrStoreUnavailable wraps storage I/O failures.
	ErrStoreUnavailable = errors.New("job store unavailable")
	// ErrNotFound is returned when a job does not exist or is not in the
	// state an operation requires.
	ErrNotFound = errors.New("job not found")
	// ErrCancelRequested is returned by MarkRetrying for a running job that
	// has been flagged for cancellation. The job is left running.
	ErrCancelRequested = errors.New("job cancellation requested")
)

// CancelledMessage is recorded as last_error for jobs cancelled before running.
const CancelledMessage = "job cancelled"

// NewJob collects inputs required to insert a job.
type NewJob struct {
	Type        string
	Payload     map[string]any
	MaxAttempts int
}

// Store is the durable record of jobs. Every state change goes through one of
// its atomic operations.
type Store interface {
	// Enqueue inserts a pending job and returns it with its assigned id.
	Enqueue(ctx context.Context, p NewJob) (models.Job, error)
	// ClaimNext moves the oldest pending (or due retrying) job to running and
	// returns it. It returns nil when nothing is ready.
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, lastErr string) error
	// MarkRetrying refuses jobs flagged for cancellation with ErrCancelRequested.
	MarkRetrying(ctx context.Context, id string, lastErr string, nextAttemptAt time.Time) error
	ListByStatus(ctx context.Context, status models.Status) ([]models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)

	// PromoteDue returns retrying jobs whose backoff has elapsed to pending.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// RequestCancel fails a queued job immediately or flags a running one.
	RequestCancel(ctx context.Context, id string) (models.Job, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	// ListStale returns running jobs started before the cutoff.
	ListStale(ctx context.Context, startedBefore time.Time) ([]models.Job, error)
	// ListFinishedBefore returns terminal jobs finished before the cutoff.
	ListFinishedBefore(ctx context.Context, before time.Time, limit int) ([]models.Job, error)
	Delete(ctx context.Context, ids []string) (int, error)
	CountByStatus(ctx context.Context) (map[models.Status]int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.StoreDriver and prepares its schema.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		st, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "sqlite":
		return NewSQLite(ctx, cfg.SQLitePath)
	case "redis":
		return NewRedis(cfg), nil
	case "memory":
		log.Warn("memory store selected; jobs are lost on restart and not shared between processes")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func normalize(p NewJob) NewJob {
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
