package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"durable-job-queue/internal/models"
)

var _ Store = (*Postgres)(nil)

const jobColumns = `id, type, payload, status, attempts, max_attempts, worker_id, last_error,
	cancel_requested, enqueued_at, started_at, finished_at, next_attempt_at, updated_at`

// Postgres wraps pgxpool for durable job persistence.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, unavailable("connect postgres", err)
	}
	return &Postgres{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping postgres", err)
	}
	return nil
}

// Enqueue inserts a pending job row.
func (s *Postgres) Enqueue(ctx context.Context, p NewJob) (models.Job, error) {
	p = normalize(p)
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	now := s.now()
	job := models.Job{
		ID:          newJobID(),
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, enqueued_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
	`, job.ID, job.Type, payloadJSON, string(job.Status), job.MaxAttempts, now)
	if err != nil {
		return models.Job{}, unavailable("insert job", err)
	}
	return job, nil
}

// ClaimNext locks the oldest ready row with SKIP LOCKED so concurrent
// claimers never see the same job.
func (s *Postgres) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	now := s.now()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, worker_id = $1,
		    started_at = $2, next_attempt_at = NULL, updated_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			   OR (status = 'retrying' AND (next_attempt_at IS NULL OR next_attempt_at <= $2))
			ORDER BY enqueued_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns, workerID, now)

	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("claim job", err)
	}
	return &job, nil
}

func (s *Postgres) MarkSucceeded(ctx context.Context, id string) error {
	now := s.now()
	return s.transition(ctx, "mark succeeded", `
		UPDATE jobs SET status = 'succeeded', last_error = NULL, finished_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'running'
	`, id, now)
}

func (s *Postgres) MarkFailed(ctx context.Context, id string, lastErr string) error {
	now := s.now()
	return s.transition(ctx, "mark failed", `
		UPDATE jobs SET status = 'failed', last_error = $3, finished_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'running'
	`, id, now, lastErr)
}

func (s *Postgres) MarkRetrying(ctx context.Context, id string, lastErr string, nextAttemptAt time.Time) error {
	now := s.now()
	err := s.transition(ctx, "mark retrying", `
		UPDATE jobs SET status = 'retrying', last_error = $3, next_attempt_at = $4, updated_at = $2
		WHERE id = $1 AND status = 'running' AND NOT cancel_requested
	`, id, now, lastErr, nextAttemptAt.UTC())
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.refusedRetry(ctx, id)
}

// refusedRetry tells a flagged running job apart from a missing one after a
// retry update matched no row. The flag is never cleared while running.
func (s *Postgres) refusedRetry(ctx context.Context, id string) error {
	var flagged bool
	err := s.pool.QueryRow(ctx, `
		SELECT cancel_requested FROM jobs WHERE id = $1 AND status = 'running'
	`, id).Scan(&flagged)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return unavailable("mark retrying", err)
	case flagged:
		return ErrCancelRequested
	}
	return ErrNotFound
}

func (s *Postgres) transition(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return unavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListByStatus(ctx context.Context, status models.Status) ([]models.Job, error) {
	return s.query(ctx, "list jobs", `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY enqueued_at, id
	`, string(status))
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, unavailable("get job", err)
	}
	return job, nil
}

func (s *Postgres) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', next_attempt_at = NULL, updated_at = $2
		WHERE status = 'retrying' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
	`, now.UTC(), s.now())
	if err != nil {
		return 0, unavailable("promote retries", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) RequestCancel(ctx context.Context, id string) (models.Job, error) {
	now := s.now()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET
		    cancel_requested = CASE WHEN status = 'running' THEN TRUE ELSE cancel_requested END,
		    last_error       = CASE WHEN status = 'running' THEN last_error ELSE $3 END,
		    finished_at      = CASE WHEN status = 'running' THEN finished_at ELSE $2 END,
		    next_attempt_at  = CASE WHEN status = 'running' THEN next_attempt_at ELSE NULL END,
		    status           = CASE WHEN status = 'running' THEN status ELSE 'failed' END,
		    updated_at       = $2
		WHERE id = $1 AND status IN ('pending', 'retrying', 'running')
		RETURNING `+jobColumns, id, now, CancelledMessage)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, unavailable("cancel job", err)
	}
	return job, nil
}

func (s *Postgres) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flagged bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&flagged)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, unavailable("read cancel flag", err)
	}
	return flagged, nil
}

func (s *Postgres) ListStale(ctx context.Context, startedBefore time.Time) ([]models.Job, error) {
	return s.query(ctx, "list stale jobs", `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'running' AND started_at < $1
		ORDER BY enqueued_at, id
	`, startedBefore.UTC())
}

func (s *Postgres) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	return s.query(ctx, "list finished jobs", `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('succeeded', 'failed') AND finished_at < $1
		ORDER BY enqueued_at, id
		LIMIT NULLIF($2::int, 0)
	`, cutoff.UTC(), limit)
}

func (s *Postgres) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, unavailable("delete jobs", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, unavailable("count jobs", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int64, len(models.Statuses))
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, unavailable("scan count", err)
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("count jobs", err)
	}
	return counts, nil
}

func (s *Postgres) query(ctx context.Context, op, sql string, args ...any) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanPgJob(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return jobs, nil
}

func scanPgJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var status string
	var workerID, lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.Type, &payloadJSON, &status, &job.Attempts, &job.MaxAttempts,
		&workerID, &lastErr, &job.CancelRequested, &job.EnqueuedAt, &job.StartedAt,
		&job.FinishedAt, &job.NextAttemptAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Status = models.Status(status)
	job.WorkerID = textValue(workerID)
	job.LastError = textValue(lastErr)
	job.EnqueuedAt = job.EnqueuedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.StartedAt = utcPtr(job.StartedAt)
	job.FinishedAt = utcPtr(job.FinishedAt)
	job.NextAttemptAt = utcPtr(job.NextAttemptAt)
	return job, nil
}

func textValue(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(t.UTC())
}

// Truncate removes every job. Used by tests.
func (s *Postgres) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE jobs`); err != nil {
		return unavailable("truncate jobs", err)
	}
	return nil
}
