package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"durable-job-queue/internal/models"
)

var _ Store = (*SQLite)(nil)

// SQLite persists jobs in a single database file. One open connection
// serializes every write, which is what makes ClaimNext atomic.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (creating if needed) the database file and applies migrations.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, unavailable("open sqlite", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping sqlite", err)
	}
	return nil
}

func (s *SQLite) Enqueue(ctx context.Context, p NewJob) (models.Job, error) {
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`, job.ID, job.Type, string(payloadJSON), string(job.Status), job.MaxAttempts, now.UnixNano(), now.UnixNano())
	if err != nil {
		return models.Job{}, unavailable("insert job", err)
	}
	return job, nil
}

func (s *SQLite) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	now := s.now().UnixNano()
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, worker_id = ?,
		    started_at = ?, next_attempt_at = NULL, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			   OR (status = 'retrying' AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
			ORDER BY enqueued_at, id
			LIMIT 1
		)
		RETURNING `+jobColumns, workerID, now, now, now)

	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("claim job", err)
	}
	return &job, nil
}

func (s *SQLite) MarkSucceeded(ctx context.Context, id string) error {
	now := s.now().UnixNano()
	return s.transition(ctx, "mark succeeded", `
		UPDATE jobs SET status = 'succeeded', last_error = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, now, now, id)
}

func (s *SQLite) MarkFailed(ctx context.Context, id string, lastErr string) error {
	now := s.now().UnixNano()
	return s.transition(ctx, "mark failed", `
		UPDATE jobs SET status = 'failed', last_error = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, lastErr, now, now, id)
}

func (s *SQLite) MarkRetrying(ctx context.Context, id string, lastErr string, nextAttemptAt time.Time) error {
	now := s.now().UnixNano()
	err := s.transition(ctx, "mark retrying", `
		UPDATE jobs SET status = 'retrying', last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND cancel_requested = 0
	`, lastErr, nextAttemptAt.UnixNano(), now, id)
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	var flagged bool
	err = s.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM jobs WHERE id = ? AND status = 'running'
	`, id).Scan(&flagged)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return unavailable("mark retrying", err)
	case flagged:
		return ErrCancelRequested
	}
	return ErrNotFound
}

func (s *SQLite) transition(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListByStatus(ctx context.Context, status models.Status) ([]models.Job, error) {
	return s.query(ctx, "list jobs", `
		SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY enqueued_at, id
	`, string(status))
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, unavailable("get job", err)
	}
	return job, nil
}

func (s *SQLite) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', next_attempt_at = NULL, updated_at = ?
		WHERE status = 'retrying' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	`, s.now().UnixNano(), now.UnixNano())
	if err != nil {
		return 0, unavailable("promote retries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) RequestCancel(ctx context.Context, id string) (models.Job, error) {
	now := s.now().UnixNano()
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET
		    cancel_requested = CASE WHEN status = 'running' THEN 1 ELSE cancel_requested END,
		    last_error       = CASE WHEN status = 'running' THEN last_error ELSE ? END,
		    finished_at      = CASE WHEN status = 'running' THEN finished_at ELSE ? END,
		    next_attempt_at  = CASE WHEN status = 'running' THEN next_attempt_at ELSE NULL END,
		    status           = CASE WHEN status = 'running' THEN status ELSE 'failed' END,
		    updated_at       = ?
		WHERE id = ? AND status IN ('pending', 'retrying', 'running')
		RETURNING `+jobColumns, CancelledMessage, now, now, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, unavailable("cancel job", err)
	}
	return job, nil
}

func (s *SQLite) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flagged bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, id).Scan(&flagged)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, unavailable("read cancel flag", err)
	}
	return flagged, nil
}

func (s *SQLite) ListStale(ctx context.Context, startedBefore time.Time) ([]models.Job, error) {
	return s.query(ctx, "list stale jobs", `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'running' AND started_at < ?
		ORDER BY enqueued_at, id
	`, startedBefore.UnixNano())
}

func (s *SQLite) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.query(ctx, "list finished jobs", `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('succeeded', 'failed') AND finished_at < ?
		ORDER BY enqueued_at, id
		LIMIT ?
	`, cutoff.UnixNano(), limit)
}

func (s *SQLite) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, unavailable("delete jobs", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
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

func (s *SQLite) query(ctx context.Context, op, query string, args ...any) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var payloadJSON, status string
	var workerID, lastErr sql.NullString
	var enqueued, updated int64
	var started, finished, next sql.NullInt64

	err := row.Scan(&job.ID, &job.Type, &payloadJSON, &status, &job.Attempts, &job.MaxAttempts,
		&workerID, &lastErr, &job.CancelRequested, &enqueued, &started, &finished, &next, &updated)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.Status = models.Status(status)
	job.WorkerID = workerID.String
	job.LastError = lastErr.String
	job.EnqueuedAt = fromNanos(enqueued)
	job.UpdatedAt = fromNanos(updated)
	job.StartedAt = nullNanos(started)
	job.FinishedAt = nullNanos(finished)
	job.NextAttemptAt = nullNanos(next)
	return job, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	return timePtr(fromNanos(n.Int64))
}
