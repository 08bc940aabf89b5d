package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"durable-job-queue/internal/models"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store. Safe for concurrent use; intended for tests
// and single-process development.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

// NewMemory returns an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the store clock. Used by tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Enqueue(_ context.Context, p NewJob) (models.Job, error) {
	p = normalize(p)
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	j := &models.Job{
		ID:          newJobID(),
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	stored := j.Clone()
	m.jobs[j.ID] = &stored
	return j.Clone(), nil
}

func (m *Memory) ClaimNext(_ context.Context, workerID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var next *models.Job
	for _, j := range m.jobs {
		if !claimable(j, now) {
			continue
		}
		if next == nil || before(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = models.StatusRunning
	next.Attempts++
	next.WorkerID = workerID
	next.StartedAt = timePtr(now)
	next.NextAttemptAt = nil
	next.UpdatedAt = now
	out := next.Clone()
	return &out, nil
}

func claimable(j *models.Job, now time.Time) bool {
	switch j.Status {
	case models.StatusPending:
		return true
	case models.StatusRetrying:
		return j.NextAttemptAt == nil || !j.NextAttemptAt.After(now)
	}
	return false
}

// before orders jobs by enqueue time, then id.
func before(a, b *models.Job) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID < b.ID
}

func (m *Memory) running(id string) (*models.Job, error) {
	j, ok := m.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return nil, ErrNotFound
	}
	return j, nil
}

func (m *Memory) MarkSucceeded(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.running(id)
	if err != nil {
		return err
	}
	now := m.now()
	j.Status = models.StatusSucceeded
	j.LastError = ""
	j.FinishedAt = timePtr(now)
	j.UpdatedAt = now
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.running(id)
	if err != nil {
		return err
	}
	now := m.now()
	j.Status = models.StatusFailed
	j.LastError = lastErr
	j.FinishedAt = timePtr(now)
	j.UpdatedAt = now
	return nil
}

func (m *Memory) MarkRetrying(_ context.Context, id string, lastErr string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.running(id)
	if err != nil {
		return err
	}
	if j.CancelRequested {
		return ErrCancelRequested
	}
	j.Status = models.StatusRetrying
	j.LastError = lastErr
	j.NextAttemptAt = timePtr(nextAttemptAt.UTC())
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ListByStatus(_ context.Context, status models.Status) ([]models.Job, error) {
	return m.collect(func(j *models.Job) bool { return j.Status == status }, 0), nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) PromoteDue(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == models.StatusRetrying && claimable(j, now) {
			j.Status = models.StatusPending
			j.NextAttemptAt = nil
			j.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *Memory) RequestCancel(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status.Terminal() {
		return models.Job{}, ErrNotFound
	}
	now := m.now()
	if j.Status == models.StatusRunning {
		j.CancelRequested = true
	} else {
		j.Status = models.StatusFailed
		j.LastError = CancelledMessage
		j.NextAttemptAt = nil
		j.FinishedAt = timePtr(now)
	}
	j.UpdatedAt = now
	return j.Clone(), nil
}

func (m *Memory) CancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	return j.CancelRequested, nil
}

func (m *Memory) ListStale(_ context.Context, startedBefore time.Time) ([]models.Job, error) {
	return m.collect(func(j *models.Job) bool {
		return j.Status == models.StatusRunning && j.StartedAt != nil && j.StartedAt.Before(startedBefore)
	}, 0), nil
}

func (m *Memory) ListFinishedBefore(_ context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	return m.collect(func(j *models.Job) bool {
		return j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff)
	}, limit), nil
}

func (m *Memory) Delete(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.jobs[id]; ok {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[models.Status]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.Status]int64, len(models.Statuses))
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) collect(match func(*models.Job) bool, limit int) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]*models.Job, 0)
	for _, j := range m.jobs {
		if match(j) {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return before(matched[i], matched[k]) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]models.Job, len(matched))
	for i, j := range matched {
		out[i] = j.Clone()
	}
	return out
}
