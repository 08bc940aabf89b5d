// Package archive removes finished jobs past the retention period, optionally
// writing them to a sink first.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"durable-job-queue/internal/store"
	"durable-job-queue/internal/telemetry"
)

const defaultBatchSize = 500

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a cron expression or descriptor such as "@every 1h".
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// Archiver sweeps terminal jobs older than the retention period.
type Archiver struct {
	store     store.Store
	sink      Sink
	retention time.Duration
	batchSize int
	log       *zap.Logger
	now       func() time.Time
}

// New returns an archiver. A nil sink deletes without archiving.
func New(st store.Store, sink Sink, retention time.Duration, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{
		store:     st,
		sink:      sink,
		retention: retention,
		batchSize: defaultBatchSize,
		log:       log.Named("archive"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Sweep archives and deletes finished jobs in batches. It returns the number
// of jobs removed. A batch is deleted only after its archive write succeeds.
func (a *Archiver) Sweep(ctx context.Context) (int, error) {
	if a.retention <= 0 {
		return 0, nil
	}
	cutoff := a.now().Add(-a.retention)
	total := 0
	for {
		jobs, err := a.store.ListFinishedBefore(ctx, cutoff, a.batchSize)
		if err != nil {
			return total, err
		}
		if len(jobs) == 0 {
			break
		}
		if a.sink != nil {
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			for _, j := range jobs {
				if err := enc.Encode(j); err != nil {
					return total, fmt.Errorf("encode job %s: %w", j.ID, err)
				}
			}
			key := fmt.Sprintf("jobs/%s/%s-%s.jsonl", cutoff.Format("2006-01-02"), a.now().Format("150405.000000000"), jobs[0].ID)
			where, err := a.sink.Put(ctx, key, buf.Bytes(), "application/x-ndjson")
			if err != nil {
				return total, fmt.Errorf("archive batch: %w", err)
			}
			a.log.Debug("archived batch", zap.String("location", where), zap.Int("jobs", len(jobs)))
		}
		ids := make([]string, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		n, err := a.store.Delete(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n
		telemetry.JobsArchived.Add(float64(n))
		if len(jobs) < a.batchSize {
			break
		}
	}
	if total > 0 {
		a.log.Info("retention sweep removed jobs", zap.Int("jobs", total), zap.Time("cutoff", cutoff))
	}
	return total, nil
}

// Schedule runs Sweep on the cron schedule until the returned cron is stopped.
// Overlapping runs are skipped.
func (a *Archiver) Schedule(ctx context.Context, expr string, timeout time.Duration) (*cron.Cron, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	c := cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := a.Sweep(runCtx); err != nil {
			a.log.Warn("retention sweep failed", zap.Error(err))
		}
	}))
	c.Start()
	return c, nil
}
