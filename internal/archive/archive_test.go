package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"durable-job-queue/internal/config"
	"durable-job-queue/internal/models"
	"durable-job-queue/internal/store"
)

// seed creates one job finished two days ago, one finished now and one still pending.
func seed(t *testing.T) (*store.Memory, models.Job, models.Job, models.Job) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory().WithClock(func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) })
	old, err := mem.Enqueue(ctx, store.NewJob{Type: "send_email", Payload: map[string]any{"to": "a@b.c"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := mem.ClaimNext(ctx, "w"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := mem.MarkSucceeded(ctx, old.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	mem.WithClock(func() time.Time { return time.Now().UTC() })

	recent, _ := mem.Enqueue(ctx, store.NewJob{Type: "send_email"})
	if _, err := mem.ClaimNext(ctx, "w"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := mem.MarkFailed(ctx, recent.ID, "boom"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	pending, _ := mem.Enqueue(ctx, store.NewJob{Type: "send_email"})
	return mem, old, recent, pending
}

func TestSweepArchivesToLocalSink(t *testing.T) {
	ctx := context.Background()
	mem, old, recent, pending := seed(t)
	dir := t.TempDir()

	n, err := New(mem, &LocalSink{BaseDir: dir}, 24*time.Hour, nil).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job removed, got %d", n)
	}
	if _, err := mem.GetJob(ctx, old.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old job should be gone, got %v", err)
	}
	for _, id := range []string{recent.ID, pending.ID} {
		if _, err := mem.GetJob(ctx, id); err != nil {
			t.Fatalf("job %s should survive: %v", id, err)
		}
	}

	files, err := filepath.Glob(filepath.Join(dir, "jobs", "*", "*.jsonl"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one archive file, got %v err=%v", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	var lines []models.Job
	for sc.Scan() {
		var j models.Job
		if err := json.Unmarshal(sc.Bytes(), &j); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		lines = append(lines, j)
	}
	if len(lines) != 1 || lines[0].ID != old.ID || lines[0].Status != models.StatusSucceeded {
		t.Fatalf("unexpected archive contents %+v", lines)
	}
}

type failingSink struct{}

func (failingSink) Put(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket unreachable")
}

func TestSweepKeepsJobsWhenArchiveFails(t *testing.T) {
	ctx := context.Background()
	mem, old, _, _ := seed(t)
	if _, err := New(mem, failingSink{}, 24*time.Hour, nil).Sweep(ctx); err == nil {
		t.Fatalf("expected sweep error")
	}
	if _, err := mem.GetJob(ctx, old.ID); err != nil {
		t.Fatalf("job deleted despite failed archive: %v", err)
	}
}

func TestSweepWithoutSinkDeletesInBatches(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory().WithClock(func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) })
	for i := 0; i < 5; i++ {
		job, _ := mem.Enqueue(ctx, store.NewJob{Type: "x"})
		if _, err := mem.ClaimNext(ctx, "w"); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := mem.MarkSucceeded(ctx, job.ID); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	mem.WithClock(func() time.Time { return time.Now().UTC() })

	a := New(mem, nil, time.Hour, nil)
	a.batchSize = 2
	n, err := a.Sweep(ctx)
	if err != nil || n != 5 {
		t.Fatalf("expected 5 removed, got n=%d err=%v", n, err)
	}
}

func TestSweepDisabled(t *testing.T) {
	mem, _, _, _ := seed(t)
	n, err := New(mem, nil, 0, nil).Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("disabled sweep removed %d err=%v", n, err)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, ok := range []string{"@every 1h", "@daily", "*/5 * * * *"} {
		if _, err := ParseSchedule(ok); err != nil {
			t.Fatalf("parse %q: %v", ok, err)
		}
	}
	if _, err := ParseSchedule("not-a-cron"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestScheduleRunsSweep(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	mem, old, _, _ := seed(t)
	c, err := New(mem, nil, 24*time.Hour, nil).Schedule(context.Background(), "@every 1s", time.Second)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	defer c.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := mem.GetJob(context.Background(), old.ID); errors.Is(err, store.ErrNotFound) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("scheduled sweep did not run")
}

func TestNewSink(t *testing.T) {
	ctx := context.Background()
	cfg := config.Defaults()

	sink, err := NewSink(ctx, cfg)
	if err != nil || sink != nil {
		t.Fatalf("destination none: sink=%v err=%v", sink, err)
	}
	cfg.ArchiveDestination = "local"
	if sink, err = NewSink(ctx, cfg); err != nil {
		t.Fatalf("local: %v", err)
	}
	if _, ok := sink.(*LocalSink); !ok {
		t.Fatalf("expected LocalSink, got %T", sink)
	}
	cfg.ArchiveDestination = "s3"
	if _, err := NewSink(ctx, cfg); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	cfg.ArchiveDestination = "tape"
	if _, err := NewSink(ctx, cfg); err == nil {
		t.Fatalf("expected unknown destination error")
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"jobs/a.jsonl":      "jobs/a.jsonl",
		"/jobs/a.jsonl":     "jobs/a.jsonl",
		"../../etc/passwd":  "etc/passwd",
		"./jobs/../b.jsonl": "b.jsonl",
	}
	for in, want := range cases {
		if got := sanitizeKey(in); got != want {
			t.Fatalf("sanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
