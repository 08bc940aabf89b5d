package models

import (
	"fmt"
	"time"
)

// Status enumerates job lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusRunning, StatusRetrying, StatusSucceeded, StatusFailed}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job is a unit of deferred work.
type Job struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Payload         map[string]any `json:"payload"`
	Status          Status         `json:"status"`
	Attempts        int            `json:"attempts"`
	MaxAttempts     int            `json:"max_attempts"`
	WorkerID        string         `json:"worker_id,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	EnqueuedAt      time.Time      `json:"enqueued_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	NextAttemptAt   *time.Time     `json:"next_attempt_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with j.
func (j Job) Clone() Job {
	out := j
	if j.Payload != nil {
		out.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			out.Payload[k] = v
		}
	}
	out.StartedAt = copyTime(j.StartedAt)
	out.FinishedAt = copyTime(j.FinishedAt)
	out.NextAttemptAt = copyTime(j.NextAttemptAt)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
