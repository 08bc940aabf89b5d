package handlers

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"durable-job-queue/internal/worker"
)

// SendEmail simulates delivering a message to payload.to. Delivery takes
// delay; cancellation is honoured at every step.
type SendEmail struct {
	delay time.Duration
	step  time.Duration
	log   *zap.Logger
}

func NewSendEmail(delay time.Duration, log *zap.Logger) *SendEmail {
	if log == nil {
		log = zap.NewNop()
	}
	step := 100 * time.Millisecond
	if delay > 0 && delay < step {
		step = delay
	}
	return &SendEmail{delay: delay, step: step, log: log.Named(TypeSendEmail)}
}

func (h *SendEmail) Handle(ctx context.Context, payload map[string]any) error {
	to := strings.TrimSpace(stringField(payload, "to"))
	if to == "" {
		return errors.New("payload.to is required")
	}
	log := h.log
	if job, ok := worker.JobFromContext(ctx); ok {
		log = log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))
	}
	log.Info("sending email", zap.String("to", to))

	deadline := time.Now().Add(h.delay)
	for remaining := h.delay; remaining > 0; remaining = time.Until(deadline) {
		wait := h.step
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return worker.Checkpoint(ctx)
		case <-time.After(wait):
		}
	}
	if err := worker.Checkpoint(ctx); err != nil {
		return err
	}
	log.Info("email sent", zap.String("to", to))
	return nil
}
