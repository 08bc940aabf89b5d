// Package handlers holds the job handlers a worker process registers.
package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"durable-job-queue/internal/config"
	"durable-job-queue/internal/worker"
)

const (
	TypeSendEmail = "send_email"
	TypeWebhook   = "webhook"
)

// Register binds every built-in handler to reg.
func Register(reg *worker.Registry, cfg config.Config, log *zap.Logger) error {
	email := NewSendEmail(cfg.EmailSendDelay, log)
	if err := reg.Register(TypeSendEmail, email.Handle); err != nil {
		return err
	}
	hook := NewWebhook(&http.Client{Timeout: webhookTimeout(cfg.JobTimeout)})
	return reg.Register(TypeWebhook, hook.Handle)
}

func webhookTimeout(jobTimeout time.Duration) time.Duration {
	if jobTimeout <= 0 {
		return 30 * time.Second
	}
	return jobTimeout
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}
