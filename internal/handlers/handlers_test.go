package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"durable-job-queue/internal/config"
	"durable-job-queue/internal/worker"
)

func TestSendEmail(t *testing.T) {
	h := NewSendEmail(5*time.Millisecond, nil)
	if err := h.Handle(context.Background(), map[string]any{"to": "user@example.com"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := h.Handle(context.Background(), map[string]any{}); err == nil {
		t.Fatalf("expected missing recipient error")
	}
}

func TestSendEmailHonoursCancellation(t *testing.T) {
	h := NewSendEmail(time.Hour, nil)
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel(worker.ErrCancelled)
	}()
	start := time.Now()
	err := h.Handle(ctx, map[string]any{"to": "user@example.com"})
	if !errors.Is(err, worker.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancellation not observed promptly")
	}
}

func TestWebhook(t *testing.T) {
	var got map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := NewWebhook(srv.Client())
	err := h.Handle(context.Background(), map[string]any{
		"url":     srv.URL,
		"body":    map[string]any{"event": "signup"},
		"headers": map[string]any{"Authorization": "Bearer t"},
	})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if got["event"] != "signup" || auth != "Bearer t" {
		t.Fatalf("unexpected delivery body=%v auth=%q", got, auth)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.Client()).Handle(context.Background(), map[string]any{"url": srv.URL})
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestWebhookRejectsBadURL(t *testing.T) {
	h := NewWebhook(nil)
	for _, u := range []string{"", "ftp://example.com", "not a url"} {
		if err := h.Handle(context.Background(), map[string]any{"url": u}); err == nil {
			t.Fatalf("expected error for %q", u)
		}
	}
}

func TestRegister(t *testing.T) {
	reg := worker.NewRegistry()
	if err := Register(reg, config.Defaults(), nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	types := reg.Types()
	if len(types) != 2 || types[0] != TypeSendEmail || types[1] != TypeWebhook {
		t.Fatalf("unexpected types %v", types)
	}
}
