package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"durable-job-queue/internal/models"
	"durable-job-queue/internal/queue"
	"durable-job-queue/internal/ratelimit"
	"durable-job-queue/internal/store"
)

func newTestServer(t *testing.T, st store.Store, limiter ratelimit.Limiter) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(queue.New(st, 3), limiter, nil).Router())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestEnqueueAndFetch(t *testing.T) {
	srv := newTestServer(t, store.NewMemory(), nil)

	resp := post(t, srv.URL+"/jobs", `{"type":"webhook","payload":{"url":"http://example.com"},"max_attempts":2}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var created jobResponse
	decode(t, resp, &created)
	if created.Job.ID == "" || created.Job.MaxAttempts != 2 || created.Job.Status != models.StatusPending {
		t.Fatalf("unexpected job %+v", created.Job)
	}

	resp = get(t, srv.URL+"/jobs/"+created.Job.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var fetched jobResponse
	decode(t, resp, &fetched)
	if fetched.Job.ID != created.Job.ID || fetched.Job.Payload["url"] != "http://example.com" {
		t.Fatalf("unexpected fetched job %+v", fetched.Job)
	}

	resp = get(t, srv.URL+"/jobs?status=pending")
	var list struct {
		Jobs []models.Job `json:"jobs"`
	}
	decode(t, resp, &list)
	if len(list.Jobs) != 1 {
		t.Fatalf("expected 1 pending job, got %d", len(list.Jobs))
	}
}

func TestEnqueueValidation(t *testing.T) {
	srv := newTestServer(t, store.NewMemory(), nil)
	for _, body := range []string{`not json`, `{"payload":{}}`, `{"type":"x","max_attempts":-1}`} {
		if resp := post(t, srv.URL+"/jobs", body); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}
	if resp := get(t, srv.URL+"/jobs?status=bogus"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", resp.StatusCode)
	}
	if resp := get(t, srv.URL+"/jobs/missing"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestEmailRoute(t *testing.T) {
	st := store.NewMemory()
	srv := newTestServer(t, st, nil)

	if resp := post(t, srv.URL+"/email", `{"to":" "}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty recipient, got %d", resp.StatusCode)
	}
	resp := post(t, srv.URL+"/email", `{"to":"user@example.com"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out map[string]string
	decode(t, resp, &out)
	job, err := st.GetJob(context.Background(), out["job_id"])
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Type != "send_email" || job.Payload["to"] != "user@example.com" {
		t.Fatalf("unexpected email job %+v", job)
	}
}

func TestCancelRoute(t *testing.T) {
	st := store.NewMemory()
	srv := newTestServer(t, st, nil)
	job, err := st.Enqueue(context.Background(), store.NewJob{Type: "send_email", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp := post(t, srv.URL+"/jobs/"+job.ID+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out jobResponse
	decode(t, resp, &out)
	if out.Job.Status != models.StatusFailed || out.Job.LastError != store.CancelledMessage {
		t.Fatalf("unexpected cancelled job %+v", out.Job)
	}
	if resp := post(t, srv.URL+"/jobs/"+job.ID+"/cancel", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for finished job, got %d", resp.StatusCode)
	}
}

func TestRateLimited(t *testing.T) {
	srv := newTestServer(t, store.NewMemory(), ratelimit.NewLocal(1, 0.001))
	if resp := post(t, srv.URL+"/jobs", `{"type":"x"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected first request accepted, got %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/jobs", `{"type":"x"}`); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}

type downStore struct{ *store.Memory }

func (downStore) Enqueue(context.Context, store.NewJob) (models.Job, error) {
	return models.Job{}, errors.Join(store.ErrStoreUnavailable, errors.New("dial tcp: refused"))
}

func (downStore) Ping(context.Context) error {
	return errors.Join(store.ErrStoreUnavailable, errors.New("dial tcp: refused"))
}

func TestStoreUnavailable(t *testing.T) {
	srv := newTestServer(t, downStore{store.NewMemory()}, nil)
	if resp := post(t, srv.URL+"/jobs", `{"type":"x"}`); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp := get(t, srv.URL+"/api/status"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 status check, got %d", resp.StatusCode)
	}
}

func TestHealthAndStatus(t *testing.T) {
	srv := newTestServer(t, store.NewMemory(), nil)
	if resp := get(t, srv.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	resp := get(t, srv.URL+"/api/status")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("status: %d %q", resp.StatusCode, body)
	}
	if resp := get(t, srv.URL+"/metrics"); resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}
