package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesJobMetrics(t *testing.T) {
	JobsEnqueued.Inc()
	JobsByStatus.WithLabelValues("pending").Set(3)
	HandlerDuration.WithLabelValues("send_email").Observe(0.2)

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	// Handler must be safe to call more than once.
	_ = Handler()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"jobs_enqueued_total", `jobs_by_status{status="pending"} 3`, "jobs_handler_duration_seconds_bucket"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %q in metrics output", name)
		}
	}
}
