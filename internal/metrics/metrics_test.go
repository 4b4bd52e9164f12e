package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Paintersrp/procbridge/internal/metrics"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("unexpected status code from metrics handler: %d", rec.Code)
	}
	return rec.Body.String()
}

func TestRegistryExposesMetrics(t *testing.T) {
	metrics.EmitBuildInfo()
	metrics.ObserveOperation("metrics_test_op", "ok", 3*time.Millisecond)
	metrics.AddMessageBytes("metrics_test_direction", 7)
	metrics.IncTruncatedLines()
	metrics.ObserveScenario("metrics_test_result", time.Second)

	body := scrape(t)

	for _, want := range []string{
		`procbridge_operation_duration_seconds_count{op="metrics_test_op",status="ok"} 1`,
		`procbridge_message_bytes_total{direction="metrics_test_direction"} 7`,
		`procbridge_scenario_duration_seconds_count{result="metrics_test_result"} 1`,
		"procbridge_truncated_lines_total",
		"procbridge_build_info{",
		"go_version=",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in body:\n%s", want, body)
		}
	}
}

func TestChildGaugeTracksRelease(t *testing.T) {
	const backend = "metrics_test_backend"

	metrics.ChildStarted(backend)
	metrics.ChildStarted(backend)
	metrics.ChildReleased(backend)

	body := scrape(t)
	if !strings.Contains(body, `procbridge_children_started_total{backend="metrics_test_backend"} 2`) {
		t.Fatalf("expected two started children in body:\n%s", body)
	}
	if !strings.Contains(body, `procbridge_children_running{backend="metrics_test_backend"} 1`) {
		t.Fatalf("expected one running child in body:\n%s", body)
	}
}

func TestAddMessageBytesIgnoresEmpty(t *testing.T) {
	metrics.AddMessageBytes("metrics_test_empty", 0)
	metrics.AddMessageBytes("", 5)

	if body := scrape(t); strings.Contains(body, "metrics_test_empty") {
		t.Fatalf("did not expect zero-byte direction in body:\n%s", body)
	}
}
