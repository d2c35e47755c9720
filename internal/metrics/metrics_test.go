package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCountersExposedByHandler(t *testing.T) {
	ExecutionsTotal.WithLabelValues("metrics_test", StatusOK).Inc()
	HeartbeatsTotal.WithLabelValues("metrics_test", StatusRejected).Add(2)

	server := httptest.NewServer(Handler())
	defer server.Close()

	response, err := http.Get(server.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `stackmon_alert_executions_total{alert_type="metrics_test",status="ok"} 1`) {
		t.Fatalf("executions counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(string(body), `stackmon_ingest_heartbeats_total{status="rejected",transport="metrics_test"} 2`) {
		t.Fatalf("heartbeats counter missing from exposition:\n%s", body)
	}
}
