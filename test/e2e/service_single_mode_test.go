package e2e

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stackmon/internal/domain"
	"stackmon/test/testutil"
)

func singleModeConfigTOML(port int, webhookURL string) string {
	return fmt.Sprintf(`[service]
name = "stackmon-single"
mode = "single"
schedule = "@every 1s"

[alert]
duration = "1s"
limit = "1h"
throttle = "1h"

[ingest.http]
listen = "127.0.0.1:%d"

[notify.http]
enabled = true
url = "%s"
`, port, webhookURL)
}

func TestSingleModeFiresAndResolvesOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("e2e test skipped in short mode")
	}

	collector := &notificationCollector{}
	webhook := httptest.NewServer(http.HandlerFunc(collector.Handle))
	defer webhook.Close()

	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	service := newServiceFromConfig(t, singleModeConfigTOML(port, webhook.URL))
	cancel, done := runService(t, service)
	defer cancel()
	waitReady(t, port)

	postHeartbeat(t, port, domain.StackProductLogstash, "ls1")
	if !waitUntil(10*time.Second, func() bool { return collector.Count(domain.AlertStateFiring) >= 1 }) {
		t.Fatalf("missing firing notification: %+v", collector.Snapshot())
	}

	postHeartbeat(t, port, domain.StackProductLogstash, "ls1")
	if !waitUntil(10*time.Second, func() bool { return collector.Count(domain.AlertStateResolved) >= 1 }) {
		t.Fatalf("missing resolved notification: %+v", collector.Snapshot())
	}

	cancel()
	waitServiceStop(t, done)
}
