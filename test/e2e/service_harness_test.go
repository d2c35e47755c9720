package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stackmon/internal/app"
	"stackmon/internal/clock"
	"stackmon/internal/config"
	"stackmon/internal/domain"
)

// newServiceFromConfig writes TOML body to temp file and creates Service from it.
// Params: test handle and config body.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, body string) *app.Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "stackmon.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitReady waits for /readyz endpoint to return 200.
func waitReady(t *testing.T, port int) {
	t.Helper()
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	if !waitUntil(8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	}) {
		t.Fatalf("service on port %d did not become ready", port)
	}
}

// waitServiceStop asserts service Run exits without error after cancellation.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

func waitUntil(timeout time.Duration, check func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return check()
}

// postHeartbeat sends one heartbeat stamped with current time.
func postHeartbeat(t *testing.T, port int, product domain.StackProduct, uuid string) {
	t.Helper()
	body := fmt.Sprintf(
		`{"cluster_uuid":"abc123","cluster_name":"prod","stack_product":"%s","uuid":"%s","name":"%s-name","timestamp":%d}`,
		product, uuid, uuid, time.Now().UnixMilli(),
	)
	response, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/ingest", port), "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post heartbeat: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("post heartbeat: expected status %d, got %d", http.StatusAccepted, response.StatusCode)
	}
}

// notificationCollector records webhook deliveries.
type notificationCollector struct {
	mu            sync.Mutex
	notifications []domain.Notification
}

func (c *notificationCollector) Handle(writer http.ResponseWriter, request *http.Request) {
	var notification domain.Notification
	if err := json.NewDecoder(request.Body).Decode(&notification); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.notifications = append(c.notifications, notification)
	c.mu.Unlock()
	writer.WriteHeader(http.StatusOK)
}

func (c *notificationCollector) Count(state domain.AlertState) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, notification := range c.notifications {
		if notification.Payload.State == state {
			count++
		}
	}
	return count
}

func (c *notificationCollector) Snapshot() []domain.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Notification(nil), c.notifications...)
}
