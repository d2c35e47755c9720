package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stackmon/internal/domain"
)

type httpTestSink struct {
	pushCalls  int
	batchCalls int
	heartbeats []domain.Heartbeat
	err        error
}

func (s *httpTestSink) Push(heartbeat domain.Heartbeat) error {
	s.pushCalls++
	if s.err != nil {
		return s.err
	}
	s.heartbeats = append(s.heartbeats, heartbeat)
	return nil
}

func (s *httpTestSink) PushBatch(heartbeats []domain.Heartbeat) error {
	s.batchCalls++
	if s.err != nil {
		return s.err
	}
	s.heartbeats = append(s.heartbeats, heartbeats...)
	return nil
}

type singleOnlySink struct {
	heartbeats []domain.Heartbeat
}

func (s *singleOnlySink) Push(heartbeat domain.Heartbeat) error {
	s.heartbeats = append(s.heartbeats, heartbeat)
	return nil
}

func testHeartbeatJSON(uuid string) string {
	return fmt.Sprintf(`{"cluster_uuid":"abc123","cluster_name":"prod","stack_product":"elasticsearch","uuid":"%s","name":"%s-name","timestamp":1739876543210}`, uuid, uuid)
}

func serve(handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, path, strings.NewReader(body))
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	return response
}

func TestHTTPHandlerAcceptsSingleHeartbeat(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	response := serve(NewHTTPHandler(sink, 1<<20, nil), http.MethodPost, "/ingest", testHeartbeatJSON("es1"))
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.batchCalls != 1 {
		t.Fatalf("unexpected sink calls push=%d batch=%d", sink.pushCalls, sink.batchCalls)
	}
	if len(sink.heartbeats) != 1 || sink.heartbeats[0].UUID != "es1" {
		t.Fatalf("unexpected heartbeats: %+v", sink.heartbeats)
	}
}

func TestHTTPHandlerAcceptsBatchHeartbeats(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{}
	payload := fmt.Sprintf("[%s,%s]", testHeartbeatJSON("es1"), testHeartbeatJSON("es2"))
	response := serve(NewHTTPHandler(sink, 1<<20, nil), http.MethodPost, "/ingest/batch", payload)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if len(sink.heartbeats) != 2 || sink.heartbeats[1].UUID != "es2" {
		t.Fatalf("unexpected heartbeats: %+v", sink.heartbeats)
	}
}

func TestHTTPHandlerFallsBackToSinglePush(t *testing.T) {
	t.Parallel()

	sink := &singleOnlySink{}
	payload := fmt.Sprintf("[%s,%s]", testHeartbeatJSON("es1"), testHeartbeatJSON("es2"))
	response := serve(NewHTTPHandler(sink, 1<<20, nil), http.MethodPost, "/ingest/batch", payload)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if len(sink.heartbeats) != 2 {
		t.Fatalf("expected 2 heartbeats, got %d", len(sink.heartbeats))
	}
}

func TestHTTPHandlerRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "empty batch", body: "[]"},
		{name: "empty body", body: "  "},
		{name: "unknown product", body: `{"cluster_uuid":"c","stack_product":"mystery","uuid":"u","timestamp":1}`},
		{name: "missing timestamp", body: `{"cluster_uuid":"c","stack_product":"kibana","uuid":"u"}`},
		{name: "trailing tokens", body: testHeartbeatJSON("es1") + "{}"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sink := &httpTestSink{}
			response := serve(NewHTTPHandler(sink, 1<<20, nil), http.MethodPost, "/ingest", tc.body)
			if response.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
			}
			if sink.pushCalls != 0 || sink.batchCalls != 0 {
				t.Fatalf("unexpected sink calls push=%d batch=%d", sink.pushCalls, sink.batchCalls)
			}
		})
	}
}

func TestHTTPHandlerRejectsWrongMethod(t *testing.T) {
	t.Parallel()

	response := serve(NewHTTPHandler(&httpTestSink{}, 1<<20, nil), http.MethodGet, "/ingest", "")
	if response.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, response.Code)
	}
}

func TestHTTPHandlerRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	response := serve(NewHTTPHandler(&httpTestSink{}, 16, nil), http.MethodPost, "/ingest", testHeartbeatJSON("es1"))
	if response.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, response.Code)
	}
}

func TestHTTPHandlerReturnsServiceUnavailableOnPushError(t *testing.T) {
	t.Parallel()

	sink := &httpTestSink{err: errors.New("sink unavailable")}
	response := serve(NewHTTPHandler(sink, 1<<20, nil), http.MethodPost, "/ingest", testHeartbeatJSON("es1"))
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}

func TestReleaseDecodeScratchDropsOversizedBuffer(t *testing.T) {
	t.Parallel()

	scratch := &decodeScratch{
		heartbeats: make([]domain.Heartbeat, 0, maxPooledBatchCapacity+1),
	}
	releaseDecodeScratch(scratch)
	if cap(scratch.heartbeats) > maxPooledBatchCapacity {
		t.Fatalf("expected capped pooled capacity, got %d", cap(scratch.heartbeats))
	}
}
