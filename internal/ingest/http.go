package ingest

import (
	"io"
	"log/slog"
	"net/http"

	"stackmon/internal/metrics"
)

// HTTPHandler decodes JSON heartbeats and forwards them to sink.
// Params: sink receives validated heartbeats, max body limits payload size.
// Returns: HTTP handler for ingest and batch endpoints.
type HTTPHandler struct {
	sink        HeartbeatSink
	maxBodySize int64
	logger      *slog.Logger
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: sink, max request body size in bytes, and logger.
// Returns: configured handler.
func NewHTTPHandler(sink HeartbeatSink, maxBodySize int64, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{sink: sink, maxBodySize: maxBodySize, logger: logger}
}

// ServeHTTP handles one heartbeat or heartbeat batch request.
// Params: HTTP request/response writer pair.
// Returns: 202 on success, 400 on decode error, 405 on wrong method, 503 on sink failure.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.Header().Set("Allow", http.MethodPost)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("http", metrics.StatusRejected).Inc()
		writer.WriteHeader(http.StatusBadRequest)
		return
	}

	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)
	heartbeats, err := decodeHeartbeatPayload(body, scratch)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("http", metrics.StatusRejected).Inc()
		h.logger.Debug("http ingest decode failed", "path", request.URL.Path, "error", err.Error())
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	if err := pushHeartbeats(h.sink, heartbeats); err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("http", metrics.StatusError).Add(float64(len(heartbeats)))
		h.logger.Error("http ingest push failed", "error", err.Error())
		writer.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	metrics.HeartbeatsTotal.WithLabelValues("http", metrics.StatusOK).Add(float64(len(heartbeats)))
	writer.WriteHeader(http.StatusAccepted)
}
