package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"stackmon/internal/domain"
)

const maxPooledBatchCapacity = 4096

// HeartbeatSink receives decoded heartbeats from ingest transports.
// Params: validated heartbeat.
// Returns: processing error.
type HeartbeatSink interface {
	Push(heartbeat domain.Heartbeat) error
}

// batchHeartbeatSink is implemented by sinks that accept whole batches.
type batchHeartbeatSink interface {
	PushBatch(heartbeats []domain.Heartbeat) error
}

type decodeScratch struct {
	heartbeats []domain.Heartbeat
}

var decodeScratchPool = sync.Pool{
	New: func() any {
		return &decodeScratch{heartbeats: make([]domain.Heartbeat, 0, 16)}
	},
}

// decodeHeartbeatPayload auto-detects batch vs single payload into pooled scratch.
// Params: raw JSON bytes with one object or array, scratch buffer.
// Returns: validated heartbeats backed by scratch; valid until scratch release.
func decodeHeartbeatPayload(raw []byte, scratch *decodeScratch) ([]domain.Heartbeat, error) {
	payload := bytes.TrimSpace(raw)
	if len(payload) == 0 {
		return nil, errors.New("empty payload")
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	if payload[0] == '[' {
		heartbeats, err := domain.DecodeHeartbeatsReader(decoder)
		if err != nil {
			return nil, err
		}
		if err := ensureJSONEOF(decoder); err != nil {
			return nil, err
		}
		scratch.heartbeats = append(scratch.heartbeats[:0], heartbeats...)
		return scratch.heartbeats, nil
	}
	heartbeat, err := domain.DecodeHeartbeatReader(decoder)
	if err != nil {
		return nil, err
	}
	if err := ensureJSONEOF(decoder); err != nil {
		return nil, err
	}
	scratch.heartbeats = append(scratch.heartbeats[:0], heartbeat)
	return scratch.heartbeats, nil
}

func acquireDecodeScratch() *decodeScratch {
	return decodeScratchPool.Get().(*decodeScratch)
}

func releaseDecodeScratch(scratch *decodeScratch) {
	if scratch == nil {
		return
	}
	for i := range scratch.heartbeats {
		scratch.heartbeats[i] = domain.Heartbeat{}
	}
	if cap(scratch.heartbeats) > maxPooledBatchCapacity {
		scratch.heartbeats = make([]domain.Heartbeat, 0, 16)
	} else {
		scratch.heartbeats = scratch.heartbeats[:0]
	}
	decodeScratchPool.Put(scratch)
}

// ensureJSONEOF rejects trailing tokens after a decoded JSON payload.
// Params: decoder positioned after primary decode.
// Returns: nil on EOF or error on trailing tokens.
func ensureJSONEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	err := decoder.Decode(&extra)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("decode trailing json: %w", err)
	}
	return errors.New("unexpected trailing json tokens")
}

// pushHeartbeats sends heartbeats to sink with optional batch support.
// Params: heartbeat sink and heartbeat slice.
// Returns: first push error or nil.
func pushHeartbeats(sink HeartbeatSink, heartbeats []domain.Heartbeat) error {
	if len(heartbeats) == 0 {
		return nil
	}
	if batchSink, ok := sink.(batchHeartbeatSink); ok {
		return batchSink.PushBatch(heartbeats)
	}
	for _, heartbeat := range heartbeats {
		if err := sink.Push(heartbeat); err != nil {
			return err
		}
	}
	return nil
}
