package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Heartbeat is one monitoring document reported by a stack product instance.
// Params: cluster identity, product identity, optional CCS alias, and unix ms timestamp.
// Returns: validated ingest unit for the last-seen tracker.
type Heartbeat struct {
	ClusterUUID  string       `json:"cluster_uuid"`
	ClusterName  string       `json:"cluster_name"`
	StackProduct StackProduct `json:"stack_product"`
	UUID         string       `json:"uuid"`
	Name         string       `json:"name"`
	CCS          string       `json:"ccs,omitempty"`
	Timestamp    int64        `json:"timestamp"`
}

// DecodeHeartbeat decodes and validates one heartbeat payload.
// Params: JSON document bytes.
// Returns: validated heartbeat or decode/validation error.
func DecodeHeartbeat(raw []byte) (Heartbeat, error) {
	var heartbeat Heartbeat
	if err := json.Unmarshal(raw, &heartbeat); err != nil {
		return Heartbeat{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	heartbeat.normalize()
	if err := heartbeat.Validate(); err != nil {
		return Heartbeat{}, err
	}
	return heartbeat, nil
}

// DecodeHeartbeatReader decodes and validates one heartbeat from stream.
// Params: decoder positioned at one JSON object.
// Returns: validated heartbeat or decode/validation error.
func DecodeHeartbeatReader(reader *json.Decoder) (Heartbeat, error) {
	var heartbeat Heartbeat
	if err := reader.Decode(&heartbeat); err != nil {
		return Heartbeat{}, fmt.Errorf("decode heartbeat: %w", err)
	}
	heartbeat.normalize()
	if err := heartbeat.Validate(); err != nil {
		return Heartbeat{}, err
	}
	return heartbeat, nil
}

// DecodeHeartbeatsReader decodes and validates one batch of heartbeats from stream.
// Params: decoder positioned at one JSON array.
// Returns: validated heartbeats or decode/validation error.
func DecodeHeartbeatsReader(reader *json.Decoder) ([]Heartbeat, error) {
	var heartbeats []Heartbeat
	if err := reader.Decode(&heartbeats); err != nil {
		return nil, fmt.Errorf("decode heartbeat batch: %w", err)
	}
	if len(heartbeats) == 0 {
		return nil, errors.New("heartbeat batch must contain at least one heartbeat")
	}
	for i := range heartbeats {
		heartbeats[i].normalize()
		if err := heartbeats[i].Validate(); err != nil {
			return nil, fmt.Errorf("heartbeat[%d]: %w", i, err)
		}
	}
	return heartbeats, nil
}

func (h *Heartbeat) normalize() {
	h.ClusterUUID = strings.TrimSpace(h.ClusterUUID)
	h.ClusterName = strings.TrimSpace(h.ClusterName)
	h.StackProduct = NormalizeStackProduct(string(h.StackProduct))
	h.UUID = strings.TrimSpace(h.UUID)
	h.CCS = strings.TrimSpace(h.CCS)
}

// Validate checks heartbeat contract.
// Params: heartbeat fields parsed from transport.
// Returns: validation error when required fields are missing.
func (h Heartbeat) Validate() error {
	if h.Timestamp <= 0 {
		return errors.New("timestamp must be >0")
	}
	if h.ClusterUUID == "" {
		return errors.New("cluster_uuid is required")
	}
	if h.StackProduct == "" {
		return errors.New("stack_product is required")
	}
	if !h.StackProduct.Known() {
		return fmt.Errorf("unsupported stack_product %q", h.StackProduct)
	}
	if h.UUID == "" {
		return errors.New("uuid is required")
	}
	return nil
}
