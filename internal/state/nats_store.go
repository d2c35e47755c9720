package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stackmon/internal/config"
	"stackmon/internal/domain"

	"github.com/nats-io/nats.go"
)

// NATSStore persists alert instance records in a JetStream KV bucket.
// Params: NATS connection and KV bucket handle.
// Returns: KV-backed state store shared by service replicas.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore opens (or creates) KV bucket and returns NATS state backend.
// Params: NATS state settings.
// Returns: initialized NATS store or setup error.
func NewNATSStore(settings config.NATSStateConfig) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(settings.Bucket)
	if err != nil {
		if !settings.AllowCreateBucket {
			nc.Close()
			return nil, fmt.Errorf("open state bucket %q: %w", settings.Bucket, err)
		}
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      settings.Bucket,
			Description: "stackmon alert instance state",
			History:     1,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create state bucket %q: %w", settings.Bucket, err)
		}
	}

	return &NATSStore{nc: nc, kv: kv}, nil
}

// Get reads one record and its KV revision.
// Params: instance key.
// Returns: record, revision, or ErrNotFound.
func (s *NATSStore) Get(_ context.Context, key string) (domain.InstanceRecord, uint64, error) {
	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return domain.InstanceRecord{}, 0, ErrNotFound
		}
		return domain.InstanceRecord{}, 0, fmt.Errorf("get record: %w", err)
	}

	var record domain.InstanceRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return domain.InstanceRecord{}, 0, fmt.Errorf("decode record: %w", err)
	}
	return record, entry.Revision(), nil
}

// Put writes record unconditionally.
// Params: instance key and record.
// Returns: new KV revision.
func (s *NATSStore) Put(_ context.Context, key string, record domain.InstanceRecord) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	rev, err := s.kv.Put(key, body)
	if err != nil {
		return 0, fmt.Errorf("put record: %w", err)
	}
	return rev, nil
}

// Update replaces record using expected revision CAS.
// Params: instance key, expected revision, and replacement record.
// Returns: new KV revision or ErrConflict.
func (s *NATSStore) Update(_ context.Context, key string, expectedRevision uint64, record domain.InstanceRecord) (uint64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	rev, err := s.kv.Update(key, body, expectedRevision)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence") {
			if _, getErr := s.kv.Get(key); errors.Is(getErr, nats.ErrKeyNotFound) {
				return 0, ErrNotFound
			}
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("update record: %w", err)
	}
	return rev, nil
}

// Delete purges record; absent keys are ignored.
func (s *NATSStore) Delete(_ context.Context, key string) error {
	if err := s.kv.Purge(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// List returns keys with prefix in lexical order.
// Params: key prefix such as "alert/{typeID}/".
// Returns: matching keys from bucket.
func (s *NATSStore) List(_ context.Context, prefix string) ([]string, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return filterSorted(keys, prefix), nil
}

// Close closes underlying NATS connection.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
