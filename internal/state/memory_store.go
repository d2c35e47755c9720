package state

import (
	"context"
	"sync"

	"stackmon/internal/domain"
)

// MemoryStore keeps alert instance records in process memory for single-instance mode.
// Params: in-memory record map guarded by RWMutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	record   domain.InstanceRecord
	revision uint64
}

// NewMemoryStore creates in-memory state store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

// Get returns record and revision.
// Params: instance key.
// Returns: stored record, revision, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, key string) (domain.InstanceRecord, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.records[key]
	if !ok {
		return domain.InstanceRecord{}, 0, ErrNotFound
	}
	return entry.record, entry.revision, nil
}

// Put writes record unconditionally.
// Params: instance key and record.
// Returns: new revision.
func (s *MemoryStore) Put(_ context.Context, key string, record domain.InstanceRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.records[key].revision + 1
	s.records[key] = memoryRecord{record: record, revision: rev}
	return rev, nil
}

// Update replaces record using expected revision CAS.
// Params: instance key, expected revision, and replacement record.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) Update(_ context.Context, key string, expectedRevision uint64, record domain.InstanceRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[key]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.records[key] = memoryRecord{record: record, revision: rev}
	return rev, nil
}

// Delete removes record; absent keys are ignored.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// List returns keys with prefix in lexical order.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	return filterSorted(keys, prefix), nil
}

// Close releases memory store resources.
func (s *MemoryStore) Close() error {
	return nil
}
