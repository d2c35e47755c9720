package source

import (
	"context"
	"sort"
	"sync"

	"stackmon/internal/domain"
	"stackmon/internal/metrics"
)

// instanceState stores last-seen marker for one stack product instance.
// Params: product identity, display name, CCS alias, and heartbeat timestamp.
// Returns: mutable tracker entry.
type instanceState struct {
	key        domain.InstanceKey
	name       string
	ccs        string
	lastSeenMS int64
	seq        uint64
}

// Tracker keeps last-seen heartbeat per stack product instance and cluster names.
// Params: in-memory maps keyed by instance identity and cluster UUID.
// Returns: gap and cluster source for the missing data alert.
type Tracker struct {
	mu        sync.RWMutex
	instances map[domain.InstanceKey]*instanceState
	clusters  map[string]string
	seq       uint64
}

// NewTracker constructs empty heartbeat tracker.
func NewTracker() *Tracker {
	return &Tracker{
		instances: make(map[domain.InstanceKey]*instanceState),
		clusters:  make(map[string]string),
	}
}

// Observe records one validated heartbeat.
// Params: heartbeat with unix ms timestamp.
// Returns: true when heartbeat advanced instance last-seen; older heartbeats only refresh the cluster name.
func (t *Tracker) Observe(heartbeat domain.Heartbeat) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if heartbeat.ClusterName != "" || t.clusters[heartbeat.ClusterUUID] == "" {
		t.clusters[heartbeat.ClusterUUID] = heartbeat.ClusterName
	}

	key := domain.InstanceKey{
		ClusterUUID:      heartbeat.ClusterUUID,
		StackProduct:     heartbeat.StackProduct,
		StackProductUUID: heartbeat.UUID,
	}
	state, ok := t.instances[key]
	if !ok {
		t.seq++
		state = &instanceState{key: key, seq: t.seq}
		t.instances[key] = state
		metrics.TrackedInstances.Set(float64(len(t.instances)))
	}
	if heartbeat.Timestamp < state.lastSeenMS {
		return false
	}
	state.lastSeenMS = heartbeat.Timestamp
	if heartbeat.Name != "" {
		state.name = heartbeat.Name
	}
	state.ccs = heartbeat.CCS
	return true
}

// ObserveBatch records heartbeats in order.
// Params: heartbeat batch.
// Returns: number of heartbeats that advanced last-seen.
func (t *Tracker) ObserveBatch(heartbeats []domain.Heartbeat) int {
	advanced := 0
	for _, heartbeat := range heartbeats {
		if t.Observe(heartbeat) {
			advanced++
		}
	}
	return advanced
}

// Push records one heartbeat as an ingest sink.
// Params: validated heartbeat.
// Returns: always nil; stale heartbeats are ignored.
func (t *Tracker) Push(heartbeat domain.Heartbeat) error {
	t.Observe(heartbeat)
	return nil
}

// PushBatch records a heartbeat batch as an ingest sink.
func (t *Tracker) PushBatch(heartbeats []domain.Heartbeat) error {
	t.ObserveBatch(heartbeats)
	return nil
}

// FetchClusters returns known clusters sorted by UUID.
// Params: context for interface parity with remote sources.
// Returns: cluster descriptors.
func (t *Tracker) FetchClusters(_ context.Context) ([]domain.Cluster, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]domain.Cluster, 0, len(t.clusters))
	for uuid, name := range t.clusters {
		out = append(out, domain.Cluster{ClusterUUID: uuid, ClusterName: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClusterUUID < out[j].ClusterUUID })
	return out, nil
}

// FetchMissingData computes gap records for instances of given clusters.
// Params: cluster UUIDs, current unix ms, and lookback limit in ms.
// Returns: instances seen within lookback, ordered by cluster then first registration.
func (t *Tracker) FetchMissingData(_ context.Context, clusterUUIDs []string, nowMS, limitMS int64) ([]domain.GapRecord, error) {
	wanted := make(map[string]struct{}, len(clusterUUIDs))
	for _, uuid := range clusterUUIDs {
		wanted[uuid] = struct{}{}
	}

	t.mu.RLock()
	selected := make([]instanceState, 0, len(t.instances))
	for _, state := range t.instances {
		if _, ok := wanted[state.key.ClusterUUID]; !ok {
			continue
		}
		if limitMS > 0 && nowMS-state.lastSeenMS > limitMS {
			continue
		}
		selected = append(selected, *state)
	}
	t.mu.RUnlock()

	sort.Slice(selected, func(i, j int) bool {
		if selected[i].key.ClusterUUID != selected[j].key.ClusterUUID {
			return selected[i].key.ClusterUUID < selected[j].key.ClusterUUID
		}
		return selected[i].seq < selected[j].seq
	})

	out := make([]domain.GapRecord, 0, len(selected))
	for _, state := range selected {
		gap := nowMS - state.lastSeenMS
		if gap < 0 {
			gap = 0
		}
		name := state.name
		if name == "" {
			name = state.key.StackProductUUID
		}
		out = append(out, domain.GapRecord{
			StackProduct:     state.key.StackProduct,
			StackProductUUID: state.key.StackProductUUID,
			StackProductName: name,
			ClusterUUID:      state.key.ClusterUUID,
			CCS:              domain.StringPtr(state.ccs),
			GapDuration:      gap,
		})
	}
	return out, nil
}

// Prune drops instances not seen within lookback and clusters left without instances.
// Params: current unix ms and lookback limit in ms.
// Returns: number of removed instances.
func (t *Tracker) Prune(nowMS, limitMS int64) int {
	if limitMS <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	live := make(map[string]struct{}, len(t.clusters))
	for key, state := range t.instances {
		if nowMS-state.lastSeenMS > limitMS {
			delete(t.instances, key)
			removed++
			continue
		}
		live[key.ClusterUUID] = struct{}{}
	}
	for uuid := range t.clusters {
		if _, ok := live[uuid]; !ok {
			delete(t.clusters, uuid)
		}
	}
	metrics.TrackedInstances.Set(float64(len(t.instances)))
	return removed
}

// Len returns number of tracked instances.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.instances)
}
