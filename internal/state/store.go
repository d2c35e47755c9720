package state

import (
	"context"
	"errors"
	"sort"
	"strings"

	"stackmon/internal/domain"
)

var (
	// ErrNotFound indicates absent instance record.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update.
	ErrConflict = errors.New("revision conflict")
)

// Store persists alert instance records keyed by "alert/{typeID}/{instanceID}".
// Params: CRUD operations with revisions and prefix listing.
// Returns: backend persistence behavior.
type Store interface {
	Get(ctx context.Context, key string) (domain.InstanceRecord, uint64, error)
	Put(ctx context.Context, key string, record domain.InstanceRecord) (uint64, error)
	Update(ctx context.Context, key string, expectedRevision uint64, record domain.InstanceRecord) (uint64, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// InstanceKey builds the storage key of one alert instance.
// Params: alert type ID and instance ID.
// Returns: slash separated key.
func InstanceKey(alertTypeID, instanceID string) string {
	return "alert/" + alertTypeID + "/" + instanceID
}

// AlertPrefix returns listing prefix for one alert type.
func AlertPrefix(alertTypeID string) string {
	return "alert/" + alertTypeID + "/"
}

// InstanceIDFromKey strips alert type prefix from a stored key.
// Params: alert type ID and full key.
// Returns: instance ID and whether key belongs to the type.
func InstanceIDFromKey(alertTypeID, key string) (string, bool) {
	prefix := AlertPrefix(alertTypeID)
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	return strings.TrimPrefix(key, prefix), true
}

// filterSorted keeps keys with prefix in lexical order.
func filterSorted(keys []string, prefix string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
