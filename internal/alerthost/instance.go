package alerthost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"stackmon/internal/domain"
	"stackmon/internal/metrics"
	"stackmon/internal/state"
)

// instanceFactory binds instances to one execution of one alert type.
type instanceFactory struct {
	host        *Host
	def         Definition
	executionID string
	logger      *slog.Logger
}

// Instance returns store-backed handle for instance id.
func (f *instanceFactory) Instance(id string) Instance {
	return &storeInstance{
		factory: f,
		id:      id,
		key:     state.InstanceKey(f.def.ID, id),
	}
}

// InstanceIDs lists ids of persisted instances of the bound alert type.
// Params: context.
// Returns: sorted instance ids or store error.
func (f *instanceFactory) InstanceIDs(ctx context.Context) ([]string, error) {
	keys, err := f.host.store.List(ctx, state.AlertPrefix(f.def.ID))
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id, ok := state.InstanceIDFromKey(f.def.ID, key); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// storeInstance persists instance snapshot and action marker in state store.
type storeInstance struct {
	factory *instanceFactory
	id      string
	key     string
}

// GetState reads persisted snapshot.
// Params: context.
// Returns: snapshot (empty when instance has no record) or store error.
func (i *storeInstance) GetState(ctx context.Context) (domain.InstanceSnapshot, error) {
	record, _, err := i.factory.host.store.Get(ctx, i.key)
	if errors.Is(err, state.ErrNotFound) {
		return domain.InstanceSnapshot{}, nil
	}
	if err != nil {
		return domain.InstanceSnapshot{}, fmt.Errorf("get state %s: %w", i.key, err)
	}
	return record.State, nil
}

// ReplaceState persists snapshot and keeps last action marker.
// Params: context and full snapshot; empty snapshot deletes the record.
// Returns: store error.
func (i *storeInstance) ReplaceState(ctx context.Context, snapshot domain.InstanceSnapshot) error {
	host := i.factory.host
	defer i.reportFiring(snapshot)

	if len(snapshot.AlertStates) == 0 {
		if err := host.store.Delete(ctx, i.key); err != nil {
			return fmt.Errorf("delete state %s: %w", i.key, err)
		}
		return nil
	}
	_, err := i.mutate(ctx, func(record *domain.InstanceRecord) bool {
		record.State = snapshot
		return true
	})
	return err
}

// ScheduleActions validates action group, applies throttle, and hands notification to sink.
// Params: context, action group id, and aggregated payload.
// Returns: ErrUnknownActionGroup, store error, or sink error.
func (i *storeInstance) ScheduleActions(ctx context.Context, group string, payload domain.Payload) error {
	f := i.factory
	host := f.host
	if !hasActionGroup(f.def, group) {
		return fmt.Errorf("%w: %q for alert type %s", ErrUnknownActionGroup, group, f.def.ID)
	}
	metrics.TransitionsTotal.WithLabelValues(f.def.ID, string(payload.State)).Add(float64(payload.Count))

	now := host.clock.Now().UTC()
	digest := actionDigest(group, payload)
	var (
		throttledSince time.Time
		previous       *domain.ActionRecord
	)
	marker := &domain.ActionRecord{Group: group, State: payload.State, Digest: digest, At: now}
	written, err := i.mutate(ctx, func(record *domain.InstanceRecord) bool {
		if last := record.LastAction; last != nil && f.def.Throttle > 0 &&
			last.Digest == digest && now.Sub(last.At) < f.def.Throttle {
			throttledSince = last.At
			return false
		}
		previous = record.LastAction
		record.LastAction = marker
		return true
	})
	if err != nil {
		return err
	}
	if !written {
		metrics.ActionsTotal.WithLabelValues(f.def.ID, metrics.StatusThrottled).Inc()
		f.logger.Info("alert action throttled",
			"instance_id", i.id,
			"action_group", group,
			"state", payload.State,
			"last_action_at", throttledSince,
		)
		return nil
	}

	notification := domain.Notification{
		AlertType:   f.def.ID,
		InstanceID:  i.id,
		ActionGroup: group,
		ExecutionID: f.executionID,
		Payload:     payload,
		Timestamp:   now,
	}
	if err := host.sink.Deliver(ctx, notification); err != nil {
		metrics.ActionsTotal.WithLabelValues(f.def.ID, metrics.StatusError).Inc()
		deliverErr := fmt.Errorf("deliver action for %s: %w", i.id, err)
		if rollbackErr := i.releaseMarker(ctx, marker, previous); rollbackErr != nil {
			return errors.Join(deliverErr, rollbackErr)
		}
		return deliverErr
	}
	metrics.ActionsTotal.WithLabelValues(f.def.ID, metrics.StatusOK).Inc()
	f.logger.Info("alert action scheduled",
		"instance_id", i.id,
		"action_group", group,
		"state", payload.State,
		"count", payload.Count,
		"stack_products", payload.StackProducts,
	)
	return nil
}

// releaseMarker restores the previous action marker after a failed delivery.
// Params: context, marker written for the failed action, and marker it replaced.
// Returns: store error; a marker overwritten in the meantime is left alone.
func (i *storeInstance) releaseMarker(ctx context.Context, marker, previous *domain.ActionRecord) error {
	_, err := i.mutate(ctx, func(record *domain.InstanceRecord) bool {
		last := record.LastAction
		if last == nil || last.Digest != marker.Digest || !last.At.Equal(marker.At) {
			return false
		}
		record.LastAction = previous
		return true
	})
	if err != nil {
		return fmt.Errorf("release action marker: %w", err)
	}
	return nil
}

// mutate applies change to stored record with CAS retry.
// Params: context and mutation callback; callback returns false to skip the write.
// Returns: whether the record was written, or store error after exhausting conflict retries.
func (i *storeInstance) mutate(ctx context.Context, apply func(record *domain.InstanceRecord) bool) (bool, error) {
	store := i.factory.host.store
	const maxConflictRetries = 5
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		record, revision, err := store.Get(ctx, i.key)
		switch {
		case errors.Is(err, state.ErrNotFound):
			record = domain.InstanceRecord{}
			if !apply(&record) {
				return false, nil
			}
			record.UpdatedAt = i.factory.host.clock.Now().UTC()
			if _, err := store.Put(ctx, i.key, record); err != nil {
				return false, fmt.Errorf("put state %s: %w", i.key, err)
			}
			return true, nil
		case err != nil:
			return false, fmt.Errorf("get state %s: %w", i.key, err)
		}

		if !apply(&record) {
			return false, nil
		}
		record.UpdatedAt = i.factory.host.clock.Now().UTC()
		if _, err := store.Update(ctx, i.key, revision, record); err != nil {
			if errors.Is(err, state.ErrConflict) || errors.Is(err, state.ErrNotFound) {
				continue
			}
			return false, fmt.Errorf("update state %s: %w", i.key, err)
		}
		return true, nil
	}
	return false, fmt.Errorf("update state %s: %w", i.key, state.ErrConflict)
}

// reportFiring updates firing gauge for instance.
func (i *storeInstance) reportFiring(snapshot domain.InstanceSnapshot) {
	firing := 0
	for _, entry := range snapshot.AlertStates {
		if entry.UI.IsFiring {
			firing++
		}
	}
	if firing == 0 {
		metrics.FiringInstances.DeleteLabelValues(i.factory.def.ID, i.id)
		return
	}
	metrics.FiringInstances.WithLabelValues(i.factory.def.ID, i.id).Set(float64(firing))
}
