package alerthost

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"stackmon/internal/clock"
	"stackmon/internal/domain"
	"stackmon/internal/metrics"
	"stackmon/internal/state"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	// ErrUnknownAlertType is returned for operations on unregistered alert types.
	ErrUnknownAlertType = errors.New("unknown alert type")
	// ErrUnknownActionGroup is returned when an executor schedules an undeclared action group.
	ErrUnknownActionGroup = errors.New("unknown action group")
)

// ActionGroup is one named group of actions an alert type may schedule.
type ActionGroup struct {
	ID   string
	Name string
}

// ActionVariable documents one variable exposed to action templates.
type ActionVariable struct {
	Name        string
	Description string
}

// ExecutorOptions is the per-execution context handed to alert type executors.
// Params: execution id, instance factory, logger, and clock.
// Returns: services available during one run.
type ExecutorOptions struct {
	ExecutionID string
	Services    InstanceFactory
	Logger      *slog.Logger
	Clock       clock.Clock
}

// Executor runs one execution of an alert type.
type Executor func(ctx context.Context, opts ExecutorOptions) error

// Definition describes one registrable alert type.
// Params: identity, action groups/variables, default throttle, and executor.
// Returns: registration unit for Host.Register.
type Definition struct {
	ID                   string
	Name                 string
	ActionGroups         []ActionGroup
	DefaultActionGroupID string
	ActionVariables      []ActionVariable
	Throttle             time.Duration
	Executor             Executor
}

// InstanceFactory resolves alert instances by id.
type InstanceFactory interface {
	Instance(id string) Instance
	// InstanceIDs lists ids of instances with persisted state, sorted.
	InstanceIDs(ctx context.Context) ([]string, error)
}

// Instance is one alert instance handle for state and actions.
// Params: context on every call; store/sink errors propagate.
// Returns: persisted state access and action scheduling.
type Instance interface {
	GetState(ctx context.Context) (domain.InstanceSnapshot, error)
	ReplaceState(ctx context.Context, snapshot domain.InstanceSnapshot) error
	ScheduleActions(ctx context.Context, group string, payload domain.Payload) error
}

// ActionSink receives scheduled notifications (notify dispatcher or queue fanout).
type ActionSink interface {
	Deliver(ctx context.Context, notification domain.Notification) error
}

// Host registers alert types, schedules their executions, and backs instance state.
// Params: state store, action sink, clock, and logger.
// Returns: runtime for alert type executors.
type Host struct {
	store  state.Store
	sink   ActionSink
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.RWMutex
	definitions map[string]Definition
	order       []string
	running     map[string]*sync.Mutex
}

// New creates alert host.
// Params: state store, action sink, clock, and logger.
// Returns: host without registered types.
func New(store state.Store, sink ActionSink, clk clock.Clock, logger *slog.Logger) *Host {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		store:       store,
		sink:        sink,
		clock:       clk,
		logger:      logger,
		definitions: make(map[string]Definition),
		running:     make(map[string]*sync.Mutex),
	}
}

// Register adds alert type definition.
// Params: definition with unique id, executor, and default action group among its groups.
// Returns: validation error or duplicate registration error.
func (h *Host) Register(def Definition) error {
	if def.ID == "" {
		return errors.New("alert type id is required")
	}
	if def.Executor == nil {
		return fmt.Errorf("alert type %q: executor is required", def.ID)
	}
	if !hasActionGroup(def, def.DefaultActionGroupID) {
		return fmt.Errorf("alert type %q: default action group %q is not declared", def.ID, def.DefaultActionGroupID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.definitions[def.ID]; exists {
		return fmt.Errorf("alert type %q is already registered", def.ID)
	}
	h.definitions[def.ID] = def
	h.order = append(h.order, def.ID)
	h.running[def.ID] = &sync.Mutex{}
	return nil
}

// Definition returns registered alert type.
func (h *Host) Definition(typeID string) (Definition, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	def, ok := h.definitions[typeID]
	return def, ok
}

// TypeIDs returns registered alert type ids in registration order.
func (h *Host) TypeIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

// Execute runs one execution of alert type synchronously.
// Params: context and alert type id.
// Returns: executor error; executions of one type never overlap.
func (h *Host) Execute(ctx context.Context, typeID string) error {
	h.mu.RLock()
	def, ok := h.definitions[typeID]
	lock := h.running[typeID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlertType, typeID)
	}

	lock.Lock()
	defer lock.Unlock()

	executionID := uuid.NewString()
	logger := h.logger.With("alert_type", typeID, "execution_id", executionID)
	started := time.Now()
	err := def.Executor(ctx, ExecutorOptions{
		ExecutionID: executionID,
		Services:    &instanceFactory{host: h, def: def, executionID: executionID, logger: logger},
		Logger:      logger,
		Clock:       h.clock,
	})
	metrics.ExecutionDuration.WithLabelValues(typeID).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.ExecutionsTotal.WithLabelValues(typeID, metrics.StatusError).Inc()
		logger.Error("alert execution failed", "error", err.Error())
		return fmt.Errorf("execute %s: %w", typeID, err)
	}
	metrics.ExecutionsTotal.WithLabelValues(typeID, metrics.StatusOK).Inc()
	logger.Debug("alert execution finished", "duration", time.Since(started).String())
	return nil
}

// Run schedules every registered alert type on cron spec until context is canceled.
// Params: context and standard cron spec (e.g. "@every 1m").
// Returns: schedule parse error or nil after shutdown.
func (h *Host) Run(ctx context.Context, spec string) error {
	cronLog := cronLogger{logger: h.logger}
	scheduler := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(
			cron.Recover(cronLog),
			cron.SkipIfStillRunning(cronLog),
		),
	)
	for _, typeID := range h.TypeIDs() {
		typeID := typeID
		if _, err := scheduler.AddFunc(spec, func() {
			_ = h.Execute(ctx, typeID)
		}); err != nil {
			return fmt.Errorf("schedule %s with %q: %w", typeID, spec, err)
		}
	}

	scheduler.Start()
	h.logger.Info("alert scheduler started", "schedule", spec, "alert_types", len(h.TypeIDs()))
	<-ctx.Done()
	<-scheduler.Stop().Done()
	h.logger.Info("alert scheduler stopped")
	return nil
}

// InstanceRecord is one persisted instance returned by Instances.
type InstanceRecord struct {
	InstanceID string               `json:"instanceId"`
	Record     domain.InstanceRecord `json:"record"`
}

// Instances lists persisted instances of alert type sorted by instance id.
// Params: context and alert type id.
// Returns: records or store error.
func (h *Host) Instances(ctx context.Context, typeID string) ([]InstanceRecord, error) {
	if _, ok := h.Definition(typeID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlertType, typeID)
	}
	keys, err := h.store.List(ctx, state.AlertPrefix(typeID))
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]InstanceRecord, 0, len(keys))
	for _, key := range keys {
		record, _, err := h.store.Get(ctx, key)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get instance %s: %w", key, err)
		}
		instanceID, ok := state.InstanceIDFromKey(typeID, key)
		if !ok {
			continue
		}
		out = append(out, InstanceRecord{InstanceID: instanceID, Record: record})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

func hasActionGroup(def Definition, group string) bool {
	for _, candidate := range def.ActionGroups {
		if candidate.ID == group {
			return true
		}
	}
	return false
}

// actionDigest fingerprints action identity for throttle comparison.
// Params: action group and payload.
// Returns: hex SHA1 of group, state, and stack products.
func actionDigest(group string, payload domain.Payload) string {
	sum := sha1.Sum([]byte(group + "|" + string(payload.State) + "|" + payload.StackProducts))
	return hex.EncodeToString(sum[:])
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
