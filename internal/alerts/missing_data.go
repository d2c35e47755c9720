package alerts

import (
	"context"
	"fmt"
	"time"

	"stackmon/internal/alerthost"
	"stackmon/internal/clock"
	"stackmon/internal/domain"
	"stackmon/internal/evaluator"
	"stackmon/internal/templatefmt"
)

const (
	// MissingMonitoringDataID is the alert type id.
	MissingMonitoringDataID = "monitoring_alert_missing_monitoring_data"
	// MissingMonitoringDataLabel is the alert type display name.
	MissingMonitoringDataLabel = "Missing monitoring data"
	// DefaultActionGroup is the only action group of the alert type.
	DefaultActionGroup = "default"

	// DefaultThrottle is the minimum interval between identical actions of one instance.
	DefaultThrottle = "6h"
	// DefaultDuration is how long an instance must stay silent before it fires.
	DefaultDuration = "15m"
	// DefaultLimit is the lookback window for monitoring data.
	DefaultLimit = "1d"
)

// Params is the alert type parameter document.
type Params struct {
	Duration string `json:"duration"`
	Limit    string `json:"limit"`
}

// DefaultParams returns parameter defaults of the alert type.
func DefaultParams() Params {
	return Params{Limit: DefaultLimit, Duration: DefaultDuration}
}

// ActionVariables lists variables exposed to action templates in declaration order.
func ActionVariables() []alerthost.ActionVariable {
	return []alerthost.ActionVariable{
		{Name: "stackProducts", Description: "The stack products missing monitoring data."},
		{Name: "count", Description: "The number of stack products missing monitoring data."},
		{Name: "internalShortMessage", Description: "The short internal message generated by Elastic."},
		{Name: "internalFullMessage", Description: "The full internal message generated by Elastic."},
		{Name: "state", Description: "The current state of the alert."},
		{Name: "clusterName", Description: "The cluster to which the nodes belong."},
		{Name: "action", Description: "The recommended action for this alert."},
		{Name: "actionPlain", Description: "The recommended action for this alert, without any markdown."},
	}
}

// DataSource supplies clusters and per-instance gap records.
type DataSource interface {
	FetchClusters(ctx context.Context) ([]domain.Cluster, error)
	FetchMissingData(ctx context.Context, clusterUUIDs []string, nowMS, limitMS int64) ([]domain.GapRecord, error)
}

// pruner is implemented by sources that can drop instances outside lookback.
type pruner interface {
	Prune(nowMS, limitMS int64) int
}

// Options binds deployment settings at construction.
// Params: data source, UI settings, and alert params/throttle strings.
// Returns: construction input for NewMissingMonitoringData.
type Options struct {
	Source     DataSource
	KibanaURL  string
	CCSEnabled bool
	Cloud      bool
	Params     Params
	Throttle   string
}

// MissingMonitoringData fires when stack products stop reporting monitoring data.
type MissingMonitoringData struct {
	source    DataSource
	evaluator *evaluator.Evaluator
	params    Params
	limit     time.Duration
	throttle  time.Duration
}

// NewMissingMonitoringData builds alert type from options.
// Params: options; empty params/throttle fall back to type defaults.
// Returns: alert type or duration parse error.
func NewMissingMonitoringData(opts Options) (*MissingMonitoringData, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("%s: data source is required", MissingMonitoringDataID)
	}
	params := opts.Params
	if params.Duration == "" {
		params.Duration = DefaultDuration
	}
	if params.Limit == "" {
		params.Limit = DefaultLimit
	}
	throttleRaw := opts.Throttle
	if throttleRaw == "" {
		throttleRaw = DefaultThrottle
	}

	threshold, err := templatefmt.ParseDuration(params.Duration)
	if err != nil {
		return nil, fmt.Errorf("params.duration: %w", err)
	}
	limit, err := templatefmt.ParseDuration(params.Limit)
	if err != nil {
		return nil, fmt.Errorf("params.limit: %w", err)
	}
	throttle, err := templatefmt.ParseDuration(throttleRaw)
	if err != nil {
		return nil, fmt.Errorf("throttle: %w", err)
	}

	return &MissingMonitoringData{
		source: opts.Source,
		evaluator: evaluator.New(evaluator.Params{
			Threshold:  threshold,
			Limit:      limit,
			KibanaURL:  opts.KibanaURL,
			CCSEnabled: opts.CCSEnabled,
			Cloud:      opts.Cloud,
		}),
		params:   params,
		limit:    limit,
		throttle: throttle,
	}, nil
}

// Params returns effective alert params.
func (a *MissingMonitoringData) Params() Params {
	return a.params
}

// Definition returns host registration for the alert type.
func (a *MissingMonitoringData) Definition() alerthost.Definition {
	return alerthost.Definition{
		ID:                   MissingMonitoringDataID,
		Name:                 MissingMonitoringDataLabel,
		ActionGroups:         []alerthost.ActionGroup{{ID: DefaultActionGroup, Name: "Default"}},
		DefaultActionGroupID: DefaultActionGroup,
		ActionVariables:      ActionVariables(),
		Throttle:             a.throttle,
		Executor:             a.Execute,
	}
}

// Execute runs one evaluation cycle over every known cluster.
// Params: context and host executor options.
// Returns: fetch, state, or action error.
func (a *MissingMonitoringData) Execute(ctx context.Context, opts alerthost.ExecutorOptions) error {
	nowMS := clock.NowMS(opts.Clock)
	limitMS := a.limit.Milliseconds()
	if p, ok := a.source.(pruner); ok {
		if removed := p.Prune(nowMS, limitMS); removed > 0 {
			opts.Logger.Debug("pruned stale stack product instances", "removed", removed)
		}
	}

	clusters, err := a.source.FetchClusters(ctx)
	if err != nil {
		return fmt.Errorf("fetch clusters: %w", err)
	}
	uuids := make([]string, 0, len(clusters))
	known := make(map[string]struct{}, len(clusters))
	for _, cluster := range clusters {
		uuids = append(uuids, cluster.ClusterUUID)
		known[cluster.ClusterUUID] = struct{}{}
	}

	byCluster := make(map[string][]domain.GapRecord, len(clusters))
	if len(uuids) > 0 {
		gaps, err := a.source.FetchMissingData(ctx, uuids, nowMS, limitMS)
		if err != nil {
			return fmt.Errorf("fetch missing monitoring data: %w", err)
		}
		for _, gap := range gaps {
			if _, ok := known[gap.ClusterUUID]; !ok {
				opts.Logger.Debug("dropping gap record for unknown cluster",
					"cluster_uuid", gap.ClusterUUID,
					"stack_product", gap.StackProduct,
					"stack_product_uuid", gap.StackProductUUID,
				)
				continue
			}
			byCluster[gap.ClusterUUID] = append(byCluster[gap.ClusterUUID], gap)
		}
	}

	for _, cluster := range clusters {
		if err := a.evaluateCluster(ctx, opts, cluster, byCluster[cluster.ClusterUUID], nowMS); err != nil {
			return err
		}
	}

	// Clusters the source stopped reporting still have stored state to settle.
	storedIDs, err := opts.Services.InstanceIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range storedIDs {
		if _, ok := known[id]; ok {
			continue
		}
		if err := a.evaluateCluster(ctx, opts, domain.Cluster{ClusterUUID: id}, nil, nowMS); err != nil {
			return err
		}
	}
	return nil
}

// evaluateCluster evaluates one cluster instance, persists its snapshot, and schedules its action.
// Params: context, executor options, cluster, its gap records, and now in unix ms.
// Returns: state or action error.
func (a *MissingMonitoringData) evaluateCluster(
	ctx context.Context,
	opts alerthost.ExecutorOptions,
	cluster domain.Cluster,
	gaps []domain.GapRecord,
	nowMS int64,
) error {
	instance := opts.Services.Instance(cluster.ClusterUUID)
	previous, err := instance.GetState(ctx)
	if err != nil {
		return fmt.Errorf("cluster %s: %w", cluster.ClusterUUID, err)
	}
	if cluster.ClusterName == "" {
		for _, prior := range previous.AlertStates {
			if prior.Cluster.ClusterName != "" {
				cluster.ClusterName = prior.Cluster.ClusterName
				break
			}
		}
	}
	result := a.evaluator.Evaluate(evaluator.Input{
		Cluster:  cluster,
		Gaps:     gaps,
		Previous: previous.AlertStates,
		NowMS:    nowMS,
	})
	for _, expired := range result.Expired {
		opts.Logger.Info("dropping stack product instance silent beyond lookback",
			"cluster_uuid", cluster.ClusterUUID,
			"stack_product", expired.StackProduct,
			"stack_product_uuid", expired.StackProductUUID,
			"limit", a.params.Limit,
		)
	}
	if err := instance.ReplaceState(ctx, domain.InstanceSnapshot{AlertStates: result.States}); err != nil {
		return fmt.Errorf("cluster %s: %w", cluster.ClusterUUID, err)
	}
	if result.Payload == nil {
		return nil
	}
	if err := instance.ScheduleActions(ctx, DefaultActionGroup, *result.Payload); err != nil {
		return fmt.Errorf("cluster %s: %w", cluster.ClusterUUID, err)
	}
	return nil
}
