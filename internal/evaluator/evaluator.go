package evaluator

import (
	"time"

	"stackmon/internal/domain"
)

// Params binds per-deployment evaluation settings.
// Params: gap threshold, lookback limit, UI base URL, cross-cluster search and cloud flags.
// Returns: evaluator configuration.
type Params struct {
	Threshold  time.Duration
	Limit      time.Duration
	KibanaURL  string
	CCSEnabled bool
	Cloud      bool
}

// Input is everything one cluster evaluation needs.
// Params: cluster descriptor, current gap records, previous snapshot, and now in unix ms.
// Returns: evaluator input for one alert instance.
type Input struct {
	Cluster  domain.Cluster
	Gaps     []domain.GapRecord
	Previous []domain.InstanceState
	NowMS    int64
}

// Result is the outcome of one cluster evaluation.
// Params: new snapshot, instances that changed state, instances aged past the lookback,
// and optional aggregated payload.
// Returns: data for ReplaceState/ScheduleActions callbacks.
type Result struct {
	States   []domain.InstanceState
	Fired    []domain.InstanceState
	Resolved []domain.InstanceState
	Expired  []domain.InstanceState
	Payload  *domain.Payload
}

// Changed reports whether any instance switched firing state.
func (r Result) Changed() bool {
	return len(r.Fired) > 0 || len(r.Resolved) > 0
}

// Evaluator decides firing/resolved state for missing monitoring data.
// Params: immutable evaluation params.
// Returns: stateless decision function safe for concurrent use.
type Evaluator struct {
	params Params
}

// New creates evaluator.
// Params: evaluation params.
// Returns: evaluator instance.
func New(params Params) *Evaluator {
	return &Evaluator{params: params}
}

// Evaluate computes next state snapshot and action payload for one cluster.
// Params: evaluation input for one cluster.
// Returns: next snapshot plus transitions; Payload is nil when nothing changed.
func (e *Evaluator) Evaluate(in Input) Result {
	thresholdMS := e.params.Threshold.Milliseconds()
	now := in.NowMS

	previous := make(map[domain.InstanceKey]domain.InstanceState, len(in.Previous))
	for _, prior := range in.Previous {
		if !e.belongsTo(prior, in.Cluster) {
			continue
		}
		previous[prior.Key()] = prior
	}

	result := Result{States: make([]domain.InstanceState, 0, len(in.Gaps))}
	seen := make(map[domain.InstanceKey]struct{}, len(in.Gaps))
	for _, gap := range in.Gaps {
		if gap.ClusterUUID != in.Cluster.ClusterUUID {
			continue
		}
		key := gap.Key()
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}

		prior, hadPrior := previous[key]
		state := domain.InstanceState{
			Cluster:          in.Cluster,
			CCS:              gap.CCS,
			StackProduct:     gap.StackProduct,
			StackProductUUID: gap.StackProductUUID,
			StackProductName: gap.StackProductName,
			GapDuration:      gap.GapDuration,
			UI: domain.UIState{
				Severity:      domain.SeverityDanger,
				LastCheckedMS: now,
			},
		}
		if hadPrior {
			state.UI.TriggeredMS = prior.UI.TriggeredMS
			state.UI.ResolvedMS = prior.UI.ResolvedMS
		}

		wasFiring := hadPrior && prior.UI.IsFiring
		isFiring := gap.GapDuration > thresholdMS
		state.UI.IsFiring = isFiring
		switch {
		case isFiring && !wasFiring:
			state.UI.TriggeredMS = now
			state.UI.Message = firingMessage(state, now)
			result.Fired = append(result.Fired, state)
		case isFiring:
			state.UI.Message = firingMessage(state, now)
		case wasFiring:
			state.UI.ResolvedMS = now
			state.UI.Message = resolvedMessage(state, now)
			result.Resolved = append(result.Resolved, state)
		default:
			state.UI.Message = nil
		}
		result.States = append(result.States, state)
	}

	// Firing instances that stopped appearing in gap data resolve once; quiet ones are dropped.
	// Firing instances whose gap has outgrown the lookback are dropped without resolving.
	for _, prior := range in.Previous {
		if !e.belongsTo(prior, in.Cluster) || !prior.UI.IsFiring {
			continue
		}
		key := prior.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if e.agedOut(prior, now) {
			result.Expired = append(result.Expired, prior)
			continue
		}

		state := prior
		state.Cluster = in.Cluster
		state.UI.IsFiring = false
		state.UI.Severity = domain.SeverityDanger
		state.UI.ResolvedMS = now
		state.UI.LastCheckedMS = now
		state.UI.Message = resolvedMessage(state, now)
		result.States = append(result.States, state)
		result.Resolved = append(result.Resolved, state)
	}

	result.Payload = e.buildPayload(in.Cluster, result.Fired, result.Resolved)
	return result
}

// agedOut reports whether a stored instance has been silent longer than the lookback limit.
// Params: stored state and now in unix ms.
// Returns: true when the extrapolated gap exceeds the limit.
func (e *Evaluator) agedOut(prior domain.InstanceState, nowMS int64) bool {
	if e.params.Limit <= 0 {
		return false
	}
	elapsed := nowMS - prior.UI.LastCheckedMS
	if elapsed < 0 {
		elapsed = 0
	}
	return prior.GapDuration+elapsed > e.params.Limit.Milliseconds()
}

// belongsTo reports whether previous state entry is part of the evaluated cluster.
// Params: stored state and current cluster.
// Returns: true for matching cluster UUID.
func (e *Evaluator) belongsTo(state domain.InstanceState, cluster domain.Cluster) bool {
	return state.Cluster.ClusterUUID == cluster.ClusterUUID
}
