package evaluator

import (
	"fmt"
	"strings"

	"stackmon/internal/domain"
)

const (
	absoluteTimeToken = "#absolute"
	resolvedTimeToken = "#resolved"
	linkStartToken    = "#start_link"
	linkEndToken      = "#end_link"

	actionPlainText = "Verify these stack products are up and running, then double check the monitoring settings."
	actionLinkText  = "View what monitoring data we do have for these stack products."
)

// firingMessage builds UI message for an instance missing data.
// Params: instance state and now in unix ms.
// Returns: message with time token and two next steps.
func firingMessage(state domain.InstanceState, nowMS int64) *domain.Message {
	labels := state.StackProduct.Labels()
	return &domain.Message{
		Text: fmt.Sprintf(
			"For the past an hour, we have not detected any monitoring data from the %s: %s, starting at %s",
			labels.Kind,
			state.StackProductName,
			absoluteTimeToken,
		),
		NextSteps: []domain.Message{
			{
				Text:   linkStartToken + "View all " + labels.KindPlural + linkEndToken,
				Tokens: []domain.Token{domain.LinkToken(linkStartToken, linkEndToken, labels.LinkPath)},
			},
			{
				Text: "Verify monitoring settings on the " + labels.InstanceNoun,
			},
		},
		Tokens: []domain.Token{domain.TimeToken(absoluteTimeToken, nowMS)},
	}
}

// resolvedMessage builds UI message for an instance reporting again.
// Params: instance state and now in unix ms.
// Returns: message with resolved time token.
func resolvedMessage(state domain.InstanceState, nowMS int64) *domain.Message {
	labels := state.StackProduct.Labels()
	return &domain.Message{
		Text: fmt.Sprintf(
			"We are now seeing monitoring data for the %s: %s, as of %s",
			labels.Kind,
			state.StackProductName,
			resolvedTimeToken,
		),
		Tokens: []domain.Token{domain.TimeToken(resolvedTimeToken, nowMS)},
	}
}

// productLabel renders "<kind>: <name>" for aggregated summaries.
func productLabel(state domain.InstanceState) string {
	return state.StackProduct.Labels().Kind + ": " + state.StackProductName
}

// joinProductLabels renders comma separated instance labels in input order.
func joinProductLabels(states []domain.InstanceState) string {
	labels := make([]string, 0, len(states))
	for _, state := range states {
		labels = append(labels, productLabel(state))
	}
	return strings.Join(labels, ", ")
}

// buildPayload aggregates changed instances into one action payload.
// Params: cluster and instances that fired/resolved in this execution.
// Returns: firing payload, resolved payload, or nil when nothing changed.
func (e *Evaluator) buildPayload(cluster domain.Cluster, fired, resolved []domain.InstanceState) *domain.Payload {
	switch {
	case len(fired) > 0:
		return e.firingPayload(cluster, fired)
	case len(resolved) > 0:
		return resolvedPayload(cluster, resolved)
	default:
		return nil
	}
}

func (e *Evaluator) firingPayload(cluster domain.Cluster, fired []domain.InstanceState) *domain.Payload {
	count := len(fired)
	lead := fmt.Sprintf("We have not detected any monitoring data for %d stack product(s) in cluster: %s.", count, cluster.ClusterName)
	shortMessage := lead + " " + actionPlainText

	payload := &domain.Payload{
		InternalShortMessage: shortMessage,
		ActionPlain:          actionPlainText,
		ClusterName:          cluster.ClusterName,
		Count:                count,
		StackProducts:        joinProductLabels(fired),
		State:                domain.AlertStateFiring,
	}
	if e.params.Cloud {
		payload.InternalFullMessage = shortMessage
		payload.Action = actionPlainText
		return payload
	}

	action := "[" + actionLinkText + "](" + e.overviewURL(cluster.ClusterUUID, firstCCS(fired)) + ")"
	payload.InternalFullMessage = lead + " " + action
	payload.Action = action
	return payload
}

func resolvedPayload(cluster domain.Cluster, resolved []domain.InstanceState) *domain.Payload {
	count := len(resolved)
	return &domain.Payload{
		InternalFullMessage:  fmt.Sprintf("We are now seeing monitoring data for %d stack product(s) in cluster %s.", count, cluster.ClusterName),
		InternalShortMessage: fmt.Sprintf("We are now seeing monitoring data for %d stack product(s) in cluster: %s.", count, cluster.ClusterName),
		ClusterName:          cluster.ClusterName,
		Count:                count,
		StackProducts:        joinProductLabels(resolved),
		State:                domain.AlertStateResolved,
	}
}

// overviewURL builds monitoring overview link for the cluster.
// Params: cluster UUID and optional remote cluster alias.
// Returns: absolute UI URL; ccs is appended only when cross-cluster search is enabled.
func (e *Evaluator) overviewURL(clusterUUID string, ccs string) string {
	globalState := "cluster_uuid:" + clusterUUID
	if e.params.CCSEnabled && ccs != "" {
		globalState += ",ccs:" + ccs
	}
	return strings.TrimRight(e.params.KibanaURL, "/") + "/app/monitoring#/overview?_g=(" + globalState + ")"
}

// firstCCS returns first non-empty remote cluster alias among instances.
func firstCCS(states []domain.InstanceState) string {
	for _, state := range states {
		if state.CCS != nil && *state.CCS != "" {
			return *state.CCS
		}
	}
	return ""
}
