package domain

// GapRecord describes one stack product instance and how long it has been silent.
// Params: product identity, owning cluster, optional remote cluster alias, and gap in ms.
// Returns: evaluator input produced fresh each execution.
type GapRecord struct {
	StackProduct     StackProduct `json:"stackProduct"`
	StackProductUUID string       `json:"stackProductUuid"`
	StackProductName string       `json:"stackProductName"`
	ClusterUUID      string       `json:"clusterUuid"`
	CCS              *string      `json:"ccs,omitempty"`
	GapDuration      int64        `json:"gapDuration"`
}

// Key returns identity of the instance inside its cluster.
func (g GapRecord) Key() InstanceKey {
	return InstanceKey{
		ClusterUUID:      g.ClusterUUID,
		StackProduct:     g.StackProduct,
		StackProductUUID: g.StackProductUUID,
	}
}

// Cluster is one monitored cluster descriptor.
// Params: cluster UUID and display name.
// Returns: cluster reference embedded in alert state.
type Cluster struct {
	ClusterUUID string `json:"clusterUuid"`
	ClusterName string `json:"clusterName"`
}

// InstanceKey identifies one stack product instance across executions.
type InstanceKey struct {
	ClusterUUID      string
	StackProduct     StackProduct
	StackProductUUID string
}

// StringPtr returns pointer to a copy of value, or nil for empty strings.
// Params: optional string value.
// Returns: nil when value is empty.
func StringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
