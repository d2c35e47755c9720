package domain

import "strings"

// StackProduct identifies the kind of monitored stack component.
// Params: lower-case product key as reported by monitoring data.
// Returns: key for label lookup and state identity.
type StackProduct string

const (
	// StackProductElasticsearch is an Elasticsearch node.
	StackProductElasticsearch StackProduct = "elasticsearch"
	// StackProductKibana is a Kibana instance.
	StackProductKibana StackProduct = "kibana"
	// StackProductLogstash is a Logstash node.
	StackProductLogstash StackProduct = "logstash"
	// StackProductBeats is a Beat instance.
	StackProductBeats StackProduct = "beats"
	// StackProductAPM is an APM Server instance.
	StackProductAPM StackProduct = "apm"
)

// ProductLabels holds human wording for one stack product.
// Params: kind noun, plural for "view all" links, UI path, and instance noun.
// Returns: label set used by message templates.
type ProductLabels struct {
	Kind         string
	KindPlural   string
	LinkPath     string
	InstanceNoun string
}

var productLabels = map[StackProduct]ProductLabels{
	StackProductElasticsearch: {
		Kind:         "Elasticsearch node",
		KindPlural:   "Elasticsearch nodes",
		LinkPath:     "elasticsearch/nodes",
		InstanceNoun: "node",
	},
	StackProductKibana: {
		Kind:         "Kibana instance",
		KindPlural:   "Kibana instances",
		LinkPath:     "kibana/instances",
		InstanceNoun: "instance",
	},
	StackProductLogstash: {
		Kind:         "Logstash node",
		KindPlural:   "Logstash nodes",
		LinkPath:     "logstash/nodes",
		InstanceNoun: "node",
	},
	StackProductBeats: {
		Kind:         "Beat instance",
		KindPlural:   "Beat instances",
		LinkPath:     "beats/beats",
		InstanceNoun: "instance",
	},
	StackProductAPM: {
		Kind:         "APM Server instance",
		KindPlural:   "APM Server instances",
		LinkPath:     "apm/instances",
		InstanceNoun: "instance",
	},
}

// StackProducts lists known products in display order.
// Params: none.
// Returns: fresh slice of supported products.
func StackProducts() []StackProduct {
	return []StackProduct{
		StackProductElasticsearch,
		StackProductKibana,
		StackProductLogstash,
		StackProductBeats,
		StackProductAPM,
	}
}

// Known reports whether product has a dedicated label entry.
func (p StackProduct) Known() bool {
	_, ok := productLabels[p]
	return ok
}

// Labels returns wording for product.
// Params: product key.
// Returns: table entry; zero labels for products rejected by heartbeat validation.
func (p StackProduct) Labels() ProductLabels {
	return productLabels[p]
}

// NormalizeStackProduct lower-cases and trims reported product name.
// Params: raw product value.
// Returns: normalized product key.
func NormalizeStackProduct(raw string) StackProduct {
	return StackProduct(strings.ToLower(strings.TrimSpace(raw)))
}
