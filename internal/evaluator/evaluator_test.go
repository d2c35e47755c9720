package evaluator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stackmon/internal/domain"
)

const testNowMS int64 = 1_700_000_000_000

var testCluster = domain.Cluster{ClusterUUID: "abc123", ClusterName: "testCluster"}

func testParams() Params {
	return Params{
		Threshold: 15 * time.Minute,
		KibanaURL: "http://localhost:5601",
	}
}

func esGap(gap int64) domain.GapRecord {
	return domain.GapRecord{
		StackProduct:     domain.StackProductElasticsearch,
		StackProductUUID: "esNode1",
		StackProductName: "esName1",
		ClusterUUID:      "abc123",
		GapDuration:      gap,
	}
}

func kibanaGap(gap int64) domain.GapRecord {
	return domain.GapRecord{
		StackProduct:     domain.StackProductKibana,
		StackProductUUID: "kibanaUuid1",
		StackProductName: "kibanaInstance1",
		ClusterUUID:      "abc123",
		GapDuration:      gap,
	}
}

func TestEvaluateFiresForMissingData(t *testing.T) {
	t.Parallel()

	result := New(testParams()).Evaluate(Input{
		Cluster: testCluster,
		Gaps:    []domain.GapRecord{esGap(3000001), kibanaGap(3000011)},
		NowMS:   testNowMS,
	})

	require.Len(t, result.States, 2)
	require.Len(t, result.Fired, 2)
	require.Empty(t, result.Resolved)

	es := result.States[0]
	require.Equal(t, testCluster, es.Cluster)
	require.Nil(t, es.CCS)
	require.Equal(t, int64(3000001), es.GapDuration)
	require.Equal(t, domain.UIState{
		IsFiring: true,
		Message: &domain.Message{
			Text:   "For the past an hour, we have not detected any monitoring data from the Elasticsearch node: esName1, starting at #absolute",
			Tokens: []domain.Token{domain.TimeToken("#absolute", testNowMS)},
			NextSteps: []domain.Message{
				{
					Text:   "#start_linkView all Elasticsearch nodes#end_link",
					Tokens: []domain.Token{domain.LinkToken("#start_link", "#end_link", "elasticsearch/nodes")},
				},
				{Text: "Verify monitoring settings on the node"},
			},
		},
		Severity:      domain.SeverityDanger,
		ResolvedMS:    0,
		TriggeredMS:   testNowMS,
		LastCheckedMS: testNowMS,
	}, es.UI)

	kibana := result.States[1]
	require.Equal(t, "For the past an hour, we have not detected any monitoring data from the Kibana instance: kibanaInstance1, starting at #absolute", kibana.UI.Message.Text)
	require.Equal(t, "Verify monitoring settings on the instance", kibana.UI.Message.NextSteps[1].Text)

	require.Equal(t, &domain.Payload{
		InternalFullMessage:  "We have not detected any monitoring data for 2 stack product(s) in cluster: testCluster. [View what monitoring data we do have for these stack products.](http://localhost:5601/app/monitoring#/overview?_g=(cluster_uuid:abc123))",
		InternalShortMessage: "We have not detected any monitoring data for 2 stack product(s) in cluster: testCluster. Verify these stack products are up and running, then double check the monitoring settings.",
		Action:               "[View what monitoring data we do have for these stack products.](http://localhost:5601/app/monitoring#/overview?_g=(cluster_uuid:abc123))",
		ActionPlain:          "Verify these stack products are up and running, then double check the monitoring settings.",
		ClusterName:          "testCluster",
		Count:                2,
		StackProducts:        "Elasticsearch node: esName1, Kibana instance: kibanaInstance1",
		State:                domain.AlertStateFiring,
	}, result.Payload)
}

func TestEvaluateDoesNotFireUnderThreshold(t *testing.T) {
	t.Parallel()

	result := New(testParams()).Evaluate(Input{
		Cluster: testCluster,
		Gaps:    []domain.GapRecord{esGap(1), kibanaGap((15 * time.Minute).Milliseconds())},
		NowMS:   testNowMS,
	})

	if result.Changed() || result.Payload != nil {
		t.Fatalf("expected no transitions, got %+v", result)
	}
	if len(result.States) != 2 {
		t.Fatalf("expected both instances tracked, got %d", len(result.States))
	}
	for _, state := range result.States {
		if state.UI.IsFiring || state.UI.Message != nil {
			t.Fatalf("expected quiet state, got %+v", state.UI)
		}
		if state.UI.LastCheckedMS != testNowMS || state.UI.Severity != domain.SeverityDanger {
			t.Fatalf("unexpected ui bookkeeping: %+v", state.UI)
		}
	}
}

func TestEvaluateResolvesWhenDataReturns(t *testing.T) {
	t.Parallel()

	e := New(testParams())
	first := e.Evaluate(Input{
		Cluster: testCluster,
		Gaps:    []domain.GapRecord{esGap(3000001)},
		NowMS:   testNowMS,
	})
	later := testNowMS + 60_000
	second := e.Evaluate(Input{
		Cluster:  testCluster,
		Gaps:     []domain.GapRecord{esGap(1)},
		Previous: first.States,
		NowMS:    later,
	})

	require.Empty(t, second.Fired)
	require.Len(t, second.Resolved, 1)
	state := second.States[0]
	require.False(t, state.UI.IsFiring)
	require.Equal(t, testNowMS, state.UI.TriggeredMS)
	require.Equal(t, later, state.UI.ResolvedMS)
	require.Equal(t, &domain.Message{
		Text:   "We are now seeing monitoring data for the Elasticsearch node: esName1, as of #resolved",
		Tokens: []domain.Token{domain.TimeToken("#resolved", later)},
	}, state.UI.Message)

	require.Equal(t, &domain.Payload{
		InternalFullMessage:  "We are now seeing monitoring data for 1 stack product(s) in cluster testCluster.",
		InternalShortMessage: "We are now seeing monitoring data for 1 stack product(s) in cluster: testCluster.",
		ClusterName:          "testCluster",
		Count:                1,
		StackProducts:        "Elasticsearch node: esName1",
		State:                domain.AlertStateResolved,
	}, second.Payload)

	third := e.Evaluate(Input{
		Cluster:  testCluster,
		Gaps:     []domain.GapRecord{esGap(1)},
		Previous: second.States,
		NowMS:    later + 60_000,
	})
	require.False(t, third.Changed())
	require.Nil(t, third.Payload)
	require.Nil(t, third.States[0].UI.Message)
	require.Equal(t, later, third.States[0].UI.ResolvedMS)
}

func TestEvaluateStillFiringKeepsTriggeredAndSkipsPayload(t *testing.T) {
	t.Parallel()

	e := New(testParams())
	first := e.Evaluate(Input{Cluster: testCluster, Gaps: []domain.GapRecord{esGap(3000001)}, NowMS: testNowMS})
	later := testNowMS + 60_000
	second := e.Evaluate(Input{
		Cluster:  testCluster,
		Gaps:     []domain.GapRecord{esGap(3060001)},
		Previous: first.States,
		NowMS:    later,
	})

	require.False(t, second.Changed())
	require.Nil(t, second.Payload)
	state := second.States[0]
	require.True(t, state.UI.IsFiring)
	require.Equal(t, testNowMS, state.UI.TriggeredMS)
	require.Equal(t, later, state.UI.LastCheckedMS)
	require.Equal(t, int64(3060001), state.GapDuration)
	require.Equal(t, []domain.Token{domain.TimeToken("#absolute", later)}, state.UI.Message.Tokens)
}

func TestEvaluateResolvesAbsentFiringInstanceOnce(t *testing.T) {
	t.Parallel()

	e := New(testParams())
	first := e.Evaluate(Input{
		Cluster: testCluster,
		Gaps:    []domain.GapRecord{esGap(3000001), kibanaGap(1)},
		NowMS:   testNowMS,
	})
	second := e.Evaluate(Input{Cluster: testCluster, Previous: first.States, NowMS: testNowMS + 1})

	require.Len(t, second.States, 1, "quiet absent instance should be dropped")
	require.Len(t, second.Resolved, 1)
	require.Equal(t, "esNode1", second.States[0].StackProductUUID)
	require.Equal(t, domain.AlertStateResolved, second.Payload.State)

	third := e.Evaluate(Input{Cluster: testCluster, Previous: second.States, NowMS: testNowMS + 2})
	require.Empty(t, third.States)
	require.Nil(t, third.Payload)
}

func TestEvaluateDropsFiringInstanceSilentBeyondLimit(t *testing.T) {
	t.Parallel()

	params := testParams()
	params.Limit = 24 * time.Hour
	e := New(params)
	first := e.Evaluate(Input{
		Cluster: testCluster,
		Gaps:    []domain.GapRecord{esGap(20 * 60 * 1000), kibanaGap(1)},
		NowMS:   testNowMS,
	})
	require.Len(t, first.Fired, 1)

	withinLimit := e.Evaluate(Input{
		Cluster:  testCluster,
		Gaps:     []domain.GapRecord{kibanaGap(1)},
		Previous: first.States,
		NowMS:    testNowMS + int64(time.Hour/time.Millisecond),
	})
	require.Len(t, withinLimit.Resolved, 1, "instance absent inside the lookback resolves")

	pastLimit := e.Evaluate(Input{
		Cluster:  testCluster,
		Gaps:     []domain.GapRecord{kibanaGap(1)},
		Previous: first.States,
		NowMS:    testNowMS + int64(24*time.Hour/time.Millisecond),
	})
	require.Empty(t, pastLimit.Resolved)
	require.Nil(t, pastLimit.Payload)
	require.Len(t, pastLimit.Expired, 1)
	require.Equal(t, "esNode1", pastLimit.Expired[0].StackProductUUID)
	require.Len(t, pastLimit.States, 1)
	require.Equal(t, "kibanaUuid1", pastLimit.States[0].StackProductUUID)
}

func TestEvaluateIgnoresForeignClusterAndDuplicates(t *testing.T) {
	t.Parallel()

	foreign := esGap(3000001)
	foreign.ClusterUUID = "other"
	duplicate := esGap(1)

	result := New(testParams()).Evaluate(Input{
		Cluster: testCluster,
		Gaps:    []domain.GapRecord{foreign, esGap(3000001), duplicate},
		NowMS:   testNowMS,
	})

	require.Len(t, result.States, 1)
	require.True(t, result.States[0].UI.IsFiring, "first duplicate wins")
	require.Equal(t, 1, result.Payload.Count)
}

func TestEvaluateCCSLink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		ccsEnabled bool
		wantAction string
	}{
		{
			name:       "enabled",
			ccsEnabled: true,
			wantAction: "[View what monitoring data we do have for these stack products.](http://localhost:5601/app/monitoring#/overview?_g=(cluster_uuid:abc123,ccs:testCluster))",
		},
		{
			name:       "disabled",
			ccsEnabled: false,
			wantAction: "[View what monitoring data we do have for these stack products.](http://localhost:5601/app/monitoring#/overview?_g=(cluster_uuid:abc123))",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			params := testParams()
			params.CCSEnabled = tc.ccsEnabled
			gap := esGap(3000001)
			gap.CCS = domain.StringPtr("testCluster")

			result := New(params).Evaluate(Input{Cluster: testCluster, Gaps: []domain.GapRecord{gap}, NowMS: testNowMS})
			if result.Payload == nil {
				t.Fatalf("expected firing payload")
			}
			if result.Payload.Action != tc.wantAction {
				t.Fatalf("unexpected action: %q", result.Payload.Action)
			}
			if result.States[0].CCS == nil || *result.States[0].CCS != "testCluster" {
				t.Fatalf("expected ccs persisted in state, got %+v", result.States[0].CCS)
			}
		})
	}
}

func TestEvaluateCloudUsesPlainMessages(t *testing.T) {
	t.Parallel()

	params := testParams()
	params.Cloud = true
	result := New(params).Evaluate(Input{Cluster: testCluster, Gaps: []domain.GapRecord{esGap(3000001)}, NowMS: testNowMS})

	plain := "Verify these stack products are up and running, then double check the monitoring settings."
	short := "We have not detected any monitoring data for 1 stack product(s) in cluster: testCluster. " + plain
	require.Equal(t, short, result.Payload.InternalShortMessage)
	require.Equal(t, short, result.Payload.InternalFullMessage)
	require.Equal(t, plain, result.Payload.Action)
	require.Equal(t, plain, result.Payload.ActionPlain)
}

func TestEvaluateProductWording(t *testing.T) {
	t.Parallel()

	for _, product := range domain.StackProducts() {
		product := product
		t.Run(string(product), func(t *testing.T) {
			t.Parallel()

			labels := product.Labels()
			gap := domain.GapRecord{
				StackProduct:     product,
				StackProductUUID: "uuid-1",
				StackProductName: "name-1",
				ClusterUUID:      "abc123",
				GapDuration:      3000001,
			}
			result := New(testParams()).Evaluate(Input{Cluster: testCluster, Gaps: []domain.GapRecord{gap}, NowMS: testNowMS})
			message := result.States[0].UI.Message

			wantText := fmt.Sprintf("For the past an hour, we have not detected any monitoring data from the %s: name-1, starting at #absolute", labels.Kind)
			require.Equal(t, wantText, message.Text)
			require.Equal(t, "#start_linkView all "+labels.KindPlural+"#end_link", message.NextSteps[0].Text)
			require.Equal(t, labels.LinkPath, message.NextSteps[0].Tokens[0].Link.URL)
			require.Equal(t, "Verify monitoring settings on the "+labels.InstanceNoun, message.NextSteps[1].Text)
			require.Equal(t, labels.Kind+": name-1", result.Payload.StackProducts)
		})
	}
}
