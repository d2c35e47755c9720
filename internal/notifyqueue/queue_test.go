package notifyqueue

import (
	"context"
	"errors"
	"strings"
	"testing"

	"stackmon/internal/domain"
	"stackmon/internal/permanent"

	"github.com/stretchr/testify/require"
)

type memoryProducer struct {
	jobs []Job
	fail map[string]error
}

func (p *memoryProducer) Enqueue(_ context.Context, job Job) error {
	if err := p.fail[job.Channel]; err != nil {
		return err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *memoryProducer) Close() error { return nil }

type recordingSender struct {
	channels []string
}

func (s *recordingSender) Send(_ context.Context, channel string, _ domain.Notification) error {
	s.channels = append(s.channels, channel)
	return nil
}

func TestBuildJobIDDeterministic(t *testing.T) {
	t.Parallel()

	idA := BuildJobID("telegram", testNotification())
	idB := BuildJobID("telegram", testNotification())
	if idA == "" {
		t.Fatalf("expected non-empty job id")
	}
	if idA != idB {
		t.Fatalf("expected deterministic ids: %q != %q", idA, idB)
	}
	if other := BuildJobID("http", testNotification()); other == idA {
		t.Fatalf("expected channel to change job id")
	}

	resolved := testNotification()
	resolved.Payload.State = domain.AlertStateResolved
	if BuildJobID("telegram", resolved) == idA {
		t.Fatalf("expected state to change job id")
	}
}

func TestFanoutEnqueuesJobPerChannel(t *testing.T) {
	t.Parallel()

	producer := &memoryProducer{}
	fanout := NewFanout(producer, []string{"log", "telegram"})
	notification := testNotification()
	notification.Timestamp = notification.Timestamp.Truncate(0)

	if err := fanout.Deliver(context.Background(), notification); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	require.Len(t, producer.jobs, 2)
	require.Equal(t, "log", producer.jobs[0].Channel)
	require.Equal(t, "telegram", producer.jobs[1].Channel)
	require.Equal(t, BuildJobID("telegram", notification), producer.jobs[1].ID)
	require.Equal(t, notification.Payload, producer.jobs[0].Notification.Payload)
	require.False(t, producer.jobs[0].CreatedAt.IsZero())
}

func TestFanoutJoinsEnqueueErrors(t *testing.T) {
	t.Parallel()

	producer := &memoryProducer{fail: map[string]error{"http": errors.New("nats down")}}
	fanout := NewFanout(producer, []string{"http", "log"})

	err := fanout.Deliver(context.Background(), testNotification())
	if err == nil || !strings.Contains(err.Error(), "enqueue http: nats down") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(producer.jobs) != 1 || producer.jobs[0].Channel != "log" {
		t.Fatalf("expected remaining channel to be enqueued, got %+v", producer.jobs)
	}
}

func TestJobHandlerRoutesByChannel(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	handle := JobHandler(sender)

	if err := handle(context.Background(), testJob("mattermost")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	require.Equal(t, []string{"mattermost"}, sender.channels)

	err := handle(context.Background(), Job{ID: "x"})
	if !permanent.Is(err) {
		t.Fatalf("expected permanent error for job without channel, got %v", err)
	}
}
