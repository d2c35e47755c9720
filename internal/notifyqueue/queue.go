package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"stackmon/internal/domain"
	"stackmon/internal/permanent"
)

// Job is one outbound notification task in async delivery queue.
// Params: destination channel and unrendered notification payload.
// Returns: queue unit consumed by delivery workers.
type Job struct {
	ID           string              `json:"id"`
	Channel      string              `json:"channel"`
	Notification domain.Notification `json:"notification"`
	CreatedAt    time.Time           `json:"created_at"`
}

// DLQReason identifies reason why notify job was moved to dead-letter queue.
// Params: categorized failure reason.
// Returns: machine-readable DLQ classification.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by queue max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for notify queue failures.
// Params: original job, failure metadata, and delivery counters.
// Returns: persisted DLQ record.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID creates deterministic id for one notification queue task.
// Params: destination channel and notification payload.
// Returns: stable SHA1-based id; one execution never enqueues the same channel twice.
func BuildJobID(channel string, notification domain.Notification) string {
	raw := fmt.Sprintf(
		"%s|%s|%s|%s|%s|%s",
		channel,
		notification.AlertType,
		notification.InstanceID,
		notification.ActionGroup,
		notification.ExecutionID,
		notification.Payload.State,
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Producer enqueues notification delivery jobs.
// Params: context and queue job payload.
// Returns: enqueue error.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Worker consumes queued jobs and acknowledges delivery status.
// Params: close hook for shutdown lifecycle.
// Returns: queue worker lifecycle.
type Worker interface {
	Close() error
}

// Fanout turns scheduled actions into one queue job per delivery channel.
// Params: producer and ordered channel list.
// Returns: action sink used by alert host in queued mode.
type Fanout struct {
	producer Producer
	channels []string
	now      func() time.Time
}

// NewFanout creates queue-backed action sink.
// Params: producer and configured channel names.
// Returns: fanout sink.
func NewFanout(producer Producer, channels []string) *Fanout {
	return &Fanout{
		producer: producer,
		channels: append([]string(nil), channels...),
		now:      time.Now,
	}
}

// Deliver enqueues notification for every channel.
// Params: context and scheduled notification.
// Returns: joined enqueue errors.
func (f *Fanout) Deliver(ctx context.Context, notification domain.Notification) error {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = f.now().UTC()
	}
	var errs []error
	for _, channel := range f.channels {
		job := Job{
			ID:           BuildJobID(channel, notification),
			Channel:      channel,
			Notification: notification,
			CreatedAt:    f.now().UTC(),
		}
		if err := f.producer.Enqueue(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

// ChannelSender is the delivery side consumed by queue workers.
type ChannelSender interface {
	Send(ctx context.Context, channel string, notification domain.Notification) error
}

// JobHandler adapts channel sender into worker callback.
// Params: channel sender (notify dispatcher).
// Returns: handler that rejects malformed jobs as permanent.
func JobHandler(sender ChannelSender) func(ctx context.Context, job Job) error {
	return func(ctx context.Context, job Job) error {
		if strings.TrimSpace(job.Channel) == "" {
			return permanent.Mark(fmt.Errorf("job %s has no channel", job.ID))
		}
		return sender.Send(ctx, job.Channel, job.Notification)
	}
}
