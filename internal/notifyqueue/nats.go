package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stackmon/internal/config"
	"stackmon/internal/permanent"

	"github.com/nats-io/nats.go"
)

const (
	// Subject carries notification jobs.
	Subject = "stackmon.notify.jobs"
	// Stream stores notification jobs until acknowledged.
	Stream = "STACKMON_NOTIFY"
	// ConsumerName is the durable worker consumer.
	ConsumerName = "stackmon-notify"
	// DeliverGroup balances jobs across replicas.
	DeliverGroup = "stackmon-notify-workers"
	// DLQSubject carries dead-lettered jobs.
	DLQSubject = "stackmon.notify.dlq"
	// DLQStream stores dead-lettered jobs.
	DLQStream = "STACKMON_NOTIFY_DLQ"
)

const notifyStreamMaxAge = 24 * time.Hour
const notifyDLQStreamMaxAge = 7 * 24 * time.Hour

// NATSProducer publishes notification jobs into JetStream stream.
// Params: NATS connection and JetStream context.
// Returns: queue producer implementation.
type NATSProducer struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSProducer creates JetStream producer for notification queue.
// Params: queue config from notify section.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.NotifyQueue) (*NATSProducer, error) {
	nc, js, err := openNotifyQueueJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js}, nil
}

// Enqueue publishes one notification job into queue stream.
// Params: context and queue job payload.
// Returns: publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notify queue job: %w", err)
	}
	msg := nats.NewMsg(Subject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify queue job: %w", err)
	}
	return nil
}

// Close closes producer NATS connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes notification queue jobs via queue group consumer.
// Params: NATS connection and queue subscription.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	sub        *nats.Subscription
	logger     *slog.Logger
	dlq        bool
	maxDeliver int
	nackDelay  time.Duration
	handler    func(ctx context.Context, job Job) error
}

// NewNATSWorker starts queue consumer for notification delivery jobs.
// Params: queue config, logger, and per-job handler callback.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.NotifyQueue, logger *slog.Logger, handler func(ctx context.Context, job Job) error) (*NATSWorker, error) {
	if handler == nil {
		return nil, errors.New("notify queue handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	nc, js, err := openNotifyQueueJetStream(cfg)
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{
		nc:         nc,
		js:         js,
		logger:     logger,
		dlq:        cfg.DLQ,
		maxDeliver: cfg.MaxDeliver,
		nackDelay:  time.Duration(cfg.NackDelayMS) * time.Millisecond,
		handler:    handler,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(Stream),
		nats.Durable(ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(Subject, DeliverGroup, worker.handle, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe notify %q/%q: %w", Subject, DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

// handle processes one delivered job message and settles it.
// Params: JetStream message.
// Returns: none; message is acked, nacked, or dead-lettered.
func (w *NATSWorker) handle(message *nats.Msg) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("notify queue decode failed", "subject", message.Subject, "error", err.Error())
		_ = message.Ack()
		return
	}

	err := w.handler(context.Background(), job)
	if err == nil {
		_ = message.Ack()
		return
	}
	w.logger.Error("notify queue handle failed", "job_id", job.ID, "channel", job.Channel, "error", err.Error())

	attempts := deliveryAttempts(message)
	reason := DLQReason("")
	if permanent.Is(err) {
		reason = DLQReasonPermanentError
	} else if isMaxDeliverExceeded(attempts, w.maxDeliver) {
		reason = DLQReasonMaxDeliverExceeded
	}
	if reason == "" {
		w.nak(message)
		return
	}
	if w.dlq {
		if dlqErr := w.publishDLQ(context.Background(), message, job, reason, err, attempts); dlqErr != nil {
			w.logger.Error("notify queue dlq publish failed", "job_id", job.ID, "channel", job.Channel, "reason", reason, "error", dlqErr.Error())
			w.nak(message)
			return
		}
	}
	_ = message.Ack()
}

func (w *NATSWorker) nak(message *nats.Msg) {
	if w.nackDelay > 0 {
		_ = message.NakWithDelay(w.nackDelay)
		return
	}
	_ = message.Nak()
}

// Close drains worker subscription and closes NATS connection.
// Params: none.
// Returns: close error from subscription drain.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context and stream settings.
// Returns: stream create/lookup error.
func ensureStream(
	js nats.JetStreamContext,
	streamName string,
	subject string,
	retention nats.RetentionPolicy,
	maxAge time.Duration,
) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subject},
		Retention:  retention,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// openNotifyQueueJetStream opens connection/JetStream and ensures notify queue streams exist.
// Params: queue config with URL list.
// Returns: opened NATS connection, JetStream context, and setup error.
func openNotifyQueueJetStream(cfg config.NotifyQueue) (*nats.Conn, nats.JetStreamContext, error) {
	if len(cfg.URL) == 0 {
		return nil, nil, errors.New("notify queue nats url is empty")
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect notify queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for notify queue: %w", err)
	}
	if err := ensureStream(js, Stream, Subject, nats.WorkQueuePolicy, notifyStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ {
		if err := ensureStream(js, DLQStream, DLQSubject, nats.LimitsPolicy, notifyDLQStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns number of delivery attempts from JetStream metadata.
// Params: delivered NATS message.
// Returns: delivered-attempt count (at least 1 when message is non-nil).
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

// isMaxDeliverExceeded reports if current attempt reached configured max deliver.
// Params: attempt counter and max deliver config.
// Returns: true when current attempt is final allowed delivery.
func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}

// publishDLQ publishes failed notify job metadata to dead-letter subject.
// Params: message, decoded job, failure reason/cause, and attempt counter.
// Returns: publish error when DLQ publish fails.
func (w *NATSWorker) publishDLQ(
	ctx context.Context,
	message *nats.Msg,
	job Job,
	reason DLQReason,
	cause error,
	attempts uint64,
) error {
	entry := DLQEntry{
		Job:        job,
		Reason:     reason,
		Error:      strings.TrimSpace(cause.Error()),
		Attempts:   attempts,
		MaxDeliver: w.maxDeliver,
		Subject:    message.Subject,
		FailedAt:   time.Now().UTC(),
	}
	if message.Header != nil {
		entry.OriginalMsgID = strings.TrimSpace(message.Header.Get(nats.MsgIdHdr))
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal notify dlq entry: %w", err)
	}
	msg := nats.NewMsg(DLQSubject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s:dlq:%s:%d", id, reason, attempts))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify dlq entry: %w", err)
	}
	return nil
}
