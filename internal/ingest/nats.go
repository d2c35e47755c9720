package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"stackmon/internal/config"
	"stackmon/internal/domain"
	"stackmon/internal/metrics"

	"github.com/nats-io/nats.go"
)

// NATSBus fans heartbeats out to every replica through one JetStream stream.
// Params: NATS connection, JetStream context, and replica subscription.
// Returns: heartbeat sink for local transports plus replica consumer lifecycle.
type NATSBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    config.NATSIngestConfig
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSBus connects to NATS and ensures the heartbeat stream exists.
// Params: ingest NATS config, stream retention, and optional logger.
// Returns: connected bus or initialization error.
func NewNATSBus(cfg config.NATSIngestConfig, retention time.Duration, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureHeartbeatStream(js, cfg.Stream, cfg.Subject, retention); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSBus{nc: nc, js: js, cfg: cfg, logger: logger}, nil
}

// ensureHeartbeatStream creates or updates the heartbeat stream.
// Params: JetStream context, stream name, subject, and max message age.
// Returns: stream setup error.
func ensureHeartbeatStream(js nats.JetStreamContext, stream, subject string, retention time.Duration) error {
	streamCfg := &nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    retention,
	}
	if _, err := js.StreamInfo(stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("lookup stream %q: %w", stream, err)
		}
		if _, err := js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("create stream %q: %w", stream, err)
		}
		return nil
	}
	if _, err := js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("update stream %q: %w", stream, err)
	}
	return nil
}

// Push publishes one heartbeat to the shared stream.
// Params: validated heartbeat.
// Returns: publish error.
func (b *NATSBus) Push(heartbeat domain.Heartbeat) error {
	body, err := json.Marshal(heartbeat)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	if _, err := b.js.Publish(b.cfg.Subject, body); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	return nil
}

// PushBatch publishes heartbeats asynchronously and waits for all acks.
// Params: validated heartbeats.
// Returns: first publish error.
func (b *NATSBus) PushBatch(heartbeats []domain.Heartbeat) error {
	futures := make([]nats.PubAckFuture, 0, len(heartbeats))
	for _, heartbeat := range heartbeats {
		body, err := json.Marshal(heartbeat)
		if err != nil {
			return fmt.Errorf("encode heartbeat: %w", err)
		}
		future, err := b.js.PublishAsync(b.cfg.Subject, body)
		if err != nil {
			return fmt.Errorf("publish heartbeat: %w", err)
		}
		futures = append(futures, future)
	}
	timeout := time.Duration(b.cfg.AckWaitSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.After(timeout)
	for _, future := range futures {
		select {
		case <-future.Ok():
		case err := <-future.Err():
			return fmt.Errorf("publish heartbeat: %w", err)
		case <-deadline:
			return errors.New("publish heartbeat: ack timeout")
		}
	}
	return nil
}

// Subscribe starts this replica's ephemeral consumer and replays retained heartbeats into sink.
// Params: local sink, typically the replica's tracker.
// Returns: subscription error.
func (b *NATSBus) Subscribe(sink HeartbeatSink) error {
	if b.sub != nil {
		return errors.New("nats ingest already subscribed")
	}
	nackDelay := time.Duration(b.cfg.NackDelayMS) * time.Millisecond
	subOpts := []nats.SubOpt{
		nats.BindStream(b.cfg.Stream),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(b.cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(b.cfg.MaxDeliver),
		nats.MaxAckPending(b.cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := b.js.Subscribe(b.cfg.Subject, func(message *nats.Msg) {
		scratch := acquireDecodeScratch()
		defer releaseDecodeScratch(scratch)
		heartbeats, decodeErr := decodeHeartbeatPayload(message.Data, scratch)
		if decodeErr != nil {
			metrics.HeartbeatsTotal.WithLabelValues("nats", metrics.StatusRejected).Inc()
			b.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", decodeErr.Error())
			b.ackMessage(message, "decode")
			return
		}
		if pushErr := pushHeartbeats(sink, heartbeats); pushErr != nil {
			metrics.HeartbeatsTotal.WithLabelValues("nats", metrics.StatusError).Add(float64(len(heartbeats)))
			b.logger.Error("nats ingest push failed", "subject", message.Subject, "error", pushErr.Error())
			b.nackMessage(message, nackDelay)
			return
		}
		metrics.HeartbeatsTotal.WithLabelValues("nats", metrics.StatusOK).Add(float64(len(heartbeats)))
		b.ackMessage(message, "processed")
	}, subOpts...)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", b.cfg.Subject, err)
	}
	b.sub = sub
	return nil
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (b *NATSBus) ackMessage(message *nats.Msg, reason string) {
	if err := message.Ack(); err != nil {
		b.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (b *NATSBus) nackMessage(message *nats.Msg, delay time.Duration) {
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		b.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains the replica subscription and closes the connection.
// Params: none.
// Returns: drain error.
func (b *NATSBus) Close() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			b.nc.Close()
			return err
		}
	}
	b.nc.Close()
	return nil
}
