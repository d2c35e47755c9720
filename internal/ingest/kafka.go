package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stackmon/internal/config"
	"stackmon/internal/metrics"

	"github.com/segmentio/kafka-go"
)

const kafkaPushRetryDelay = 500 * time.Millisecond

// kafkaMessageReader is the subset of kafka.Reader used by KafkaConsumer.
type kafkaMessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads heartbeats from a Kafka topic through a consumer group.
// Params: kafka reader, heartbeat sink, and logger.
// Returns: Kafka ingest lifecycle handle.
type KafkaConsumer struct {
	reader kafkaMessageReader
	sink   HeartbeatSink
	logger *slog.Logger
	retry  time.Duration
}

// NewKafkaConsumer creates consumer-group reader for heartbeat topic.
// Params: Kafka ingest config, sink, and optional logger.
// Returns: consumer ready to Run.
func NewKafkaConsumer(cfg config.KafkaIngestConfig, sink HeartbeatSink, logger *slog.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		CommitInterval: time.Duration(cfg.CommitIntervalMS) * time.Millisecond,
	})
	return newKafkaConsumer(reader, sink, logger)
}

func newKafkaConsumer(reader kafkaMessageReader, sink HeartbeatSink, logger *slog.Logger) *KafkaConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaConsumer{reader: reader, sink: sink, logger: logger, retry: kafkaPushRetryDelay}
}

// Run fetches and commits messages until ctx is cancelled.
// Params: lifecycle context.
// Returns: nil on cancellation or fatal reader error.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		if err := c.handle(ctx, message); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle decodes one message, pushes it until accepted, then commits its offset.
// Params: lifecycle context and fetched message.
// Returns: commit error or context cancellation.
func (c *KafkaConsumer) handle(ctx context.Context, message kafka.Message) error {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)

	heartbeats, err := decodeHeartbeatPayload(message.Value, scratch)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("kafka", metrics.StatusRejected).Inc()
		c.logger.Warn("kafka ingest decode failed",
			"topic", message.Topic,
			"partition", message.Partition,
			"offset", message.Offset,
			"error", err.Error(),
		)
		return c.commit(ctx, message)
	}

	for {
		pushErr := pushHeartbeats(c.sink, heartbeats)
		if pushErr == nil {
			break
		}
		metrics.HeartbeatsTotal.WithLabelValues("kafka", metrics.StatusError).Add(float64(len(heartbeats)))
		c.logger.Error("kafka ingest push failed", "offset", message.Offset, "error", pushErr.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retry):
		}
	}
	metrics.HeartbeatsTotal.WithLabelValues("kafka", metrics.StatusOK).Add(float64(len(heartbeats)))
	return c.commit(ctx, message)
}

func (c *KafkaConsumer) commit(ctx context.Context, message kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, message); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("kafka commit offset %d: %w", message.Offset, err)
	}
	return nil
}

// Close closes the underlying reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
