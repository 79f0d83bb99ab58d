package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/profile-geofix/internal/config"
	"github.com/couchcryptid/profile-geofix/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Reader consumes profile messages from a Kafka topic as a consumer group member.
// It implements pipeline.BatchExtractor.
type Reader struct {
	reader        *kafkago.Reader
	flushInterval time.Duration
	logger        *slog.Logger
}

// NewReader creates a Kafka consumer for the configured source topic.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaSourceTopic,
		GroupID:     cfg.KafkaGroupID,
		StartOffset: kafkago.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     cfg.BatchFlushInterval,
	})
	return &Reader{reader: r, flushInterval: cfg.BatchFlushInterval, logger: logger}
}

// ExtractBatch fetches up to batchSize messages. It returns early with what it
// has once the flush interval elapses, so a quiet topic yields small or empty
// batches instead of blocking. Offsets are not committed; each event carries a
// Commit callback for that.
func (r *Reader) ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.flushInterval)
	defer cancel()

	batch := make([]domain.RawEvent, 0, batchSize)
	for len(batch) < batchSize {
		msg, err := r.reader.FetchMessage(fetchCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, fmt.Errorf("fetch message from %s: %w", r.reader.Config().Topic, err)
		}
		raw := mapMessageToRawEvent(msg)
		raw.Commit = func(ctx context.Context) error {
			return r.reader.CommitMessages(ctx, msg)
		}
		batch = append(batch, raw)
	}

	if len(batch) > 0 {
		r.logger.Debug("extracted batch",
			"size", len(batch),
			"first_offset", batch[0].Offset,
			"last_offset", batch[len(batch)-1].Offset,
		)
	}
	return batch, nil
}

func (r *Reader) Close() error {
	return r.reader.Close()
}

func mapMessageToRawEvent(msg kafkago.Message) domain.RawEvent {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return domain.RawEvent{
		Key:       msg.Key,
		Value:     msg.Value,
		Headers:   headers,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
	}
}
