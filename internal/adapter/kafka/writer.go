package kafka

import (
	"context"
	"log/slog"
	"slices"

	"github.com/couchcryptid/profile-geofix/internal/config"
	"github.com/couchcryptid/profile-geofix/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer produces messages to a Kafka topic.
// It implements pipeline.BatchLoader.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// LoadBatch serializes and publishes profiles to the sink topic in a single
// WriteMessages call. Messages are keyed by profile id, so the Hash balancer
// keeps every version of a profile on one partition.
func (w *Writer) LoadBatch(ctx context.Context, profiles []*domain.Profile) error {
	if len(profiles) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(profiles))
	for i, p := range profiles {
		msg, err := serializeToMessage(p)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage encodes a profile into a Kafka message. Headers are
// sorted by key.
func serializeToMessage(p *domain.Profile) (kafkago.Message, error) {
	out, err := domain.EncodeProfile(p)
	if err != nil {
		return kafkago.Message{}, err
	}
	keys := make([]string, 0, len(out.Headers))
	for k := range out.Headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	headers := make([]kafkago.Header, len(keys))
	for i, k := range keys {
		headers[i] = kafkago.Header{Key: k, Value: []byte(out.Headers[k])}
	}
	return kafkago.Message{
		Key:     out.Key,
		Value:   out.Value,
		Headers: headers,
	}, nil
}
