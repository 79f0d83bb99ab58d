//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/couchcryptid/profile-geofix/internal/adapter/kafka"
	"github.com/couchcryptid/profile-geofix/internal/config"
	"github.com/couchcryptid/profile-geofix/internal/domain"
	"github.com/couchcryptid/profile-geofix/internal/monitor"
	"github.com/couchcryptid/profile-geofix/internal/observability"
	"github.com/couchcryptid/profile-geofix/internal/pipeline"
	"github.com/couchcryptid/profile-geofix/internal/stage"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSourceTopic = "test-source"
	testSinkTopic   = "test-sink"
)

var places = map[string]domain.Coordinates{
	"berlin": {52.52, 13.405},
	"lisbon": {38.7223, -9.1393},
}

var placeResolver = domain.ResolverFunc(func(_ context.Context, p *domain.Profile) (domain.Coordinates, error) {
	return places[domain.NormalizeLocation(p.Location)], nil
})

// fixedMessage holds a deserialized message read from the sink topic.
type fixedMessage struct {
	Profile domain.Profile
	Raw     map[string]any
	Key     string
	Headers map[string]string
}

func readFixed(ctx context.Context, t *testing.T, consumer *kafkago.Reader) fixedMessage {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from sink topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var fm fixedMessage
	require.NoError(t, json.Unmarshal(msg.Value, &fm.Profile), "unmarshal sink message")
	require.NoError(t, json.Unmarshal(msg.Value, &fm.Raw))
	fm.Key = string(msg.Key)
	fm.Headers = headers
	return fm
}

func testConfig(broker, group string) *config.Config {
	return &config.Config{
		KafkaBrokers:       []string{broker},
		KafkaSourceTopic:   testSourceTopic,
		KafkaSinkTopic:     testSinkTopic,
		KafkaGroupID:       fmt.Sprintf("%s-%d", group, time.Now().UnixNano()),
		BatchFlushInterval: 2 * time.Second,
	}
}

func produce(ctx context.Context, t *testing.T, broker string, values ...string) {
	t.Helper()
	producer := &kafkago.Writer{
		Addr:  kafkago.TCP(broker),
		Topic: testSourceTopic,
	}
	t.Cleanup(func() { _ = producer.Close() })

	msgs := make([]kafkago.Message, len(values))
	for i, v := range values {
		msgs[i] = kafkago.Message{Key: []byte(fmt.Sprintf("record-%d", i)), Value: []byte(v)}
	}
	require.NoError(t, producer.WriteMessages(ctx, msgs...))
}

func sinkConsumer(t *testing.T, broker string) *kafkago.Reader {
	t.Helper()
	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       testSinkTopic,
		GroupID:     fmt.Sprintf("test-sink-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })
	return consumer
}

// TestKafkaReaderWriter verifies the adapter layer round-trips a profile
// through Kafka with its unknown fields intact.
func TestKafkaReaderWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	cfg := testConfig(broker, "test-reader")

	payload := `{"id":"p-1","location":"Berlin","source":"twitter","followers":12}`
	produce(ctx, t, broker, payload)

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })

	// Retry because the consumer group may need time to rebalance before
	// partitions are assigned and messages become available.
	var batch []domain.RawEvent
	for len(batch) == 0 {
		var err error
		batch, err = reader.ExtractBatch(ctx, 1)
		require.NoError(t, err)
		if ctx.Err() != nil {
			t.Fatal("timed out waiting for message from source topic")
		}
	}
	require.Len(t, batch, 1)
	raw := batch[0]
	assert.JSONEq(t, payload, string(raw.Value))
	assert.Equal(t, testSourceTopic, raw.Topic)
	require.NotNil(t, raw.Commit, "commit callback should be set")
	require.NoError(t, raw.Commit(ctx))

	profile, err := domain.DecodeProfile(raw)
	require.NoError(t, err)
	domain.ApplyFix(profile, domain.Coordinates{52.52, 13.405})

	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })
	require.NoError(t, writer.LoadBatch(ctx, []*domain.Profile{profile}))

	fm := readFixed(ctx, t, sinkConsumer(t, broker))
	assert.Equal(t, "p-1", fm.Key)
	assert.Equal(t, "true", fm.Headers["geo_fixed"])
	assert.Equal(t, "twitter", fm.Headers["source"])
	_, err = time.Parse(time.RFC3339, fm.Headers["processed_at"])
	assert.NoError(t, err, "processed_at should be valid RFC3339")
	assert.Equal(t, domain.Coordinates{52.52, 13.405}, fm.Profile.Coordinates())
	assert.EqualValues(t, 12, fm.Raw["followers"], "unknown fields survive")
}

// TestPipelineEndToEnd wires Reader, stage and Writer against a real broker
// and checks every profile comes out in order with the right fix.
func TestPipelineEndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	cfg := testConfig(broker, "test-pipeline")

	produce(ctx, t, broker,
		`{"id":"p-1","location":"Berlin"}`,
		`not-json{{{`,
		`{"id":"p-2","location":"Atlantis"}`,
		`{"id":"p-3","location":"lisbon"}`,
		`{"id":"p-4","latitude":10,"longitude":20}`,
	)

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	resolver := domain.FirstResolved(domain.ExistingCoordinates, placeResolver)
	op := stage.NewGeoFixOperator(resolver, monitor.NewMetrics(metrics, nil), discardLogger())
	p := pipeline.New(reader, op, writer, discardLogger(), metrics, 50)

	pipelineCtx, pipelineCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(pipelineCtx) }()

	consumer := sinkConsumer(t, broker)
	received := make([]fixedMessage, 0, 4)
	for len(received) < 4 {
		received = append(received, readFixed(ctx, t, consumer))
	}

	require.NoError(t, p.CheckReadiness(ctx))
	pipelineCancel()
	require.NoError(t, <-errCh)

	ids := make([]string, len(received))
	for i, fm := range received {
		ids[i] = fm.Profile.ID
	}
	assert.Equal(t, []string{"p-1", "p-2", "p-3", "p-4"}, ids)
	assert.Equal(t, domain.Coordinates{52.52, 13.405}, received[0].Profile.Coordinates())
	assert.Nil(t, received[1].Profile.Coordinates())
	assert.Equal(t, "false", received[1].Headers["geo_fixed"])
	assert.Equal(t, domain.Coordinates{38.7223, -9.1393}, received[2].Profile.Coordinates())
	assert.Equal(t, domain.Coordinates{10, 20}, received[3].Profile.Coordinates())
}

// TestPipelineResolverFailure verifies a failing lookup stops the pipeline
// with that error and nothing from the failed batch reaches the sink.
func TestPipelineResolverFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	broker := startKafka(ctx, t)
	createTopic(t, broker, testSourceTopic)
	createTopic(t, broker, testSinkTopic)
	cfg := testConfig(broker, "test-failure")

	// The failing profile goes first so no batch can be loaded before it.
	produce(ctx, t, broker,
		`{"id":"p-1","location":"Nowhere"}`,
		`{"id":"p-2","location":"Berlin"}`,
	)

	errLookup := errors.New("geocoder unreachable")
	resolver := domain.ResolverFunc(func(ctx context.Context, p *domain.Profile) (domain.Coordinates, error) {
		if p.Location == "Nowhere" {
			return nil, errLookup
		}
		return placeResolver(ctx, p)
	})

	reader := kafka.NewReader(cfg, discardLogger())
	t.Cleanup(func() { _ = reader.Close() })
	writer := kafka.NewWriter(cfg, discardLogger())
	t.Cleanup(func() { _ = writer.Close() })

	metrics := observability.NewMetricsForTesting()
	op := stage.NewGeoFixOperator(resolver, monitor.NewMetrics(metrics, nil), discardLogger())
	p := pipeline.New(reader, op, writer, discardLogger(), metrics, 50)

	err := p.Run(ctx)
	require.ErrorIs(t, err, errLookup)
	require.Error(t, p.CheckReadiness(ctx))

	consumer := sinkConsumer(t, broker)
	readCtx, readCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err = consumer.ReadMessage(readCtx)
	readCancel()
	assert.Error(t, err, "expected no message on sink topic")
}
