package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/profile-geofix/internal/domain"
	"github.com/couchcryptid/profile-geofix/internal/observability"
	"github.com/couchcryptid/profile-geofix/internal/pipeline"
	"github.com/couchcryptid/profile-geofix/internal/stage"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockExtractor struct {
	errs    []error
	batches [][]domain.RawEvent
}

func (m *mockExtractor) ExtractBatch(ctx context.Context, _ int) ([]domain.RawEvent, error) {
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	if len(m.batches) > 0 {
		b := m.batches[0]
		m.batches = m.batches[1:]
		return b, nil
	}
	// block until context cancelled to simulate waiting for messages
	<-ctx.Done()
	return nil, ctx.Err()
}

type mockLoader struct {
	failures int
	calls    int
	loaded   []domain.Profile
}

func (m *mockLoader) LoadBatch(_ context.Context, profiles []*domain.Profile) error {
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("broker unavailable")
	}
	for _, p := range profiles {
		m.loaded = append(m.loaded, *p)
	}
	return nil
}

type countingMonitor struct {
	started, ended, completed, errored int
}

func (c *countingMonitor) ReportElementStarted(string) { c.started++ }
func (c *countingMonitor) ReportElementEnded(string)   { c.ended++ }
func (c *countingMonitor) ReportCompleted()            { c.completed++ }
func (c *countingMonitor) ReportErrored()              { c.errored++ }

var places = map[string]domain.Coordinates{
	"berlin": {52.52, 13.405},
	"lisbon": {38.7223, -9.1393},
}

func gazetteerResolver(_ context.Context, p *domain.Profile) (domain.Coordinates, error) {
	return places[domain.NormalizeLocation(p.Location)], nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ext     *mockExtractor
	ldr     *mockLoader
	mon     *countingMonitor
	metrics *observability.Metrics
	p       *pipeline.Pipeline
}

func newFixture(resolve domain.ResolverFunc, ext *mockExtractor) *fixture {
	f := &fixture{
		ext:     ext,
		ldr:     &mockLoader{},
		mon:     &countingMonitor{},
		metrics: observability.NewMetricsForTesting(),
	}
	op := stage.NewGeoFixOperator(resolve, f.mon, discardLogger())
	f.p = pipeline.New(f.ext, op, f.ldr, discardLogger(), f.metrics, 50)
	return f
}

func runFor(t *testing.T, p *pipeline.Pipeline, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return p.Run(ctx)
}

// --- tests ---

func TestPipeline_Run_HappyPath(t *testing.T) {
	var commits []int64
	batch := []domain.RawEvent{
		makeRawEvent(1, `{"id":"p-1","location":"Berlin","followers":12}`, &commits),
		makeRawEvent(2, `{"id":"p-2","location":"Atlantis"}`, &commits),
		makeRawEvent(3, `{"id":"p-3","location":"  LISBON "}`, &commits),
	}
	f := newFixture(gazetteerResolver, &mockExtractor{batches: [][]domain.RawEvent{batch}})

	require.NoError(t, runFor(t, f.p, 300*time.Millisecond))

	require.Len(t, f.ldr.loaded, 3)
	ids := []string{f.ldr.loaded[0].ID, f.ldr.loaded[1].ID, f.ldr.loaded[2].ID}
	if diff := cmp.Diff([]string{"p-1", "p-2", "p-3"}, ids); diff != "" {
		t.Fatalf("load order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, domain.Coordinates{52.52, 13.405}, f.ldr.loaded[0].Coordinates())
	assert.Nil(t, f.ldr.loaded[1].Coordinates())
	assert.Equal(t, domain.Coordinates{38.7223, -9.1393}, f.ldr.loaded[2].Coordinates())

	assert.Equal(t, []int64{1, 2, 3}, commits)
	assert.Equal(t, countingMonitor{started: 3, ended: 3, completed: 1}, *f.mon)
	require.NoError(t, f.p.CheckReadiness(context.Background()))
	assert.InDelta(t, 3.0, testutil.ToFloat64(f.metrics.MessagesConsumed), 0)
	assert.InDelta(t, 3.0, testutil.ToFloat64(f.metrics.MessagesProduced), 0)
	assert.InDelta(t, 0.0, testutil.ToFloat64(f.metrics.PipelineRunning), 0)
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	f := newFixture(gazetteerResolver, &mockExtractor{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	require.NoError(t, f.p.Run(ctx))
	assert.Empty(t, f.ldr.loaded)
	assert.Equal(t, 1, f.mon.completed)
	assert.Error(t, f.p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_ShutdownDuringLookupCompletes(t *testing.T) {
	var commits []int64
	batch := []domain.RawEvent{
		makeRawEvent(1, `{"id":"p-1","location":"Berlin"}`, &commits),
		makeRawEvent(2, `{"id":"p-2","location":"Lisbon"}`, &commits),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shutdown arrives while the first lookup is in flight.
	resolve := func(rctx context.Context, p *domain.Profile) (domain.Coordinates, error) {
		cancel()
		if err := rctx.Err(); err != nil {
			return nil, err
		}
		return gazetteerResolver(rctx, p)
	}
	f := newFixture(resolve, &mockExtractor{batches: [][]domain.RawEvent{batch}})

	require.NoError(t, f.p.Run(ctx))

	assert.Equal(t, countingMonitor{started: 1, ended: 1, completed: 1}, *f.mon)
	assert.Empty(t, commits, "an unfinished batch is left for redelivery")
	assert.Empty(t, f.ldr.loaded)
	assert.EqualError(t, f.p.CheckReadiness(context.Background()), "pipeline has not loaded any profiles yet")
}

func TestDrainContext_OutlivesParentForGrace(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	drain, stop := pipeline.DrainContext(parent, 20*time.Millisecond)
	defer stop()

	cancelParent()
	assert.NoError(t, drain.Err())

	select {
	case <-drain.Done():
	case <-time.After(time.Second):
		t.Fatal("drain context not cancelled after grace period")
	}
}

func TestPipeline_Run_DecodeErrorSkipsMessage(t *testing.T) {
	var commits []int64
	batch := []domain.RawEvent{
		makeRawEvent(7, `not-json{{{`, &commits),
		makeRawEvent(8, `{"location":"Berlin"}`, &commits),
		makeRawEvent(9, `{"id":"p-9","location":"Berlin"}`, &commits),
	}
	f := newFixture(gazetteerResolver, &mockExtractor{batches: [][]domain.RawEvent{batch}})

	require.NoError(t, runFor(t, f.p, 300*time.Millisecond))

	require.Len(t, f.ldr.loaded, 1)
	assert.Equal(t, "p-9", f.ldr.loaded[0].ID)
	assert.Equal(t, []int64{7, 8, 9}, commits)
	assert.InDelta(t, 2.0, testutil.ToFloat64(f.metrics.DecodeErrors), 0)
	assert.Equal(t, 1, f.mon.started)
}

func TestPipeline_Run_OnlyUndecodableMessages(t *testing.T) {
	var commits []int64
	batch := []domain.RawEvent{makeRawEvent(1, `[]`, &commits)}
	f := newFixture(gazetteerResolver, &mockExtractor{batches: [][]domain.RawEvent{batch}})

	require.NoError(t, runFor(t, f.p, 300*time.Millisecond))

	assert.Zero(t, f.ldr.calls)
	assert.Equal(t, []int64{1}, commits)
	assert.Error(t, f.p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_ResolverFailureStopsPipeline(t *testing.T) {
	errLookup := errors.New("geocoder unreachable")
	var commits []int64
	batch := []domain.RawEvent{
		makeRawEvent(1, `{"id":"p-1","location":"Berlin"}`, &commits),
		makeRawEvent(2, `{"id":"p-2","location":"Nowhere"}`, &commits),
		makeRawEvent(3, `{"id":"p-3","location":"Lisbon"}`, &commits),
	}
	resolve := func(ctx context.Context, p *domain.Profile) (domain.Coordinates, error) {
		if p.Location == "Nowhere" {
			return nil, errLookup
		}
		return gazetteerResolver(ctx, p)
	}
	f := newFixture(resolve, &mockExtractor{batches: [][]domain.RawEvent{batch}})

	err := runFor(t, f.p, 2*time.Second)

	require.ErrorIs(t, err, errLookup)
	assert.Empty(t, f.ldr.loaded, "a failed batch is neither loaded nor committed")
	assert.Empty(t, commits)
	assert.Equal(t, countingMonitor{started: 2, ended: 1, errored: 1}, *f.mon)
	require.Error(t, f.p.CheckReadiness(context.Background()))
	assert.Contains(t, f.p.CheckReadiness(context.Background()).Error(), "terminated")
}

func TestPipeline_Run_LoadRetriesSameBatch(t *testing.T) {
	var commits []int64
	batch := []domain.RawEvent{makeRawEvent(4, `{"id":"p-4","location":"Berlin"}`, &commits)}
	f := newFixture(gazetteerResolver, &mockExtractor{batches: [][]domain.RawEvent{batch}})
	f.ldr.failures = 1

	require.NoError(t, runFor(t, f.p, time.Second))

	assert.Equal(t, 2, f.ldr.calls)
	require.Len(t, f.ldr.loaded, 1)
	assert.Equal(t, []int64{4}, commits)
	assert.Equal(t, 1, f.mon.started, "the stage sees each profile once")
}

func TestPipeline_Run_ExtractErrorBacksOff(t *testing.T) {
	var commits []int64
	batch := []domain.RawEvent{makeRawEvent(5, `{"id":"p-5"}`, &commits)}
	f := newFixture(gazetteerResolver, &mockExtractor{
		errs:    []error{errors.New("coordinator not available")},
		batches: [][]domain.RawEvent{batch},
	})

	require.NoError(t, runFor(t, f.p, time.Second))

	require.Len(t, f.ldr.loaded, 1)
	assert.Equal(t, "p-5", f.ldr.loaded[0].ID)
	assert.Equal(t, []int64{5}, commits)
}

// --- helpers ---

func makeRawEvent(offset int64, value string, commits *[]int64) domain.RawEvent {
	return domain.RawEvent{
		Value:  []byte(value),
		Topic:  "raw-profiles",
		Offset: offset,
		Commit: func(context.Context) error {
			*commits = append(*commits, offset)
			return nil
		},
	}
}
