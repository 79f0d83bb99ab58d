package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/profile-geofix/internal/domain"
	"github.com/couchcryptid/profile-geofix/internal/observability"
	"github.com/couchcryptid/profile-geofix/internal/stage"
)

// BatchExtractor reads up to batchSize raw events from the source.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// BatchLoader writes multiple profiles to the destination.
type BatchLoader interface {
	LoadBatch(ctx context.Context, profiles []*domain.Profile) error
}

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
	// drainTimeout bounds how long an in-flight lookup may keep running after
	// shutdown starts.
	drainTimeout = 5 * time.Second
)

// errStopped signals that the context was cancelled mid-batch.
var errStopped = errors.New("pipeline stopped")

// Pipeline pushes decoded profiles from Kafka through one geo-fix subscription
// and loads what the stage forwards.
type Pipeline struct {
	extractor BatchExtractor
	operator  *stage.GeoFixOperator
	loader    BatchLoader
	logger    *slog.Logger
	metrics   *observability.Metrics
	batchSize int

	ready  atomic.Bool
	failed atomic.Bool
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, op *stage.GeoFixOperator, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, batchSize int) *Pipeline {
	return &Pipeline{
		extractor: e,
		operator:  op,
		loader:    l,
		logger:    logger,
		metrics:   metrics,
		batchSize: batchSize,
	}
}

// CheckReadiness returns nil once a batch has been loaded and the stage has
// not failed.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if p.failed.Load() {
		return errors.New("geo-fix stage terminated with an error")
	}
	if !p.ready.Load() {
		return errors.New("pipeline has not loaded any profiles yet")
	}
	return nil
}

// Run executes the batch loop until the context is cancelled or the stage
// fails. Cancellation completes the subscription and returns nil; a stage
// failure is returned as is.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	sink := &collector{}
	st := p.operator.Lift(sink)
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return p.complete(ctx, st)
		}

		err := p.processBatch(ctx, st, sink, &backoff)
		switch {
		case errors.Is(err, errStopped):
			return p.complete(ctx, st)
		case err != nil:
			p.failed.Store(true)
			if ctx.Err() != nil {
				p.logger.Warn("stage terminated during shutdown", "error", err)
				return nil
			}
			p.logger.Error("stage terminated, stopping pipeline", "error", err)
			return err
		}
	}
}

func (p *Pipeline) complete(ctx context.Context, st *stage.GeoFixStage) error {
	p.logger.Info("pipeline stopping", "reason", ctx.Err())
	if err := st.OnCompleted(context.WithoutCancel(ctx)); err != nil {
		p.logger.Warn("complete subscription failed", "error", err)
	}
	return nil
}

// processBatch runs one extract-fix-load-commit cycle. It returns errStopped
// on cancellation and the stage's error when the stage terminates.
func (p *Pipeline) processBatch(ctx context.Context, st *stage.GeoFixStage, sink *collector, backoff *time.Duration) error {
	start := time.Now()

	rawBatch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() != nil {
			return errStopped
		}
		p.logger.Error("extract batch failed", "error", err)
		return p.backoffOrStop(ctx, backoff)
	}
	if len(rawBatch) == 0 {
		return nil
	}
	*backoff = initialBackoff

	p.metrics.MessagesConsumed.Add(float64(len(rawBatch)))
	p.metrics.BatchSize.Observe(float64(len(rawBatch)))

	pushCtx, stopPush := drainContext(ctx, drainTimeout)
	defer stopPush()

	sink.reset()
	for _, raw := range rawBatch {
		if ctx.Err() != nil {
			// Uncommitted messages are redelivered on the next run.
			return errStopped
		}
		profile, err := domain.DecodeProfile(raw)
		if err != nil {
			p.logger.Warn("decode failed, skipping message",
				"error", err,
				"topic", raw.Topic,
				"partition", raw.Partition,
				"offset", raw.Offset,
			)
			p.metrics.DecodeErrors.Inc()
			continue
		}
		if err := st.OnNext(pushCtx, profile); err != nil {
			return err
		}
	}

	if err := p.load(ctx, sink.profiles, backoff); err != nil {
		return err
	}
	for _, raw := range rawBatch {
		p.commitOffset(ctx, raw)
	}

	if len(sink.profiles) > 0 {
		p.metrics.MessagesProduced.Add(float64(len(sink.profiles)))
		p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
		p.ready.Store(true)
	}
	return nil
}

// drainContext returns a context that survives cancellation of parent for at
// most grace, so a lookup started before shutdown can finish instead of
// failing the stage.
func drainContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	drain, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-drain.Done():
		}
	})
	return drain, func() {
		stop()
		cancel()
	}
}

// load retries the batch with backoff until it succeeds or ctx is cancelled.
// The stage has already forwarded these profiles, so dropping them is not an
// option.
func (p *Pipeline) load(ctx context.Context, profiles []*domain.Profile, backoff *time.Duration) error {
	if len(profiles) == 0 {
		return nil
	}
	for {
		err := p.loader.LoadBatch(ctx, profiles)
		if err == nil {
			*backoff = initialBackoff
			return nil
		}
		p.logger.Error("load batch failed", "error", err, "batch_size", len(profiles))
		if stopErr := p.backoffOrStop(ctx, backoff); stopErr != nil {
			return stopErr
		}
	}
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// errStopped if the context is cancelled first.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration) error {
	if ctx.Err() != nil || !sleepWithContext(ctx, *backoff) {
		return errStopped
	}
	*backoff = nextBackoff(*backoff, maxBackoff)
	return nil
}

// commitOffset commits the message offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
