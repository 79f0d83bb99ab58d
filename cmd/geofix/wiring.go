package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/profile-geofix/internal/adapter/gazetteer"
	"github.com/couchcryptid/profile-geofix/internal/adapter/geocache"
	"github.com/couchcryptid/profile-geofix/internal/adapter/mapbox"
	"github.com/couchcryptid/profile-geofix/internal/config"
	"github.com/couchcryptid/profile-geofix/internal/domain"
	"github.com/couchcryptid/profile-geofix/internal/monitor"
	"github.com/couchcryptid/profile-geofix/internal/observability"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// resources collects what must be released on shutdown, in reverse order.
type resources struct {
	closers []func() error
}

func (r *resources) add(fn func() error) { r.closers = append(r.closers, fn) }

func (r *resources) close(logger *slog.Logger) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logger.Error("close resource failed", "error", err)
		}
	}
}

// buildResolver assembles the lookup chain: the profile's own coordinates,
// then the gazetteer, then the memory cache, persistent cache and Mapbox.
func buildResolver(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, res *resources, logger *slog.Logger) (domain.Resolver, error) {
	var gaz domain.Resolver
	if cfg.GazetteerPath != "" {
		g, err := gazetteer.Load(cfg.GazetteerPath)
		if err != nil {
			return nil, err
		}
		logger.Info("gazetteer loaded", "path", cfg.GazetteerPath, "names", g.Len())
		gaz = g
	}

	var remote domain.Resolver
	if cfg.MapboxEnabled {
		remote = mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "timeout", cfg.MapboxTimeout)
	} else {
		metrics.GeocodeEnabled.Set(0)
		logger.Info("mapbox geocoding disabled")
	}

	if cfg.GeocacheDriver != config.GeocacheNone {
		store, err := geocache.Open(ctx, cfg.GeocacheDriver, cfg.GeocacheDSN)
		if err != nil {
			return nil, err
		}
		res.add(store.Close)
		remote = geocache.NewResolver(store, remote, metrics, logger)
		logger.Info("persistent geocode cache enabled", "driver", cfg.GeocacheDriver)
	}

	if remote != nil {
		remote = mapbox.NewCachedResolver(remote, cfg.MapboxCacheSize, metrics)
	}

	chain := domain.FirstResolved(domain.ExistingCoordinates, gaz, remote)
	if cfg.ResolverFailurePolicy == config.FailurePolicySkip {
		chain = domain.SkipFailures(chain, logger)
	}
	return chain, nil
}

// buildMonitor fans lifecycle signals out to logs, metrics and, when
// configured, traces and NATS events.
func buildMonitor(cfg *config.Config, metrics *observability.Metrics, res *resources, logger *slog.Logger) (domain.Monitor, error) {
	monitors := []domain.Monitor{
		monitor.NewLog(logger, cfg.PluginName, cfg.ProgressEvery),
		monitor.NewMetrics(metrics, clockwork.NewRealClock()),
	}

	if cfg.OTLPEndpoint != "" {
		monitors = append(monitors, monitor.NewTracing(otel.Tracer("profile-geofix"), cfg.PluginName))
	}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("profile-geofix"))
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		res.add(nc.Drain)
		events := monitor.NewEvents(nc, monitor.EventsConfig{
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Plugin:        cfg.PluginName,
		}, logger)
		logger.Info("lifecycle events enabled", "url", nc.ConnectedUrlRedacted(), "run_id", events.RunID())
		monitors = append(monitors, events)
	}

	return monitor.Multi(monitors...), nil
}
