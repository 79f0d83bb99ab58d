package geocache

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/profile-geofix/internal/domain"
	"github.com/couchcryptid/profile-geofix/internal/observability"
)

// Resolver reads through the store before asking inner and writes located
// results back. Store failures are logged and never fail a lookup.
type Resolver struct {
	store   *Store
	inner   domain.Resolver
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewResolver wraps inner with the persistent cache. A nil inner makes the
// resolver answer from the store only.
func NewResolver(store *Store, inner domain.Resolver, metrics *observability.Metrics, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, inner: inner, metrics: metrics, logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, p *domain.Profile) (domain.Coordinates, error) {
	key := domain.NormalizeLocation(p.Location)
	if key == "" {
		return r.resolveInner(ctx, p)
	}

	cached, err := r.store.GetMany(ctx, []string{key})
	switch {
	case err != nil:
		r.logger.Warn("geocache lookup failed", "location", key, "error", err)
	case cached[key] != nil:
		r.metrics.GeocodeCache.WithLabelValues("store", "hit").Inc()
		return cached[key], nil
	default:
		r.metrics.GeocodeCache.WithLabelValues("store", "miss").Inc()
	}

	coords, err := r.resolveInner(ctx, p)
	if err != nil {
		return nil, err
	}
	if coords.Valid() {
		if err := r.store.PutMany(ctx, map[string]domain.Coordinates{key: coords}); err != nil {
			r.logger.Warn("geocache write failed", "location", key, "error", err)
		}
	}
	return coords, nil
}

func (r *Resolver) resolveInner(ctx context.Context, p *domain.Profile) (domain.Coordinates, error) {
	if r.inner == nil {
		return nil, nil
	}
	return r.inner.Resolve(ctx, p)
}
