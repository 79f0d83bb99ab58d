package domain

import (
	"context"
	"log/slog"
	"strings"
)

// Resolver looks up coordinates for a profile.
type Resolver interface {
	// Resolve returns the profile's coordinates, nil when none are known, or an
	// error when the lookup itself failed.
	Resolve(ctx context.Context, p *Profile) (Coordinates, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, p *Profile) (Coordinates, error)

func (f ResolverFunc) Resolve(ctx context.Context, p *Profile) (Coordinates, error) {
	return f(ctx, p)
}

// Monitor receives progress and lifecycle signals for one stage.
// Implementations must not block and have no way to report failure.
type Monitor interface {
	ReportElementStarted(id string)
	ReportElementEnded(id string)
	ReportCompleted()
	ReportErrored()
}

// ExistingCoordinates answers with the profile's own fix when both fields are
// already set, so profiles that went through the stage once skip lookups.
var ExistingCoordinates Resolver = ResolverFunc(func(_ context.Context, p *Profile) (Coordinates, error) {
	return p.Coordinates(), nil
})

// FirstResolved tries each resolver in order and returns the first valid fix.
// The first error aborts the chain. Nil resolvers are skipped.
func FirstResolved(resolvers ...Resolver) Resolver {
	return ResolverFunc(func(ctx context.Context, p *Profile) (Coordinates, error) {
		for _, r := range resolvers {
			if r == nil {
				continue
			}
			c, err := r.Resolve(ctx, p)
			if err != nil {
				return nil, err
			}
			if c.Valid() {
				return c, nil
			}
		}
		return nil, nil
	})
}

// SkipFailures turns lookup errors from r into "no fix" so a flaky provider
// cannot end the stream. Each swallowed error is logged.
func SkipFailures(r Resolver, logger *slog.Logger) Resolver {
	return ResolverFunc(func(ctx context.Context, p *Profile) (Coordinates, error) {
		c, err := r.Resolve(ctx, p)
		if err != nil {
			logger.Warn("coordinate lookup failed, forwarding profile without fix",
				"profile_id", p.ID,
				"location", p.Location,
				"error", err,
			)
			return nil, nil
		}
		return c, nil
	})
}

// NormalizeLocation folds a free-text location into the key used by caches
// and the gazetteer: trimmed, lower-cased, inner whitespace collapsed.
func NormalizeLocation(location string) string {
	return strings.Join(strings.Fields(strings.ToLower(location)), " ")
}
