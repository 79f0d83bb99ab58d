package pipeline

import (
	"context"

	"github.com/couchcryptid/profile-geofix/internal/domain"
)

// collector is the downstream end of the Kafka subscription. It buffers the
// profiles forwarded during one batch so they can be loaded together.
// Terminal signals need no handling: the pipeline learns about them from the
// stage's return values.
type collector struct {
	profiles []*domain.Profile
}

func (c *collector) reset() {
	c.profiles = c.profiles[:0]
}

func (c *collector) OnNext(_ context.Context, p *domain.Profile) error {
	c.profiles = append(c.profiles, p)
	return nil
}

func (c *collector) OnCompleted(context.Context) error { return nil }

func (c *collector) OnError(context.Context, error) error { return nil }
