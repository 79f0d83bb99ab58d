// Package gazetteer resolves well-known place names from a local TOML file,
// so common locations never reach a remote geocoder.
//
// File format:
//
//	[[place]]
//	name = "Berlin"
//	aliases = ["Berlin, Germany", "BER"]
//	lat = 52.52
//	lon = 13.405
package gazetteer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/couchcryptid/profile-geofix/internal/domain"
	"github.com/pelletier/go-toml/v2"
)

// Place is one gazetteer entry.
type Place struct {
	Name    string   `toml:"name"`
	Aliases []string `toml:"aliases"`
	Lat     float64  `toml:"lat"`
	Lon     float64  `toml:"lon"`
}

type file struct {
	Places []Place `toml:"place"`
}

// Gazetteer maps normalized names and aliases to coordinates.
// It implements domain.Resolver and is safe for concurrent use once built.
type Gazetteer struct {
	index map[string]domain.Coordinates
}

// Load reads a gazetteer file.
func Load(path string) (*Gazetteer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gazetteer: %w", err)
	}
	defer f.Close()

	g, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Parse decodes a gazetteer from TOML. Unknown keys, out-of-range
// coordinates and names claimed by two different places are errors.
func Parse(r io.Reader) (*Gazetteer, error) {
	var doc file
	decoder := toml.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse gazetteer: %w", err)
	}
	return New(doc.Places)
}

// New builds a gazetteer from places.
func New(places []Place) (*Gazetteer, error) {
	g := &Gazetteer{index: make(map[string]domain.Coordinates)}
	for i, p := range places {
		if domain.NormalizeLocation(p.Name) == "" {
			return nil, fmt.Errorf("place #%d: name is required", i+1)
		}
		coords := domain.Coordinates{p.Lat, p.Lon}
		if !coords.Valid() || p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
			return nil, fmt.Errorf("place %q: coordinates (%v, %v) out of range", p.Name, p.Lat, p.Lon)
		}
		for _, name := range append([]string{p.Name}, p.Aliases...) {
			key := domain.NormalizeLocation(name)
			if key == "" {
				continue
			}
			if prev, ok := g.index[key]; ok && (prev[0] != coords[0] || prev[1] != coords[1]) {
				return nil, fmt.Errorf("place %q: name %q already maps to (%v, %v)", p.Name, name, prev[0], prev[1])
			}
			g.index[key] = coords
		}
	}
	return g, nil
}

// Len reports the number of indexed names, aliases included.
func (g *Gazetteer) Len() int { return len(g.index) }

func (g *Gazetteer) Resolve(_ context.Context, p *domain.Profile) (domain.Coordinates, error) {
	c, ok := g.index[domain.NormalizeLocation(p.Location)]
	if !ok {
		return nil, nil
	}
	return domain.Coordinates{c[0], c[1]}, nil
}
