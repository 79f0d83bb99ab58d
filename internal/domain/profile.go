package domain

import (
	"encoding/json"
	"math"
	"strings"
)

// Profile is a crowd user profile as produced by the upstream stages.
type Profile struct {
	ID        string   `json:"id"`
	Username  string   `json:"username,omitempty"`
	Source    string   `json:"source,omitempty"`
	Location  string   `json:"location,omitempty"`
	Language  string   `json:"language,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	// extra holds members this service does not model, re-emitted verbatim.
	extra map[string]json.RawMessage
}

// profileFields is Profile without its JSON methods, used to avoid recursion.
type profileFields Profile

var knownProfileKeys = []string{"id", "username", "source", "location", "language", "tags", "latitude", "longitude"}

func isKnownProfileKey(key string) bool {
	for _, k := range knownProfileKeys {
		if strings.EqualFold(key, k) {
			return true
		}
	}
	return false
}

// UnmarshalJSON decodes the modelled fields and keeps everything else.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var fields profileFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	// encoding/json matches field names case-insensitively, so any casing of a
	// known key has already been decoded into fields.
	for key := range all {
		if isKnownProfileKey(key) {
			delete(all, key)
		}
	}
	*p = Profile(fields)
	if len(all) > 0 {
		p.extra = all
	}
	return nil
}

// MarshalJSON encodes the modelled fields merged with the preserved ones.
// Modelled fields win over preserved members with the same name.
func (p Profile) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(profileFields(p))
	if err != nil {
		return nil, err
	}
	if len(p.extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(p.extra)+len(knownProfileKeys))
	for k, v := range p.extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Coordinates returns the profile's own fix, or nil unless both fields are set.
func (p *Profile) Coordinates() Coordinates {
	if p == nil || p.Latitude == nil || p.Longitude == nil {
		return nil
	}
	return Coordinates{*p.Latitude, *p.Longitude}
}

// Coordinates is a resolver answer in (latitude, longitude) order. Nil means
// no fix is available.
type Coordinates []float64

// Valid reports whether c holds exactly two finite numbers.
func (c Coordinates) Valid() bool {
	if len(c) != 2 {
		return false
	}
	for _, v := range c {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
