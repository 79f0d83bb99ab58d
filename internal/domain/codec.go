package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMissingProfileID is returned when a decoded profile carries no id.
var ErrMissingProfileID = errors.New("profile has no id")

// DecodeProfile deserializes a RawEvent's value into a Profile.
func DecodeProfile(raw RawEvent) (*Profile, error) {
	var p Profile
	if err := json.Unmarshal(raw.Value, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("decode profile at offset %d: %w", raw.Offset, ErrMissingProfileID)
	}
	return &p, nil
}

// EncodeProfile serializes a Profile for the sink topic. The profile id is the
// message key so downstream compaction keeps the latest version.
func EncodeProfile(p *Profile) (OutputEvent, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return OutputEvent{}, fmt.Errorf("encode profile %s: %w", p.ID, err)
	}
	headers := map[string]string{
		"geo_fixed":    strconv.FormatBool(p.Coordinates() != nil),
		"processed_at": clock.Now().UTC().Format(time.RFC3339),
	}
	if p.Source != "" {
		headers["source"] = p.Source
	}
	return OutputEvent{
		Key:     []byte(p.ID),
		Value:   data,
		Headers: headers,
	}, nil
}
