package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type HazardType string

const (
	HazardEarthquake HazardType = "EARTHQUAKE"
	HazardFlood      HazardType = "FLOOD"
)

func ParseHazardType(s string) (HazardType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EARTHQUAKE":
		return HazardEarthquake, nil
	case "FLOOD":
		return HazardFlood, nil
	default:
		return "", fmt.Errorf("unknown hazard type: %q", s)
	}
}

// ValidationError marks an event as malformed. Malformed events are rejected,
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// RawEvent is the inbound payload as produced by the model scoring service.
type RawEvent struct {
	HazardType   string  `json:"hazard_type"`
	LocationKey  string  `json:"location_key"`
	Score        float64 `json:"score"`
	ObservedAt   string  `json:"observed_at"`
	ModelVersion string  `json:"model_version"`
}

// PredictionEvent is the canonical form of a RawEvent. Immutable once built.
type PredictionEvent struct {
	Hazard       HazardType
	LocationKey  string
	Score        float64
	ObservedAt   time.Time // always UTC
	ModelVersion string
}

// supportedTimestampFormats lists the layouts Normalize attempts, in order.
var supportedTimestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Normalize validates the raw payload and returns its canonical form.
// Returns a *ValidationError on unknown hazard, score outside [0,1],
// empty location key, or a missing/unparseable timestamp.
func (r RawEvent) Normalize() (PredictionEvent, error) {
	hazard, err := ParseHazardType(r.HazardType)
	if err != nil {
		return PredictionEvent{}, &ValidationError{Field: "hazard_type", Reason: err.Error()}
	}

	location := strings.TrimSpace(r.LocationKey)
	if location == "" {
		return PredictionEvent{}, &ValidationError{Field: "location_key", Reason: "must not be empty"}
	}

	// NaN fails both comparisons and is rejected here too.
	if !(r.Score >= 0 && r.Score <= 1) {
		return PredictionEvent{}, &ValidationError{
			Field:  "score",
			Reason: fmt.Sprintf("must be within [0,1], got %v", r.Score),
		}
	}

	observedAt, err := parseTimestamp(r.ObservedAt)
	if err != nil {
		return PredictionEvent{}, &ValidationError{Field: "observed_at", Reason: err.Error()}
	}

	return PredictionEvent{
		Hazard:       hazard,
		LocationKey:  location,
		Score:        r.Score,
		ObservedAt:   observedAt,
		ModelVersion: strings.TrimSpace(r.ModelVersion),
	}, nil
}

// parseTimestamp accepts the supported layouts plus unix epoch milliseconds.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}

	for _, layout := range supportedTimestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	if millis, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unparseable timestamp: %q", s)
}
