package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RawSignalRecord is the flat JSON structure published by the collector
// services. All collectors share this shape regardless of feed type.
type RawSignalRecord struct {
	Source    string  `json:"source"`
	Text      string  `json:"text"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	MediaURL  string  `json:"media_url,omitempty"`
	CityHint  string  `json:"city_hint,omitempty"`
	EventType string  `json:"event_type,omitempty"` // classifier guess injected upstream
	CreatedAt string  `json:"created_at"`           // RFC 3339
}

// RawMessage is an unprocessed message from the source topic.
type RawMessage struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// Geo is a WGS-84 latitude/longitude pair.
type Geo struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinates are inside WGS-84 bounds and not the
// (0,0) null island placeholder collectors emit for unlocated posts.
func (g Geo) Valid() bool {
	if g.Lat == 0 && g.Lng == 0 {
		return false
	}
	return g.Lat >= -90 && g.Lat <= 90 && g.Lng >= -180 && g.Lng <= 180
}

// Signal is a single immutable observation about a possible disaster event.
type Signal struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Text       string    `json:"text"`
	Geo        Geo       `json:"geo"`
	MediaURL   string    `json:"media_url,omitempty"`
	CityHint   string    `json:"city_hint,omitempty"`
	EventType  string    `json:"event_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	IngestedAt time.Time `json:"ingested_at"`
	RawPayload []byte    `json:"-"`
}

// ParseRawSignal deserializes a RawMessage into a Signal. The message
// timestamp is the fallback observation time when created_at is absent or
// malformed.
func ParseRawSignal(raw RawMessage) (Signal, error) {
	var rec RawSignalRecord
	if err := json.Unmarshal(raw.Value, &rec); err != nil {
		return Signal{}, fmt.Errorf("parse raw signal: %w", err)
	}

	createdAt := raw.Timestamp
	if rec.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, rec.CreatedAt); err == nil {
			createdAt = t.UTC()
		}
	}

	sig := Signal{
		Source:     strings.ToLower(strings.TrimSpace(rec.Source)),
		Text:       rec.Text,
		Geo:        Geo{Lat: rec.Lat, Lng: rec.Lng},
		MediaURL:   rec.MediaURL,
		CityHint:   strings.TrimSpace(rec.CityHint),
		EventType:  strings.ToLower(strings.TrimSpace(rec.EventType)),
		CreatedAt:  createdAt,
		RawPayload: raw.Value,
	}
	sig.ID = signalID(sig)
	return sig, nil
}

// Validate checks the ingestion-boundary invariants. A signal with an empty
// source or out-of-bounds coordinates is rejected before clustering so that
// location ambiguity never corrupts a cluster centroid.
func (s Signal) Validate() error {
	if s.Source == "" {
		return &InvalidSignalError{Reason: "empty source"}
	}
	if !s.Geo.Valid() {
		return &InvalidSignalError{
			Reason: fmt.Sprintf("invalid coordinates (%.4f,%.4f)", s.Geo.Lat, s.Geo.Lng),
		}
	}
	return nil
}

// signalID produces a deterministic ID from the signal's key fields so that
// replaying the same upstream observation yields the same ID.
func signalID(s Signal) string {
	input := fmt.Sprintf("%s|%.5f|%.5f|%d|%s",
		s.Source, s.Geo.Lat, s.Geo.Lng, s.CreatedAt.Unix(), s.Text)
	hash := sha256.Sum256([]byte(input))
	return "sig-" + hex.EncodeToString(hash[:8])
}
