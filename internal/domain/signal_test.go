package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawMsg(t *testing.T, rec RawSignalRecord, ts time.Time) RawMessage {
	t.Helper()
	payload, err := json.Marshal(rec)
	require.NoError(t, err)
	return RawMessage{Value: payload, Timestamp: ts}
}

func TestParseRawSignal(t *testing.T) {
	msgTime := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	sig, err := ParseRawSignal(rawMsg(t, RawSignalRecord{
		Source:    "  Twitter ",
		Text:      "banjir di kemang",
		Lat:       -6.26,
		Lng:       106.81,
		CityHint:  " jakarta ",
		EventType: "Flood",
		CreatedAt: "2026-02-10T11:45:00Z",
	}, msgTime))
	require.NoError(t, err)

	assert.Equal(t, "twitter", sig.Source, "source is normalized")
	assert.Equal(t, "flood", sig.EventType)
	assert.Equal(t, "jakarta", sig.CityHint)
	assert.Equal(t, time.Date(2026, 2, 10, 11, 45, 0, 0, time.UTC), sig.CreatedAt)
	assert.NotEmpty(t, sig.RawPayload)
	assert.Regexp(t, `^sig-[0-9a-f]{16}$`, sig.ID)
}

func TestParseRawSignal_TimestampFallback(t *testing.T) {
	msgTime := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	for _, createdAt := range []string{"", "yesterday afternoon"} {
		sig, err := ParseRawSignal(rawMsg(t, RawSignalRecord{
			Source: "twitter", Text: "x", Lat: -6.2, Lng: 106.8, CreatedAt: createdAt,
		}, msgTime))
		require.NoError(t, err)
		assert.Equal(t, msgTime, sig.CreatedAt,
			"missing or malformed created_at falls back to the message timestamp")
	}
}

func TestParseRawSignal_BadJSON(t *testing.T) {
	_, err := ParseRawSignal(RawMessage{Value: []byte("not-json{{{")})
	require.Error(t, err)
}

func TestSignalID_Deterministic(t *testing.T) {
	rec := RawSignalRecord{
		Source: "twitter", Text: "banjir", Lat: -6.2, Lng: 106.8,
		CreatedAt: "2026-02-10T11:45:00Z",
	}
	ts := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	a, err := ParseRawSignal(rawMsg(t, rec, ts))
	require.NoError(t, err)
	b, err := ParseRawSignal(rawMsg(t, rec, ts))
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID, "replaying the same observation yields the same id")

	rec.Text = "banjir parah"
	c, err := ParseRawSignal(rawMsg(t, rec, ts))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestSignalValidate(t *testing.T) {
	valid := Signal{Source: "twitter", Geo: Geo{Lat: -6.2, Lng: 106.8}}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name string
		sig  Signal
	}{
		{"empty source", Signal{Geo: Geo{Lat: -6.2, Lng: 106.8}}},
		{"null island", Signal{Source: "twitter"}},
		{"latitude out of bounds", Signal{Source: "twitter", Geo: Geo{Lat: 91, Lng: 106.8}}},
		{"longitude out of bounds", Signal{Source: "twitter", Geo: Geo{Lat: -6.2, Lng: 181}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.sig.Validate()
			require.Error(t, err)
			assert.True(t, IsInvalidSignal(err))
		})
	}
}
