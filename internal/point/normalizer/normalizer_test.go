package normalizer

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quietlab/harvest/internal/clock"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	"github.com/quietlab/harvest/internal/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestNormalizer(t *testing.T, opts Options) *Normalizer {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return New(clock.NewFakeClock(testNow), node, plugin.NewRegistry(), opts)
}

func batteryRecord() pointdomain.RawPointRecord {
	return pointdomain.RawPointRecord{
		"passive-data-metadata": map[string]any{
			"source":       "phone-abc",
			"generator":    "pdk-device-battery (Passive Data Kit)",
			"generator-id": "pdk-device-battery",
			"timestamp":    float64(1700000000),
			"user-agent":   "Passive Data Kit 1.0",
		},
		"level":    83.0,
		"charging": false,
	}
}

func TestNormalizeBatteryRecord(t *testing.T) {
	n := newTestNormalizer(t, Options{})

	point, err := n.Normalize(batteryRecord())
	require.NoError(t, err)

	assert.Equal(t, "phone-abc", point.Source)
	assert.Equal(t, "pdk-device-battery (Passive Data Kit)", point.Generator)
	assert.Equal(t, "pdk-device-battery", point.GeneratorIdentifier)
	assert.Equal(t, "Passive Data Kit 1.0", point.UserAgent)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), point.Created.UTC())
	assert.Equal(t, testNow, point.Recorded)
	assert.False(t, point.HasLocation())
	assert.NotZero(t, point.ID)

	// Properties retain the full original record.
	var stored map[string]any
	require.NoError(t, json.Unmarshal(point.Properties, &stored))
	assert.Equal(t, 83.0, stored["level"])
}

func TestNormalizeFractionalTimestamp(t *testing.T) {
	n := newTestNormalizer(t, Options{})
	record := batteryRecord()
	record.Metadata()["timestamp"] = 1700000000.5

	point, err := n.Normalize(record)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, int64(500*time.Millisecond)).UTC(), point.Created.UTC())
}

func TestNormalizeMissingTimestampUsesClock(t *testing.T) {
	n := newTestNormalizer(t, Options{})
	record := batteryRecord()
	delete(record.Metadata(), "timestamp")

	point, err := n.Normalize(record)
	require.NoError(t, err)
	assert.Equal(t, testNow, point.Created)
}

func TestNormalizeSkipsRecordWithoutMetadata(t *testing.T) {
	n := newTestNormalizer(t, Options{})

	tests := []struct {
		name   string
		record pointdomain.RawPointRecord
	}{
		{"no metadata block", pointdomain.RawPointRecord{"value": 1.0}},
		{"metadata not an object", pointdomain.RawPointRecord{"passive-data-metadata": "nope"}},
		{"missing source", pointdomain.RawPointRecord{
			"passive-data-metadata": map[string]any{"generator": "g"},
		}},
		{"missing generator", pointdomain.RawPointRecord{
			"passive-data-metadata": map[string]any{"source": "s"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.record)
			assert.True(t, errors.Is(err, ErrSkipRecord))
		})
	}
}

func TestNormalizeEmptySourceGetsSentinel(t *testing.T) {
	n := newTestNormalizer(t, Options{})
	record := batteryRecord()
	record.Metadata()["source"] = "   "

	point, err := n.Normalize(record)
	require.NoError(t, err)
	assert.Equal(t, pointdomain.MissingSource, point.Source)
}

func TestNormalizeMissingGeneratorIDGetsSentinel(t *testing.T) {
	n := newTestNormalizer(t, Options{})
	record := batteryRecord()
	delete(record.Metadata(), "generator-id")

	point, err := n.Normalize(record)
	require.NoError(t, err)
	assert.Equal(t, pointdomain.UnknownGenerator, point.GeneratorIdentifier)
}

func TestNormalizeRenameSource(t *testing.T) {
	n := newTestNormalizer(t, Options{
		Rename: func(source string) string {
			if source == "phone-abc" {
				return "phone-renamed"
			}
			return source
		},
	})

	point, err := n.Normalize(batteryRecord())
	require.NoError(t, err)
	assert.Equal(t, "phone-renamed", point.Source)
}

func TestNormalizeCoordinates(t *testing.T) {
	n := newTestNormalizer(t, Options{})

	t.Run("from metadata", func(t *testing.T) {
		record := batteryRecord()
		record.Metadata()["latitude"] = 41.88
		record.Metadata()["longitude"] = -87.62

		point, err := n.Normalize(record)
		require.NoError(t, err)
		require.True(t, point.HasLocation())
		assert.InDelta(t, 41.88, *point.Latitude, 1e-9)
		assert.InDelta(t, -87.62, *point.Longitude, 1e-9)
	})

	t.Run("from top level", func(t *testing.T) {
		record := batteryRecord()
		record["latitude"] = "41.88"
		record["longitude"] = "-87.62"

		point, err := n.Normalize(record)
		require.NoError(t, err)
		assert.True(t, point.HasLocation())
	})

	t.Run("latitude without longitude is dropped", func(t *testing.T) {
		record := batteryRecord()
		record.Metadata()["latitude"] = 41.88

		point, err := n.Normalize(record)
		require.NoError(t, err)
		assert.False(t, point.HasLocation())
	})
}

func TestNormalizeSecondaryIdentifierFromPlugin(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	registry := plugin.NewRegistry()
	registry.Register("pdk-device-battery", plugin.Plugin{
		ExtractSecondaryIdentifier: func(properties map[string]any) (string, bool) {
			return "battery", true
		},
	})
	n := New(clock.NewFakeClock(testNow), node, registry, Options{Location: time.UTC})

	point, err := n.Normalize(batteryRecord())
	require.NoError(t, err)
	require.NotNil(t, point.SecondaryIdentifier)
	assert.Equal(t, "battery", *point.SecondaryIdentifier)
}
