// Package normalizer validates and reshapes raw point records into canonical
// data points. Malformed individual records are skipped, never fatal to the
// owning bundle.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quietlab/harvest/internal/clock"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	"github.com/quietlab/harvest/internal/plugin"
	"gorm.io/datatypes"
)

// ErrSkipRecord marks a record that cannot be normalized but should not
// abort its bundle. Callers count skips and move on.
var ErrSkipRecord = errors.New("skip_record")

// RenameSource optionally rewrites a source identifier before any further
// processing. Sites use it to fold legacy device names together.
type RenameSource func(source string) string

type Options struct {
	// Location point timestamps are materialized in. Defaults to time.Local.
	Location *time.Location
	Rename   RenameSource
}

type Normalizer struct {
	clock    clock.Clock
	genID    *snowflake.Node
	registry *plugin.Registry
	location *time.Location
	rename   RenameSource
}

func New(clk clock.Clock, genID *snowflake.Node, registry *plugin.Registry, opts Options) *Normalizer {
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	return &Normalizer{
		clock:    clk,
		genID:    genID,
		registry: registry,
		location: location,
		rename:   opts.Rename,
	}
}

// Normalize turns one raw record into a not-yet-persisted DataPoint. A
// record without a metadata block, or whose metadata lacks both source and
// generator, is skipped with ErrSkipRecord.
func (n *Normalizer) Normalize(record pointdomain.RawPointRecord) (*pointdomain.DataPoint, error) {
	meta := record.Metadata()
	if meta == nil {
		return nil, fmt.Errorf("%w: no metadata block", ErrSkipRecord)
	}

	source, hasSource := stringField(meta, "source")
	generator, hasGenerator := stringField(meta, "generator")
	if !hasSource || !hasGenerator {
		return nil, fmt.Errorf("%w: metadata missing source or generator", ErrSkipRecord)
	}

	// Empty source is remapped, not rejected; clients in provisioning
	// states upload before they know who they are.
	source = strings.TrimSpace(source)
	if source == "" {
		source = pointdomain.MissingSource
	}
	if n.rename != nil {
		source = n.rename(source)
	}

	generatorID, ok := stringField(meta, "generator-id")
	generatorID = strings.TrimSpace(generatorID)
	if !ok || generatorID == "" {
		generatorID = pointdomain.UnknownGenerator
	}

	now := n.clock.Now()
	created := now
	if ts, ok := floatField(meta, "timestamp"); ok {
		created = epochToTime(ts, n.location)
	}

	properties, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: unencodable record: %v", ErrSkipRecord, err)
	}

	point := &pointdomain.DataPoint{
		ID:                  n.genID.Generate(),
		Source:              source,
		Generator:           generator,
		GeneratorIdentifier: generatorID,
		Created:             created,
		Recorded:            now,
		Properties:          datatypes.JSON(properties),
	}

	if ua, ok := stringField(meta, "user-agent"); ok {
		point.UserAgent = ua
	}

	// Coordinates may live in the metadata block or at the record top level.
	lat, latOK := floatField(meta, "latitude")
	lon, lonOK := floatField(meta, "longitude")
	if !latOK || !lonOK {
		lat, latOK = floatField(record, "latitude")
		lon, lonOK = floatField(record, "longitude")
	}
	if latOK && lonOK {
		point.Latitude = &lat
		point.Longitude = &lon
	}

	if n.registry != nil {
		if secondary, ok := n.registry.SecondaryIdentifier(generatorID, record); ok {
			point.SecondaryIdentifier = &secondary
		}
	}

	return point, nil
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func floatField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch value := v.(type) {
	case float64:
		return value, true
	case json.Number:
		parsed, err := value.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

// epochToTime converts a fractional Unix epoch to an instant in loc,
// preserving sub-second precision.
func epochToTime(epoch float64, loc *time.Location) time.Time {
	seconds, fraction := math.Modf(epoch)
	return time.Unix(int64(seconds), int64(fraction*float64(time.Second))).In(loc)
}
