// Package domain contains the aggregate metadata cache rows consumed by
// dashboards and status checks.
package domain

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Cache keys. Per-source and per-pair keys are built by the helpers below.
const (
	KeyPointCount = "points:count"
	KeySources    = "sources"
	KeyGenerators = "generators"
)

func KeySourceGenerators(source string) string {
	return "sources:" + source + ":generators"
}

func KeyLatestPoint(source, generatorIdentifier string) string {
	return "latest:" + source + ":" + generatorIdentifier
}

// KeyLatestPointPrefix matches every latest-point entry for one source.
func KeyLatestPointPrefix(source string) string {
	return "latest:" + source + ":"
}

// AggregateMetadatum is one keyed cache entry with a JSON-encoded value.
// Entries are a derived, reconstructable projection: safe to delete and
// recompute, never a source of truth.
//
// Value is a text column: bare JSON scalars like the point count would take
// numeric affinity on sqlite and come back as integers, which datatypes.JSON
// refuses to scan.
type AggregateMetadatum struct {
	Key       string         `json:"key" gorm:"primaryKey;type:text"`
	Value     datatypes.JSON `json:"value" gorm:"not null;type:text"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AggregateMetadatum) TableName() string { return "aggregate_metadata" }

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, key string) (datatypes.JSON, bool, error)
	Upsert(ctx context.Context, db *gorm.DB, key string, value datatypes.JSON, now time.Time) error
	Delete(ctx context.Context, db *gorm.DB, key string) error

	// DeleteByPrefix removes every entry whose key starts with prefix. Used
	// to drop the per-pair latest caches of one source in a single pass.
	DeleteByPrefix(ctx context.Context, db *gorm.DB, prefix string) error
}
