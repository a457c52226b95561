package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// LatestPoint is the newest persisted point for one (source, generator
// identifier) pair.
type LatestPoint struct {
	Source              string       `json:"source"`
	GeneratorIdentifier string       `json:"generator_identifier"`
	PointID             snowflake.ID `json:"point_id"`
	Created             time.Time    `json:"created"`
}

type Repository interface {
	// BulkInsert persists a bundle's points in batches inside the caller's
	// transaction.
	BulkInsert(ctx context.Context, db *gorm.DB, points []DataPoint) error

	Count(ctx context.Context, db *gorm.DB) (int64, error)
	DistinctSources(ctx context.Context, db *gorm.DB) ([]string, error)
	DistinctGenerators(ctx context.Context, db *gorm.DB) ([]string, error)

	// FindDuplicateIDs returns ids of points that share
	// (source, generator_identifier, created) with byte-identical properties,
	// excluding the lowest id of each group. Capped at limit.
	FindDuplicateIDs(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error)
	DeleteByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error)

	DeleteBySource(ctx context.Context, db *gorm.DB, source string) (int64, error)

	// ReassignSource rewrites the denormalized source and reference of all
	// points belonging to from, as part of a merge-sources command.
	ReassignSource(ctx context.Context, db *gorm.DB, from, to string, toRef snowflake.ID) (int64, error)
}
