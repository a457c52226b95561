package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("bundle_not_found")
	ErrInvalidBundle = errors.New("invalid_bundle")
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, bundle *Bundle) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Bundle, error)

	// FetchPending returns up to limit unprocessed, unerrored bundles,
	// oldest received first. Callers serialize sweeps via the advisory
	// run lock; the query takes no row locks of its own.
	FetchPending(ctx context.Context, db *gorm.DB, limit int) ([]Bundle, error)

	MarkProcessed(ctx context.Context, db *gorm.DB, ids []snowflake.ID, now time.Time) error
	MarkErrored(ctx context.Context, db *gorm.DB, id snowflake.ID, stage, detail string, now time.Time) error

	// ClearError re-queues an errored bundle for the next sweep.
	ClearError(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error

	CountPending(ctx context.Context, db *gorm.DB) (int64, error)
	CountErrored(ctx context.Context, db *gorm.DB) (int64, error)

	// DeleteProcessedBefore removes processed bundles recorded before cutoff.
	// Pending and errored bundles are never deleted.
	DeleteProcessedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}
