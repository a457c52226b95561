package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	bundledomain "github.com/quietlab/harvest/internal/bundle/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() bundledomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, b *bundledomain.Bundle) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = b.Recorded
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.Recorded
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO bundles (id, recorded, payload, encrypted, compression, processed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID,
		b.Recorded,
		b.Payload,
		b.Encrypted,
		b.Compression,
		b.Processed,
		b.CreatedAt,
		b.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*bundledomain.Bundle, error) {
	var bundle bundledomain.Bundle
	err := db.WithContext(ctx).Raw(
		`SELECT id, recorded, payload, encrypted, compression, processed,
		        errored_at, error_stage, error_detail, created_at, updated_at
		 FROM bundles WHERE id = ?`,
		id,
	).Scan(&bundle).Error
	if err != nil {
		return nil, err
	}
	if bundle.ID == 0 {
		return nil, bundledomain.ErrNotFound
	}
	return &bundle, nil
}

func (r *repo) FetchPending(ctx context.Context, db *gorm.DB, limit int) ([]bundledomain.Bundle, error) {
	// No row claim here: the advisory run lock already serializes sweeps.
	query := `SELECT id, recorded, payload, encrypted, compression, processed,
	                 errored_at, error_stage, error_detail, created_at, updated_at
	          FROM bundles
	          WHERE processed = ? AND errored_at IS NULL
	          ORDER BY recorded ASC, id ASC
	          LIMIT ?`

	var bundles []bundledomain.Bundle
	err := db.WithContext(ctx).Raw(query, false, limit).Scan(&bundles).Error
	if err != nil {
		return nil, err
	}
	return bundles, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, ids []snowflake.ID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE bundles
		 SET processed = ?, updated_at = ?
		 WHERE id IN ? AND errored_at IS NULL`,
		true,
		now,
		ids,
	).Error
}

func (r *repo) MarkErrored(ctx context.Context, db *gorm.DB, id snowflake.ID, stage, detail string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE bundles
		 SET errored_at = ?, error_stage = ?, error_detail = ?, updated_at = ?
		 WHERE id = ? AND processed = ?`,
		now,
		stage,
		detail,
		now,
		id,
		false,
	).Error
}

func (r *repo) ClearError(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE bundles
		 SET errored_at = NULL, error_stage = NULL, error_detail = NULL, updated_at = ?
		 WHERE id = ?`,
		now,
		id,
	).Error
}

func (r *repo) CountPending(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM bundles WHERE processed = ? AND errored_at IS NULL`,
		false,
	).Scan(&count).Error
	return count, err
}

func (r *repo) CountErrored(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM bundles WHERE errored_at IS NOT NULL`,
	).Scan(&count).Error
	return count, err
}

func (r *repo) DeleteProcessedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM bundles WHERE processed = ? AND recorded < ?`,
		true,
		cutoff,
	)
	return result.RowsAffected, result.Error
}
