package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	"gorm.io/gorm"
)

const insertBatchSize = 500

type repo struct{}

func Provide() pointdomain.Repository {
	return &repo{}
}

func (r *repo) BulkInsert(ctx context.Context, db *gorm.DB, points []pointdomain.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	return db.WithContext(ctx).CreateInBatches(points, insertBatchSize).Error
}

func (r *repo) Count(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(`SELECT COUNT(1) FROM data_points`).Scan(&count).Error
	return count, err
}

func (r *repo) DistinctSources(ctx context.Context, db *gorm.DB) ([]string, error) {
	var sources []string
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT source FROM data_points ORDER BY source ASC`,
	).Scan(&sources).Error
	return sources, err
}

func (r *repo) DistinctGenerators(ctx context.Context, db *gorm.DB) ([]string, error) {
	var generators []string
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT generator_identifier FROM data_points ORDER BY generator_identifier ASC`,
	).Scan(&generators).Error
	return generators, err
}

func (r *repo) FindDuplicateIDs(ctx context.Context, db *gorm.DB, limit int) ([]snowflake.ID, error) {
	// Two-step so the delete below stays portable across dialects. Properties
	// is compared as text; only byte-identical payloads count as duplicates.
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT p.id
		 FROM data_points p
		 JOIN (
		     SELECT source, generator_identifier, created,
		            CAST(properties AS TEXT) AS props, MIN(id) AS keep_id
		     FROM data_points
		     GROUP BY source, generator_identifier, created, CAST(properties AS TEXT)
		     HAVING COUNT(1) > 1
		 ) d
		   ON p.source = d.source
		  AND p.generator_identifier = d.generator_identifier
		  AND p.created = d.created
		  AND CAST(p.properties AS TEXT) = d.props
		  AND p.id <> d.keep_id
		 ORDER BY p.id ASC
		 LIMIT ?`,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) DeleteByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(`DELETE FROM data_points WHERE id IN ?`, ids)
	return result.RowsAffected, result.Error
}

func (r *repo) DeleteBySource(ctx context.Context, db *gorm.DB, source string) (int64, error) {
	result := db.WithContext(ctx).Exec(`DELETE FROM data_points WHERE source = ?`, source)
	return result.RowsAffected, result.Error
}

func (r *repo) ReassignSource(ctx context.Context, db *gorm.DB, from, to string, toRef snowflake.ID) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE data_points SET source = ?, source_reference_id = ? WHERE source = ?`,
		to,
		toRef,
		from,
	)
	return result.RowsAffected, result.Error
}
