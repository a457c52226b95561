package repository

import (
	"context"
	"strings"
	"time"

	statsdomain "github.com/quietlab/harvest/internal/stats/domain"
	"github.com/quietlab/harvest/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() statsdomain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, conn *gorm.DB, key string) (datatypes.JSON, bool, error) {
	var row statsdomain.AggregateMetadatum
	err := conn.WithContext(ctx).Raw(
		`SELECT key, value, updated_at FROM aggregate_metadata WHERE key = ?`,
		key,
	).Scan(&row).Error
	if err != nil {
		return nil, false, err
	}
	if row.Key == "" {
		return nil, false, nil
	}
	return row.Value, true, nil
}

func (r *repo) Upsert(ctx context.Context, conn *gorm.DB, key string, value datatypes.JSON, now time.Time) error {
	result := conn.WithContext(ctx).Exec(
		`UPDATE aggregate_metadata SET value = ?, updated_at = ? WHERE key = ?`,
		value,
		now,
		key,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	err := conn.WithContext(ctx).Exec(
		`INSERT INTO aggregate_metadata (key, value, updated_at) VALUES (?, ?, ?)`,
		key,
		value,
		now,
	).Error
	if err != nil && db.IsDuplicateKeyErr(err) {
		// Lost an insert race; the other writer's update path wins.
		return conn.WithContext(ctx).Exec(
			`UPDATE aggregate_metadata SET value = ?, updated_at = ? WHERE key = ?`,
			value,
			now,
			key,
		).Error
	}
	return err
}

func (r *repo) Delete(ctx context.Context, conn *gorm.DB, key string) error {
	return conn.WithContext(ctx).Exec(
		`DELETE FROM aggregate_metadata WHERE key = ?`,
		key,
	).Error
}

func (r *repo) DeleteByPrefix(ctx context.Context, conn *gorm.DB, prefix string) error {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return conn.WithContext(ctx).Exec(
		`DELETE FROM aggregate_metadata WHERE key LIKE ? ESCAPE '\'`,
		escaped+"%",
	).Error
}
