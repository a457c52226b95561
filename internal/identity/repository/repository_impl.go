package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	identitydomain "github.com/quietlab/harvest/internal/identity/domain"
	"github.com/quietlab/harvest/pkg/db"
	"gorm.io/gorm"
)

type repo struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) identitydomain.Repository {
	return &repo{genID: genID}
}

func (r *repo) FindSource(ctx context.Context, conn *gorm.DB, identifier string) (*identitydomain.SourceReference, error) {
	var ref identitydomain.SourceReference
	err := conn.WithContext(ctx).Raw(
		`SELECT id, identifier, name, upload_url, created_at, updated_at
		 FROM source_references WHERE identifier = ?`,
		identifier,
	).Scan(&ref).Error
	if err != nil {
		return nil, err
	}
	if ref.ID == 0 {
		return nil, nil
	}
	return &ref, nil
}

func (r *repo) FindGenerator(ctx context.Context, conn *gorm.DB, identifier string) (*identitydomain.GeneratorDefinition, error) {
	var def identitydomain.GeneratorDefinition
	err := conn.WithContext(ctx).Raw(
		`SELECT id, identifier, name, created_at, updated_at
		 FROM generator_definitions WHERE identifier = ?`,
		identifier,
	).Scan(&def).Error
	if err != nil {
		return nil, err
	}
	if def.ID == 0 {
		return nil, nil
	}
	return &def, nil
}

func (r *repo) GetOrCreateSource(ctx context.Context, conn *gorm.DB, identifier, name string) (*identitydomain.SourceReference, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, identitydomain.ErrInvalidIdentifier
	}

	existing, err := r.FindSource(ctx, conn, identifier)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if name == "" {
		name = identifier
	}
	now := time.Now().UTC()
	ref := identitydomain.SourceReference{
		ID:         r.genID.Generate(),
		Identifier: identifier,
		Name:       name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = conn.WithContext(ctx).Exec(
		`INSERT INTO source_references (id, identifier, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ref.ID,
		ref.Identifier,
		ref.Name,
		ref.CreatedAt,
		ref.UpdatedAt,
	).Error
	if err != nil {
		// Lost the creation race: the unique constraint guarantees the row
		// now exists, so read it back.
		if db.IsDuplicateKeyErr(err) {
			return r.FindSource(ctx, conn, identifier)
		}
		return nil, err
	}
	return &ref, nil
}

func (r *repo) GetOrCreateGenerator(ctx context.Context, conn *gorm.DB, identifier, name string) (*identitydomain.GeneratorDefinition, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, identitydomain.ErrInvalidIdentifier
	}

	existing, err := r.FindGenerator(ctx, conn, identifier)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if name == "" {
		name = identifier
	}
	now := time.Now().UTC()
	def := identitydomain.GeneratorDefinition{
		ID:         r.genID.Generate(),
		Identifier: identifier,
		Name:       name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = conn.WithContext(ctx).Exec(
		`INSERT INTO generator_definitions (id, identifier, name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		def.ID,
		def.Identifier,
		def.Name,
		def.CreatedAt,
		def.UpdatedAt,
	).Error
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return r.FindGenerator(ctx, conn, identifier)
		}
		return nil, err
	}
	return &def, nil
}

func (r *repo) SetSourceUploadURL(ctx context.Context, conn *gorm.DB, identifier string, uploadURL *string, now time.Time) error {
	result := conn.WithContext(ctx).Exec(
		`UPDATE source_references SET upload_url = ?, updated_at = ? WHERE identifier = ?`,
		uploadURL,
		now,
		identifier,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// First sight of this source: create the reference so federation can be
	// configured before any of its points arrive.
	if _, err := r.GetOrCreateSource(ctx, conn, identifier, ""); err != nil {
		return err
	}
	return conn.WithContext(ctx).Exec(
		`UPDATE source_references SET upload_url = ?, updated_at = ? WHERE identifier = ?`,
		uploadURL,
		now,
		identifier,
	).Error
}

func (r *repo) DeleteSource(ctx context.Context, conn *gorm.DB, identifier string) error {
	return conn.WithContext(ctx).Exec(
		`DELETE FROM source_references WHERE identifier = ?`,
		identifier,
	).Error
}
