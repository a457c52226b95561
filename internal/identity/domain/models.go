// Package domain contains the resolved-identity records that back the
// string identifiers on incoming points.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidIdentifier = errors.New("invalid_identifier")
	ErrSourceNotFound    = errors.New("source_not_found")
	ErrGeneratorNotFound = errors.New("generator_not_found")
)

// SourceReference maps a source identifier string to a stable internal row.
// UploadURL, when set, federates the source: its points are forwarded there
// instead of stored locally.
type SourceReference struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	Identifier string       `json:"identifier" gorm:"type:text;not null;uniqueIndex:ux_source_refs_identifier"`
	Name       string       `json:"name" gorm:"type:text;not null"`
	UploadURL  *string      `json:"upload_url" gorm:"type:text"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SourceReference) TableName() string { return "source_references" }

// Federated reports whether points for this source are forwarded elsewhere.
func (s SourceReference) Federated() bool {
	return s.UploadURL != nil && *s.UploadURL != ""
}

// GeneratorDefinition maps a generator identifier string to a stable
// internal row.
type GeneratorDefinition struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	Identifier string       `json:"identifier" gorm:"type:text;not null;uniqueIndex:ux_generator_defs_identifier"`
	Name       string       `json:"name" gorm:"type:text;not null"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (GeneratorDefinition) TableName() string { return "generator_definitions" }

type Repository interface {
	// GetOrCreateSource resolves identifier to its reference row, creating
	// it when absent. Concurrent creation races resolve to the single row
	// behind the unique constraint.
	GetOrCreateSource(ctx context.Context, db *gorm.DB, identifier, name string) (*SourceReference, error)
	GetOrCreateGenerator(ctx context.Context, db *gorm.DB, identifier, name string) (*GeneratorDefinition, error)

	FindSource(ctx context.Context, db *gorm.DB, identifier string) (*SourceReference, error)
	FindGenerator(ctx context.Context, db *gorm.DB, identifier string) (*GeneratorDefinition, error)

	SetSourceUploadURL(ctx context.Context, db *gorm.DB, identifier string, uploadURL *string, now time.Time) error
	DeleteSource(ctx context.Context, db *gorm.DB, identifier string) error
}
