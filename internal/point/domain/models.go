// Package domain contains the canonical data point model and the raw record
// shape it is normalized from.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// MetadataKey is the reserved property under which clients nest per-record
// metadata (source, generator, timestamp, coordinates).
const MetadataKey = "passive-data-metadata"

// Sentinels substituted for absent identity fields during normalization.
const (
	MissingSource    = "missing-source"
	UnknownGenerator = "unknown-generator"
)

// RawPointRecord is one decoded-but-unvalidated record inside a bundle
// payload. It only exists during an ingestion pass.
type RawPointRecord map[string]any

// Metadata returns the nested metadata block, or nil when absent or not an
// object.
func (r RawPointRecord) Metadata() map[string]any {
	meta, ok := r[MetadataKey].(map[string]any)
	if !ok {
		return nil
	}
	return meta
}

// DataPoint is one canonical, persisted reading.
type DataPoint struct {
	ID                    snowflake.ID   `json:"id" gorm:"primaryKey"`
	Source                string         `json:"source" gorm:"type:text;not null;index:idx_points_identity,priority:1"`
	SourceReferenceID     snowflake.ID   `json:"source_reference_id" gorm:"index"`
	Generator             string         `json:"generator" gorm:"type:text;not null"`
	GeneratorIdentifier   string         `json:"generator_identifier" gorm:"type:text;not null;index:idx_points_identity,priority:2"`
	GeneratorDefinitionID snowflake.ID   `json:"generator_definition_id" gorm:"index"`
	SecondaryIdentifier   *string        `json:"secondary_identifier" gorm:"type:text"`
	UserAgent             string         `json:"user_agent" gorm:"type:text"`
	Created               time.Time      `json:"created" gorm:"not null;index:idx_points_identity,priority:3"`
	Recorded              time.Time      `json:"recorded" gorm:"not null"`
	Latitude              *float64       `json:"latitude"`
	Longitude             *float64       `json:"longitude"`
	Properties            datatypes.JSON `json:"properties" gorm:"not null"`
}

// TableName sets the database table name.
func (DataPoint) TableName() string { return "data_points" }

// HasLocation reports whether the point carries a usable coordinate pair.
func (p DataPoint) HasLocation() bool {
	return p.Latitude != nil && p.Longitude != nil
}
