// Package domain contains persistence models for uploaded bundles.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Compression kinds a bundle payload may carry.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// Bundle is an opaque batch of raw point records as uploaded by a client.
// Payload holds the exact bytes received; decoding never mutates it. A bundle
// is Pending until the ingester either marks it processed or records a fatal
// decode/persist failure in ErroredAt, after which it is excluded from sweeps
// until an operator clears the error.
type Bundle struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	Recorded    time.Time    `json:"recorded" gorm:"not null;index"`
	Payload     []byte       `json:"-" gorm:"not null"`
	Encrypted   bool         `json:"encrypted" gorm:"not null;default:false"`
	Compression string       `json:"compression" gorm:"type:text;not null;default:'none'"`
	Processed   bool         `json:"processed" gorm:"not null;default:false;index:idx_bundles_sweep,priority:1"`
	ErroredAt   *time.Time   `json:"errored_at" gorm:"index:idx_bundles_sweep,priority:2"`
	ErrorStage  *string      `json:"error_stage" gorm:"type:text"`
	ErrorDetail *string      `json:"error_detail" gorm:"type:text"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Bundle) TableName() string { return "bundles" }

// Pending reports whether the bundle is still eligible for an ingestion sweep.
func (b Bundle) Pending() bool {
	return !b.Processed && b.ErroredAt == nil
}
