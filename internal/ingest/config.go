package ingest

import (
	"time"
)

// Config controls sweep cadence, batch sizing and forwarding behavior.
type Config struct {
	RunInterval time.Duration
	// BatchSize bounds how many bundles one fetch claims.
	BatchSize int
	// PointCeiling bounds how many points a single sweep may persist before
	// yielding; leftover bundles wait for the next tick.
	PointCeiling int
	// Workers is the number of concurrent bundle decoders per sweep.
	Workers int
	LockTTL time.Duration

	FlushThreshold int
	ForwardTimeout time.Duration

	DedupBatchSize int
	// RetentionMaxAge prunes processed bundles older than this. Zero keeps
	// everything.
	RetentionMaxAge time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    time.Minute,
		BatchSize:      100,
		PointCeiling:   25000,
		Workers:        4,
		LockTTL:        5 * time.Minute,
		FlushThreshold: 100,
		ForwardTimeout: 5 * time.Second,
		DedupBatchSize: 1000,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PointCeiling <= 0 {
		c.PointCeiling = defaults.PointCeiling
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = defaults.FlushThreshold
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = defaults.ForwardTimeout
	}
	if c.DedupBatchSize <= 0 {
		c.DedupBatchSize = defaults.DedupBatchSize
	}
	return c
}
