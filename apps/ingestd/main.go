// ingestd runs the sweep daemon without the HTTP surface. Deployments that
// scale upload handling separately run one or more harvest servers plus a
// single ingestd behind the shared advisory lock.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/quietlab/harvest/internal/bundle"
	"github.com/quietlab/harvest/internal/clock"
	"github.com/quietlab/harvest/internal/config"
	"github.com/quietlab/harvest/internal/identity"
	"github.com/quietlab/harvest/internal/ingest"
	"github.com/quietlab/harvest/internal/lock"
	"github.com/quietlab/harvest/internal/logger"
	"github.com/quietlab/harvest/internal/migration"
	obsmetrics "github.com/quietlab/harvest/internal/observability/metrics"
	"github.com/quietlab/harvest/internal/plugin"
	"github.com/quietlab/harvest/internal/point"
	"github.com/quietlab/harvest/internal/stats"
	"github.com/quietlab/harvest/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
		migration.Module,
		fx.Invoke(RegisterMetrics),

		plugin.Module,
		bundle.Module,
		point.Module,
		identity.Module,
		stats.Module,
		ingest.Module,

		// No server module.
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func RegisterMetrics(cfg config.Config) {
	obsmetrics.IngestWithConfig(obsmetrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	})
}
