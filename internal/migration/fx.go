package migration

import (
	bundledomain "github.com/quietlab/harvest/internal/bundle/domain"
	"github.com/quietlab/harvest/internal/config"
	identitydomain "github.com/quietlab/harvest/internal/identity/domain"
	pointdomain "github.com/quietlab/harvest/internal/point/domain"
	statsdomain "github.com/quietlab/harvest/internal/stats/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if conn.Dialector.Name() == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// Development dialects (sqlite, mysql) derive their schema from the
		// models directly.
		return conn.AutoMigrate(
			&bundledomain.Bundle{},
			&identitydomain.SourceReference{},
			&identitydomain.GeneratorDefinition{},
			&pointdomain.DataPoint{},
			&statsdomain.AggregateMetadatum{},
		)
	}),
)
