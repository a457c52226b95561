package point

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quietlab/harvest/internal/clock"
	"github.com/quietlab/harvest/internal/config"
	"github.com/quietlab/harvest/internal/plugin"
	"github.com/quietlab/harvest/internal/point/normalizer"
	"github.com/quietlab/harvest/internal/point/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func provideNormalizer(cfg config.Config, clk clock.Clock, genID *snowflake.Node, registry *plugin.Registry, log *zap.Logger) (*normalizer.Normalizer, error) {
	opts := normalizer.Options{}
	if cfg.SiteTimezone != "" {
		location, err := time.LoadLocation(cfg.SiteTimezone)
		if err != nil {
			log.Warn("invalid site timezone, using local", zap.String("timezone", cfg.SiteTimezone), zap.Error(err))
		} else {
			opts.Location = location
		}
	}
	return normalizer.New(clk, genID, registry, opts), nil
}

var Module = fx.Module("point",
	fx.Provide(repository.Provide),
	fx.Provide(provideNormalizer),
)
