package ingest

import (
	"context"

	"github.com/quietlab/harvest/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("ingest",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartDaemon),
)

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:     cfg.IngestRunInterval,
		BatchSize:       cfg.IngestBatchSize,
		PointCeiling:    cfg.IngestPointCeiling,
		Workers:         cfg.IngestWorkers,
		LockTTL:         cfg.IngestLockTTL,
		FlushThreshold:  cfg.ForwardFlushThreshold,
		ForwardTimeout:  cfg.ForwardTimeout,
		RetentionMaxAge: cfg.RetentionMaxAge,
	}.withDefaults()
}

func StartDaemon(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			go svc.RunForever(ctx)
			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
