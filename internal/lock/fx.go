package lock

import (
	"github.com/quietlab/harvest/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewClient builds the redis client used for advisory locking. Returns nil
// when no redis address is configured.
func NewClient(cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Warn("redis not configured, ingest lock disabled")
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Module provides the redis client and the advisory Locker.
var Module = fx.Module("lock",
	fx.Provide(
		NewClient,
		NewLocker,
	),
)
