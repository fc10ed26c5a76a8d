package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/spendguard/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewClient returns the shared redis client, or nil when REDIS_ADDR is unset.
func NewClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log.Named("redis").Info("redis client configured", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Redis.DB))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}
