package idempotency

import (
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/config"
	"github.com/smallbiznis/spendguard/internal/idempotency/domain"
	"github.com/smallbiznis/spendguard/internal/idempotency/memory"
	"github.com/smallbiznis/spendguard/internal/idempotency/redisstore"
	"github.com/smallbiznis/spendguard/internal/idempotency/sqlstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("idempotency",
	fx.Provide(NewStore),
)

type Params struct {
	fx.In

	Config config.Config
	Clock  clock.Clock
	Log    *zap.Logger
	DB     *gorm.DB      `optional:"true"`
	Redis  *redis.Client `optional:"true"`
}

// NewStore selects the backend named by IDEMPOTENCY_BACKEND.
func NewStore(p Params) (domain.Store, error) {
	backend := p.Config.Idempotency.Backend
	var store domain.Store
	switch backend {
	case config.IdempotencyBackendMemory:
		store = memory.New(p.Clock)
	case config.IdempotencyBackendSQL, "":
		if p.DB == nil {
			return nil, errors.New("sql idempotency backend requires a database")
		}
		store = sqlstore.New(p.DB, p.Clock)
	case config.IdempotencyBackendRedis:
		if p.Redis == nil {
			return nil, errors.New("redis idempotency backend requires REDIS_ADDR")
		}
		store = redisstore.New(p.Redis, p.Clock, p.Config.Idempotency.KeyPrefix, p.Config.Idempotency.TTL)
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", backend)
	}

	p.Log.Named("idempotency").Info("idempotency store selected",
		zap.String("backend", store.Backend()),
		zap.Duration("ttl", p.Config.Idempotency.TTL),
	)
	return store, nil
}
