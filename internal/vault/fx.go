package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/config"
	"github.com/smallbiznis/spendguard/internal/vault/domain"
	"github.com/smallbiznis/spendguard/internal/vault/repository"
	"github.com/smallbiznis/spendguard/internal/vault/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("vault",
	fx.Provide(repository.Provide),
	fx.Provide(NewVault),
)

const snapshotTimeout = 5 * time.Second

type Params struct {
	fx.In

	Config    config.Config
	Guardrail *config.GuardrailConfigHolder
	Repo      domain.Repository
	Clock     clock.Clock
	GenID     *snowflake.Node
	Log       *zap.Logger
	DB        *gorm.DB `optional:"true"`
}

// NewVault restores the latest persisted snapshot when a database is
// configured and otherwise starts from VAULT_INITIAL_TOTAL.
func NewVault(p Params) (*service.Vault, error) {
	log := p.Log.Named("vault")
	split := SplitFromPolicy(p.Guardrail.Get().Vault)

	opts := []service.Option{
		service.WithLogger(p.Log),
		service.WithClock(p.Clock),
	}
	if p.DB != nil {
		opts = append(opts, service.WithObserver(func(s domain.Snapshot) {
			s.ID = p.GenID.Generate().Int64()
			ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
			defer cancel()
			if err := p.Repo.Insert(ctx, p.DB, s); err != nil {
				log.Error("persist vault snapshot", zap.Int64("version", s.Version), zap.Error(err))
			}
		}))
	}

	v, err := load(p, split, opts)
	if err != nil {
		return nil, err
	}
	if err := v.SetConfig(split); err != nil {
		return nil, err
	}

	p.Guardrail.Subscribe(func(cfg config.GuardrailConfig) {
		if err := v.SetConfig(SplitFromPolicy(cfg.Vault)); err != nil {
			log.Warn("vault split rejected", zap.Error(err))
		}
	})
	return v, nil
}

func load(p Params, split domain.Config, opts []service.Option) (*service.Vault, error) {
	log := p.Log.Named("vault")

	if p.DB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		latest, err := p.Repo.Latest(ctx, p.DB)
		if err != nil {
			return nil, fmt.Errorf("load vault snapshot: %w", err)
		}
		if latest != nil {
			log.Info("vault restored",
				zap.Int64("version", latest.Version),
				zap.String("total", latest.Total.StringFixed(2)),
			)
			return service.Restore(*latest, opts...)
		}
	}

	total, err := decimal.NewFromString(p.Config.Vault.InitialTotal)
	if err != nil {
		return nil, fmt.Errorf("parse VAULT_INITIAL_TOTAL: %w", err)
	}
	log.Info("vault initialized", zap.String("total", total.StringFixed(2)))
	return service.New(total, split, opts...)
}

func SplitFromPolicy(p config.VaultPolicy) domain.Config {
	return domain.Config{
		LearningPct:    p.LearningPct,
		OperationalPct: p.OperationalPct,
		ReservePct:     p.ReservePct,
	}
}
