package shield

import (
	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("shield",
	fx.Provide(NewFromConfig),
)

// NewFromConfig builds the shield from the guardrail policy and follows
// policy reloads.
func NewFromConfig(holder *config.GuardrailConfigHolder, c clock.Clock, log *zap.Logger) (*Shield, error) {
	s, err := New(PolicyFromConfig(holder.Get().Shield), c, log)
	if err != nil {
		return nil, err
	}
	holder.Subscribe(func(cfg config.GuardrailConfig) {
		if err := s.SetPolicy(PolicyFromConfig(cfg.Shield)); err != nil {
			s.log.Warn("shield policy rejected", zap.Error(err))
		}
	})
	return s, nil
}

func PolicyFromConfig(p config.ShieldPolicy) Policy {
	return Policy{
		HardDailyCap:        p.HardDailyCap,
		ProductSoftCapRatio: p.ProductSoftCapRatio,
		ProductHardCapRatio: p.ProductHardCapRatio,
	}
}
