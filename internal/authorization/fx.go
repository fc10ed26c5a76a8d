package authorization

import (
	"github.com/casbin/casbin/v2"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type enforcerParams struct {
	fx.In

	DB *gorm.DB `optional:"true"`
}

var Module = fx.Module("authorization",
	fx.Provide(
		func(p enforcerParams) (*casbin.SyncedEnforcer, error) { return NewEnforcer(p.DB) },
		NewService,
		NewKeyRing,
	),
)
