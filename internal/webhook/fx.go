package webhook

import (
	"github.com/smallbiznis/spendguard/internal/webhook/domain"
	"github.com/smallbiznis/spendguard/internal/webhook/router"
	"github.com/smallbiznis/spendguard/internal/webhook/service"
	"github.com/smallbiznis/spendguard/internal/webhook/shopify"
	"go.uber.org/fx"
)

// HandlerGroup is the fx value group handler packages contribute to.
const HandlerGroup = `group:"webhook_handlers,flatten"`

var Module = fx.Module("webhook",
	fx.Provide(
		fx.Annotate(shopify.Registrations, fx.ResultTags(HandlerGroup)),
		fx.Annotate(router.NewFromRegistrations, fx.ParamTags(HandlerGroup)),
		service.New,
	),
)

var _ domain.Service = (*service.Service)(nil)
