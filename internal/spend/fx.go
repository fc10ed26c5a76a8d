package spend

import (
	"context"

	"github.com/smallbiznis/spendguard/internal/ledger/ndjson"
	spenddomain "github.com/smallbiznis/spendguard/internal/spend/domain"
	"github.com/smallbiznis/spendguard/internal/spend/service"
	"go.uber.org/fx"
)

var Module = fx.Module("spend",
	fx.Provide(
		service.New,
		func(g *service.Gateway) spenddomain.Service { return g },
	),
	fx.Invoke(replayOnStart),
)

func replayOnStart(lc fx.Lifecycle, g *service.Gateway, reader *ndjson.Reader) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return g.Replay(ctx, reader)
		},
	})
}
