package ledger

import (
	"context"

	"github.com/smallbiznis/spendguard/internal/config"
	"github.com/smallbiznis/spendguard/internal/ledger/domain"
	"github.com/smallbiznis/spendguard/internal/ledger/ndjson"
	"github.com/smallbiznis/spendguard/internal/ledger/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ledger",
	fx.Provide(
		provideWriter,
		provideReader,
		func(w *ndjson.Writer) domain.Store { return w },
		service.New,
	),
)

func provideWriter(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*ndjson.Writer, error) {
	w, err := ndjson.Open(cfg.Ledger.Path)
	if err != nil {
		return nil, err
	}
	log.Named("ledger").Info("ledger opened", zap.String("path", w.Path()))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return w.Close()
		},
	})
	return w, nil
}

func provideReader(cfg config.Config) *ndjson.Reader {
	return ndjson.NewReader(cfg.Ledger.Path)
}
