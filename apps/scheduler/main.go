package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/config"
	"github.com/smallbiznis/spendguard/internal/idempotency"
	"github.com/smallbiznis/spendguard/internal/migration"
	"github.com/smallbiznis/spendguard/internal/observability"
	"github.com/smallbiznis/spendguard/internal/ratelimit"
	"github.com/smallbiznis/spendguard/internal/scheduler"
	"github.com/smallbiznis/spendguard/pkg/db"
	"go.uber.org/fx"
)

// The standalone worker purges expired idempotency records. The shield is
// in-memory and only exists in the API process, so no rollover runs here.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		idempotency.Module,

		// No server module!
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
