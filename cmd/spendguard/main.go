package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/spendguard/internal/authorization"
	"github.com/smallbiznis/spendguard/internal/clock"
	"github.com/smallbiznis/spendguard/internal/config"
	"github.com/smallbiznis/spendguard/internal/idempotency"
	"github.com/smallbiznis/spendguard/internal/ledger"
	"github.com/smallbiznis/spendguard/internal/migration"
	"github.com/smallbiznis/spendguard/internal/observability"
	"github.com/smallbiznis/spendguard/internal/quality"
	"github.com/smallbiznis/spendguard/internal/ratelimit"
	"github.com/smallbiznis/spendguard/internal/scheduler"
	"github.com/smallbiznis/spendguard/internal/server"
	"github.com/smallbiznis/spendguard/internal/shield"
	"github.com/smallbiznis/spendguard/internal/spend"
	"github.com/smallbiznis/spendguard/internal/vault"
	"github.com/smallbiznis/spendguard/internal/webhook"
	"github.com/smallbiznis/spendguard/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,

		// Guardrails
		ledger.Module,
		idempotency.Module,
		vault.Module,
		shield.Module,
		quality.Module,
		spend.Module,
		webhook.Module,
		authorization.Module,

		// The shield lives in this process, so its daily rollover runs here too.
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
