package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/tabulahq/tabula/internal/aiprovider"
	"github.com/tabulahq/tabula/internal/clock"
	"github.com/tabulahq/tabula/internal/config"
	"github.com/tabulahq/tabula/internal/credit"
	"github.com/tabulahq/tabula/internal/entitlement"
	"github.com/tabulahq/tabula/internal/migration"
	"github.com/tabulahq/tabula/internal/monitor"
	"github.com/tabulahq/tabula/internal/observability"
	"github.com/tabulahq/tabula/internal/payment"
	"github.com/tabulahq/tabula/internal/ratelimit"
	"github.com/tabulahq/tabula/internal/server"
	"github.com/tabulahq/tabula/internal/subscription"
	"github.com/tabulahq/tabula/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		credit.Module,
		subscription.Module,
		entitlement.Module,
		payment.Module,
		aiprovider.Module,
		ratelimit.Module,
		monitor.Module,

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
