package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabulahq/tabula/internal/clock"
	"github.com/tabulahq/tabula/internal/config"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
	creditrepo "github.com/tabulahq/tabula/internal/credit/repository"
	creditservice "github.com/tabulahq/tabula/internal/credit/service"
	subscriptiondomain "github.com/tabulahq/tabula/internal/subscription/domain"
	subscriptionservice "github.com/tabulahq/tabula/internal/subscription/service"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type fixture struct {
	worker *Worker
	logs   *observer.ObservedLogs
	db     *gorm.DB
	userID snowflake.ID
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&creditdomain.Balance{},
		&creditdomain.UsageRecord{},
		&creditdomain.CreditGrant{},
		&creditdomain.ProcessedPaymentEvent{},
		&subscriptiondomain.Subscription{},
	))
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_balances_user_model ON balances(user_id, model)")
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_processed_payment_events_event_id ON processed_payment_events(event_id)")

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core)
	creditCfg := config.NewStaticCreditConfigHolder(config.DefaultCreditConfig())

	credits := creditservice.NewService(creditservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      creditrepo.Provide(),
		CreditCfg: creditCfg,
	})
	subscriptions := subscriptionservice.NewService(subscriptionservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		CreditCfg: creditCfg,
		Credits:   credits,
	})

	userID := node.Generate()
	_, err = subscriptions.Create(context.Background(), subscriptiondomain.CreateRequest{
		UserID: userID,
		Plan:   "basic",
	})
	require.NoError(t, err)

	worker := NewWorker(Params{
		Log:           log,
		Clock:         clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		CreditCfg:     creditCfg,
		Credits:       credits,
		Subscriptions: subscriptions,
	}, Config{PollInterval: time.Minute, RunTimeout: time.Minute})

	return &fixture{worker: worker, logs: logs, db: db, userID: userID}
}

func TestRunOnce_HealthyBalancesStaySilent(t *testing.T) {
	f := setupFixture(t)

	require.NoError(t, f.worker.RunOnce(context.Background()))

	assert.Zero(t, f.logs.FilterMessage("low credit balance").Len())
	assert.Zero(t, f.logs.FilterMessage("balance drift detected").Len())
}

func TestRunOnce_FlagsLowBalances(t *testing.T) {
	f := setupFixture(t)

	// Spend gpt-4 down past the alert threshold, recording usage so the
	// reconciliation identity still holds.
	var balance creditdomain.Balance
	require.NoError(t, f.db.Where("user_id = ? AND model = ?", f.userID, "gpt-4").First(&balance).Error)

	ctx := context.Background()
	credits := f.worker.credits
	spend := balance.Available - balance.Allocation/10
	for spend > 0 {
		step := spend
		if step > balance.Available {
			step = balance.Available
		}
		require.NoError(t, credits.Deduct(ctx, f.userID, creditdomain.ModelGPT4, step))
		spend -= step
	}

	require.NoError(t, f.worker.RunOnce(ctx))

	entries := f.logs.FilterMessage("low credit balance").All()
	require.NotEmpty(t, entries)
	fields := entries[0].ContextMap()
	assert.Equal(t, "gpt-4", fields["model"])
	assert.Zero(t, f.logs.FilterMessage("balance drift detected").Len())
}

func TestRunOnce_FlagsDrift(t *testing.T) {
	f := setupFixture(t)

	// Corrupt one balance behind the ledger's back.
	require.NoError(t, f.db.Exec(
		"UPDATE balances SET available = available + 5 WHERE user_id = ? AND model = ?",
		f.userID, "deepseek",
	).Error)

	require.NoError(t, f.worker.RunOnce(context.Background()))

	entries := f.logs.FilterMessage("balance drift detected").All()
	require.NotEmpty(t, entries)
	fields := entries[0].ContextMap()
	assert.Equal(t, "deepseek", fields["model"])
	assert.Equal(t, int64(-5), fields["drift"])
}

func TestRunOnce_CanceledSubscribersSkipped(t *testing.T) {
	f := setupFixture(t)

	_, err := f.worker.subscriptions.Cancel(context.Background(), f.userID)
	require.NoError(t, err)

	require.NoError(t, f.db.Exec(
		"UPDATE balances SET available = available + 5 WHERE user_id = ?", f.userID,
	).Error)

	require.NoError(t, f.worker.RunOnce(context.Background()))
	assert.Zero(t, f.logs.FilterMessage("balance drift detected").Len())
}
