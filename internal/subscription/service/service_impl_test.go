package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabulahq/tabula/internal/config"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
	creditrepo "github.com/tabulahq/tabula/internal/credit/repository"
	creditservice "github.com/tabulahq/tabula/internal/credit/service"
	"github.com/tabulahq/tabula/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupServices(t *testing.T) (domain.Service, creditdomain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&creditdomain.Balance{},
		&creditdomain.UsageRecord{},
		&creditdomain.CreditGrant{},
		&creditdomain.ProcessedPaymentEvent{},
		&domain.Subscription{},
	))
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_balances_user_model ON balances(user_id, model)")
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_processed_payment_events_event_id ON processed_payment_events(event_id)")
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_user ON subscriptions(user_id)")

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	creditCfg := config.NewStaticCreditConfigHolder(config.DefaultCreditConfig())
	credits := creditservice.NewService(creditservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      creditrepo.Provide(),
		CreditCfg: creditCfg,
	})
	subs := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		CreditCfg: creditCfg,
		Credits:   credits,
	})
	return subs, credits, db, node
}

func TestCreate_GrantsInitialCredits(t *testing.T) {
	subs, credits, _, node := setupServices(t)
	ctx := context.Background()
	userID := node.Generate()

	sub, err := subs.Create(ctx, domain.CreateRequest{UserID: userID, Plan: "Basic"})
	require.NoError(t, err)
	assert.Equal(t, "basic", sub.Plan)
	assert.Equal(t, domain.StatusActive, sub.Status)

	balances, err := credits.BalancesForUser(ctx, userID)
	require.NoError(t, err)
	assert.NotEmpty(t, balances)
	for _, balance := range balances {
		assert.Positive(t, balance.Available)
		assert.Equal(t, balance.Available, balance.Allocation)
	}
}

func TestCreate_UnknownPlanRejected(t *testing.T) {
	subs, _, _, node := setupServices(t)

	_, err := subs.Create(context.Background(), domain.CreateRequest{UserID: node.Generate(), Plan: "platinum"})
	assert.ErrorIs(t, err, domain.ErrPlanUnknown)
}

func TestCreate_SecondSubscriptionConflicts(t *testing.T) {
	subs, _, _, node := setupServices(t)
	ctx := context.Background()
	userID := node.Generate()

	_, err := subs.Create(ctx, domain.CreateRequest{UserID: userID, Plan: "basic"})
	require.NoError(t, err)

	_, err = subs.Create(ctx, domain.CreateRequest{UserID: userID, Plan: "pro"})
	assert.ErrorIs(t, err, domain.ErrAlreadySubscribed)
}

func TestCancel_KeepsCreditsSpendable(t *testing.T) {
	subs, credits, _, node := setupServices(t)
	ctx := context.Background()
	userID := node.Generate()

	_, err := subs.Create(ctx, domain.CreateRequest{UserID: userID, Plan: "pro"})
	require.NoError(t, err)

	canceled, err := subs.Cancel(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, canceled.Status)

	available, err := credits.GetBalance(ctx, userID, creditdomain.ModelGPT4)
	require.NoError(t, err)
	assert.Positive(t, available)
	require.NoError(t, credits.Deduct(ctx, userID, creditdomain.ModelGPT4, 1))
}

func TestSyncStatus_BySubscriptionID(t *testing.T) {
	subs, _, db, node := setupServices(t)
	ctx := context.Background()
	userID := node.Generate()

	created, err := subs.Create(ctx, domain.CreateRequest{UserID: userID, Plan: "basic", ProviderCustomerID: "cus_1"})
	require.NoError(t, err)

	require.NoError(t, db.Model(&domain.Subscription{}).
		Where("id = ?", created.ID).
		Update("provider_subscription_id", "sub_ext_1").Error)

	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	updated, err := subs.SyncStatus(ctx, domain.StatusUpdate{
		ProviderSubscriptionID: "sub_ext_1",
		Status:                 domain.StatusPastDue,
		CurrentPeriodEnd:       periodEnd,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPastDue, updated.Status)
	assert.Equal(t, periodEnd, updated.CurrentPeriodEnd)
}

func TestSyncStatus_FallsBackToCustomerID(t *testing.T) {
	subs, _, _, node := setupServices(t)
	ctx := context.Background()
	userID := node.Generate()

	_, err := subs.Create(ctx, domain.CreateRequest{UserID: userID, Plan: "basic", ProviderCustomerID: "cus_2"})
	require.NoError(t, err)

	updated, err := subs.SyncStatus(ctx, domain.StatusUpdate{
		ProviderSubscriptionID: "sub_ext_new",
		ProviderCustomerID:     "cus_2",
		Status:                 domain.StatusCanceled,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, updated.Status)
	// The provider's subscription id is learned for future lookups.
	assert.Equal(t, "sub_ext_new", updated.ProviderSubscriptionID)

	again, err := subs.SyncStatus(ctx, domain.StatusUpdate{
		ProviderSubscriptionID: "sub_ext_new",
		Status:                 domain.StatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, again.Status)
}

func TestSyncStatus_UnknownSubscription(t *testing.T) {
	subs, _, _, _ := setupServices(t)

	_, err := subs.SyncStatus(context.Background(), domain.StatusUpdate{
		ProviderSubscriptionID: "sub_missing",
		Status:                 domain.StatusCanceled,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveUserByCustomer(t *testing.T) {
	subs, _, _, node := setupServices(t)
	ctx := context.Background()
	userID := node.Generate()

	_, err := subs.Create(ctx, domain.CreateRequest{UserID: userID, Plan: "enterprise", ProviderCustomerID: "cus_3"})
	require.NoError(t, err)

	resolved, err := subs.ResolveUserByCustomer(ctx, "cus_3")
	require.NoError(t, err)
	assert.Equal(t, userID, resolved)

	_, err = subs.ResolveUserByCustomer(ctx, "cus_missing")
	assert.ErrorIs(t, err, domain.ErrCustomerUnknown)
}

func TestListActive_ExcludesCanceled(t *testing.T) {
	subs, _, _, node := setupServices(t)
	ctx := context.Background()

	active := node.Generate()
	canceled := node.Generate()
	_, err := subs.Create(ctx, domain.CreateRequest{UserID: active, Plan: "basic"})
	require.NoError(t, err)
	_, err = subs.Create(ctx, domain.CreateRequest{UserID: canceled, Plan: "basic"})
	require.NoError(t, err)
	_, err = subs.Cancel(ctx, canceled)
	require.NoError(t, err)

	list, err := subs.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, active, list[0].UserID)
}
