package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tabulahq/tabula/internal/config"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
	entitlementdomain "github.com/tabulahq/tabula/internal/entitlement/domain"
	paymentdomain "github.com/tabulahq/tabula/internal/payment/domain"
	subscriptiondomain "github.com/tabulahq/tabula/internal/subscription/domain"
)

type fakeCreditService struct {
	balances map[creditdomain.Model]int64
}

func (f *fakeCreditService) GetBalance(ctx context.Context, userID snowflake.ID, model creditdomain.Model) (int64, error) {
	return f.balances[model], nil
}

func (f *fakeCreditService) Deduct(context.Context, snowflake.ID, creditdomain.Model, int64) error {
	return nil
}

func (f *fakeCreditService) Credit(context.Context, snowflake.ID, map[creditdomain.Model]int64, float64, creditdomain.CreditSourceType) ([]creditdomain.CreditGrant, error) {
	return nil, nil
}

func (f *fakeCreditService) ApplyPayment(context.Context, string, float64, snowflake.ID, creditdomain.CostTable) (*creditdomain.PaymentApplication, error) {
	return nil, nil
}

func (f *fakeCreditService) BalancesForUser(ctx context.Context, userID snowflake.ID) ([]creditdomain.Balance, error) {
	balances := make([]creditdomain.Balance, 0, len(f.balances))
	for model, available := range f.balances {
		balances = append(balances, creditdomain.Balance{
			UserID:    userID,
			Model:     model,
			Available: available,
		})
	}
	return balances, nil
}

func (f *fakeCreditService) ListUsage(context.Context, creditdomain.ListUsageRequest) (creditdomain.ListUsageResponse, error) {
	return creditdomain.ListUsageResponse{}, nil
}

func (f *fakeCreditService) Reconcile(context.Context, snowflake.ID, creditdomain.Model) (creditdomain.BalanceDrift, error) {
	return creditdomain.BalanceDrift{}, nil
}

type fakeEntitlementService struct {
	decision entitlementdomain.Decision
	err      error
}

func (f *fakeEntitlementService) Authorize(ctx context.Context, userID snowflake.ID, model creditdomain.Model) (entitlementdomain.Decision, error) {
	if f.err != nil {
		return entitlementdomain.Decision{}, f.err
	}
	decision := f.decision
	decision.Model = model
	return decision, nil
}

type fakeSubscriptionService struct {
	sub *subscriptiondomain.Subscription
}

func (f *fakeSubscriptionService) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (*subscriptiondomain.Subscription, error) {
	if _, ok := config.DefaultCreditConfig().Plans[req.Plan]; !ok {
		return nil, subscriptiondomain.ErrPlanUnknown
	}
	return &subscriptiondomain.Subscription{UserID: req.UserID, Plan: req.Plan, Status: subscriptiondomain.StatusActive}, nil
}

func (f *fakeSubscriptionService) Get(context.Context, snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if f.sub == nil {
		return nil, subscriptiondomain.ErrNotFound
	}
	return f.sub, nil
}

func (f *fakeSubscriptionService) Cancel(context.Context, snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return f.sub, nil
}

func (f *fakeSubscriptionService) SyncStatus(context.Context, subscriptiondomain.StatusUpdate) (*subscriptiondomain.Subscription, error) {
	return f.sub, nil
}

func (f *fakeSubscriptionService) ResolveUserByCustomer(context.Context, string) (snowflake.ID, error) {
	return 0, subscriptiondomain.ErrCustomerUnknown
}

func (f *fakeSubscriptionService) ListActive(context.Context) ([]subscriptiondomain.Subscription, error) {
	return nil, nil
}

type fakePaymentService struct {
	result *paymentdomain.Result
	err    error
}

func (f *fakePaymentService) ProcessEvent(context.Context, string, []byte, http.Header) (*paymentdomain.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeProvider struct{}

func (fakeProvider) Invoke(ctx context.Context, model creditdomain.Model, prompt string) (string, error) {
	return "echo: " + prompt, nil
}

func newTestServer(t *testing.T, entitlements *fakeEntitlementService, payments *fakePaymentService) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	return NewServer(ServerParams{
		Gin:   engine,
		Cfg:   config.Config{},
		GenID: node,
		CreditSvc: &fakeCreditService{balances: map[creditdomain.Model]int64{
			creditdomain.ModelGPT4: 42,
		}},
		EntitlementSvc:  entitlements,
		SubscriptionSvc: &fakeSubscriptionService{},
		PaymentSvc:      payments,
		Provider:        fakeProvider{},
	})
}

func doRequest(s *Server, method, path, userID string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func TestAPIRoutes_RequireUserHeader(t *testing.T) {
	s := newTestServer(t, &fakeEntitlementService{}, &fakePaymentService{})

	w := doRequest(s, http.MethodGet, "/v1/credits", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(s, http.MethodGet, "/v1/credits", "not-a-snowflake", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetCredit_UnknownModelRejected(t *testing.T) {
	s := newTestServer(t, &fakeEntitlementService{}, &fakePaymentService{})

	w := doRequest(s, http.MethodGet, "/v1/credits/gpt-9000", "1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unknown_model", resp.Error.Code)
}

func TestGetCredit_ReturnsBalance(t *testing.T) {
	s := newTestServer(t, &fakeEntitlementService{}, &fakePaymentService{})

	w := doRequest(s, http.MethodGet, "/v1/credits/gpt-4", "1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(42), resp["available"])
}

func TestChat_DeniedMapsTo403WithCode(t *testing.T) {
	s := newTestServer(t, &fakeEntitlementService{
		decision: entitlementdomain.Decision{
			Allowed: false,
			Reason:  entitlementdomain.DenySubscriptionRequired,
		},
	}, &fakePaymentService{})

	body := []byte(`{"model": "gpt-4", "prompt": "hi"}`)
	w := doRequest(s, http.MethodPost, "/v1/chat", "1", body)
	require.Equal(t, http.StatusForbidden, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "SUBSCRIPTION_REQUIRED", resp.Error.Code)
}

func TestChat_AllowedInvokesProvider(t *testing.T) {
	s := newTestServer(t, &fakeEntitlementService{
		decision: entitlementdomain.Decision{Allowed: true},
	}, &fakePaymentService{})

	body := []byte(`{"model": "gpt-4", "prompt": "hi"}`)
	w := doRequest(s, http.MethodPost, "/v1/chat", "1", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "echo: hi", resp.Response)
	assert.Equal(t, int64(42), resp.Remaining)
}

func TestChat_MissingFieldsRejected(t *testing.T) {
	s := newTestServer(t, &fakeEntitlementService{}, &fakePaymentService{})

	w := doRequest(s, http.MethodPost, "/v1/chat", "1", []byte(`{"model": "gpt-4"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSubscription_UnknownPlanRejected(t *testing.T) {
	s := newTestServer(t, &fakeEntitlementService{}, &fakePaymentService{})

	w := doRequest(s, http.MethodPost, "/v1/subscriptions", "1", []byte(`{"plan": "platinum"}`))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "plan_unknown", resp.Error.Code)
}

func TestWebhook_UnknownProviderIs404(t *testing.T) {
	s := newTestServer(t, &fakeEntitlementService{}, &fakePaymentService{err: paymentdomain.ErrProviderUnknown})

	w := doRequest(s, http.MethodPost, "/v1/webhooks/braintree", "", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhook_BadSignatureIs400(t *testing.T) {
	s := newTestServer(t, &fakeEntitlementService{}, &fakePaymentService{err: paymentdomain.ErrSignatureInvalid})

	w := doRequest(s, http.MethodPost, "/v1/webhooks/stripe", "", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_IgnoredEventStillAcknowledged(t *testing.T) {
	s := newTestServer(t, &fakeEntitlementService{}, &fakePaymentService{
		result: &paymentdomain.Result{Ignored: true},
	})

	w := doRequest(s, http.MethodPost, "/v1/webhooks/stripe", "", []byte(`{}`))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ignored"])
}
