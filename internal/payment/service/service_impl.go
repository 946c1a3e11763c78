package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tabulahq/tabula/internal/config"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
	obsmetrics "github.com/tabulahq/tabula/internal/observability/metrics"
	"github.com/tabulahq/tabula/internal/payment/domain"
	"github.com/tabulahq/tabula/internal/payment/stripe"
	subscriptiondomain "github.com/tabulahq/tabula/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Config        config.Config
	CreditCfg     *config.CreditConfigHolder
	Credits       creditdomain.Service
	Subscriptions subscriptiondomain.Service
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	creditCfg     *config.CreditConfigHolder
	credits       creditdomain.Service
	subscriptions subscriptiondomain.Service
	adapters      map[string]domain.Adapter
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	adapters := map[string]domain.Adapter{}
	stripeAdapter := stripe.New(
		p.Config.StripeWebhookSecret,
		time.Duration(p.Config.StripeSigTolerance)*time.Second,
	)
	adapters[stripeAdapter.Name()] = stripeAdapter

	return &Service{
		log:           p.Log.Named("payment.service"),
		creditCfg:     p.CreditCfg,
		credits:       p.Credits,
		subscriptions: p.Subscriptions,
		adapters:      adapters,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Service) ProcessEvent(ctx context.Context, provider string, payload []byte, header http.Header) (*domain.Result, error) {
	adapter, ok := s.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, domain.ErrProviderUnknown
	}

	event, err := adapter.ParseEvent(payload, header)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			s.log.Debug("webhook event ignored",
				zap.String("provider", adapter.Name()),
				zap.String("detail", err.Error()),
			)
			return &domain.Result{Ignored: true}, nil
		}
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, string(event.Type))
	}

	switch event.Type {
	case domain.EventPaymentSucceeded:
		return s.applyPayment(ctx, event)
	case domain.EventSubscriptionUpdated:
		return s.syncSubscription(ctx, event, mapProviderStatus(event.Status))
	case domain.EventSubscriptionDeleted:
		return s.syncSubscription(ctx, event, subscriptiondomain.StatusCanceled)
	default:
		return &domain.Result{Event: event, Ignored: true}, nil
	}
}

func (s *Service) applyPayment(ctx context.Context, event *domain.Event) (*domain.Result, error) {
	if event.Amount <= 0 {
		// Zero-amount invoices happen on trials and proration; nothing to
		// grant.
		return &domain.Result{Event: event, Ignored: true}, nil
	}

	userID, err := s.subscriptions.ResolveUserByCustomer(ctx, event.ProviderCustomerID)
	if err != nil {
		return nil, fmt.Errorf("resolve customer %q: %w", event.ProviderCustomerID, err)
	}

	costs, err := creditdomain.CostTableFromConfig(s.creditCfg.Get().ModelCosts)
	if err != nil {
		return nil, err
	}

	application, err := s.credits.ApplyPayment(ctx, event.ID, event.Amount, userID, costs)
	if err != nil {
		return nil, err
	}
	return &domain.Result{Event: event, Application: application}, nil
}

func (s *Service) syncSubscription(ctx context.Context, event *domain.Event, status subscriptiondomain.Status) (*domain.Result, error) {
	sub, err := s.subscriptions.SyncStatus(ctx, subscriptiondomain.StatusUpdate{
		ProviderSubscriptionID: event.ProviderSubscriptionID,
		ProviderCustomerID:     event.ProviderCustomerID,
		Status:                 status,
		CurrentPeriodEnd:       event.CurrentPeriodEnd,
	})
	if err != nil {
		return nil, err
	}
	return &domain.Result{Event: event, Subscription: sub}, nil
}

func mapProviderStatus(status string) subscriptiondomain.Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return subscriptiondomain.StatusActive
	case "past_due", "unpaid":
		return subscriptiondomain.StatusPastDue
	case "canceled", "incomplete_expired":
		return subscriptiondomain.StatusCanceled
	default:
		return subscriptiondomain.StatusPastDue
	}
}
