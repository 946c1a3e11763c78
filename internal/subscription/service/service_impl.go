package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tabulahq/tabula/internal/config"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
	"github.com/tabulahq/tabula/internal/subscription/domain"
	"github.com/tabulahq/tabula/pkg/db"
	"github.com/tabulahq/tabula/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	CreditCfg *config.CreditConfigHolder
	Credits   creditdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	creditCfg *config.CreditConfigHolder
	credits   creditdomain.Service
	repo      repository.Repository[domain.Subscription]
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("subscription.service"),
		genID:     p.GenID,
		creditCfg: p.CreditCfg,
		credits:   p.Credits,
		repo:      repository.ProvideStore[domain.Subscription](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Subscription, error) {
	if req.UserID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}

	cfg := s.creditCfg.Get()
	plan := strings.ToLower(strings.TrimSpace(req.Plan))
	price, ok := cfg.Plans[plan]
	if !ok {
		return nil, domain.ErrPlanUnknown
	}

	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = "stripe"
	}

	now := time.Now().UTC()
	sub := &domain.Subscription{
		ID:                 s.genID.Generate(),
		UserID:             req.UserID,
		Plan:               plan,
		Status:             domain.StatusActive,
		Provider:           provider,
		ProviderCustomerID: strings.TrimSpace(req.ProviderCustomerID),
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrAlreadySubscribed
		}
		return nil, fmt.Errorf("%w: create subscription: %v", creditdomain.ErrStorage, err)
	}

	costs, err := creditdomain.CostTableFromConfig(cfg.ModelCosts)
	if err != nil {
		return nil, err
	}

	// The initial grant rides the same exactly-once path as provider
	// webhooks, keyed by the new subscription id. A retried Create after a
	// partial failure cannot double-grant.
	eventID := "sub_" + sub.ID.String()
	if _, err := s.credits.ApplyPayment(ctx, eventID, price, req.UserID, costs); err != nil {
		return nil, err
	}

	s.log.Info("subscription created",
		zap.String("user_id", req.UserID.String()),
		zap.String("plan", plan),
	)
	return sub, nil
}

func (s *Service) Get(ctx context.Context, userID snowflake.ID) (*domain.Subscription, error) {
	if userID == 0 {
		return nil, creditdomain.ErrInvalidUser
	}
	sub, err := s.repo.FindOne(ctx, &domain.Subscription{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("%w: find subscription: %v", creditdomain.ErrStorage, err)
	}
	if sub == nil {
		return nil, domain.ErrNotFound
	}
	return sub, nil
}

func (s *Service) Cancel(ctx context.Context, userID snowflake.ID) (*domain.Subscription, error) {
	sub, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	sub.Status = domain.StatusCanceled
	sub.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, sub); err != nil {
		return nil, err
	}

	s.log.Info("subscription canceled", zap.String("user_id", userID.String()))
	return sub, nil
}

func (s *Service) SyncStatus(ctx context.Context, update domain.StatusUpdate) (*domain.Subscription, error) {
	providerSubID := strings.TrimSpace(update.ProviderSubscriptionID)
	customerID := strings.TrimSpace(update.ProviderCustomerID)
	if providerSubID == "" && customerID == "" {
		return nil, domain.ErrNotFound
	}

	var sub *domain.Subscription
	var err error
	if providerSubID != "" {
		sub, err = s.repo.FindOne(ctx, &domain.Subscription{ProviderSubscriptionID: providerSubID})
		if err != nil {
			return nil, fmt.Errorf("%w: find subscription: %v", creditdomain.ErrStorage, err)
		}
	}
	if sub == nil && customerID != "" {
		sub, err = s.repo.FindOne(ctx, &domain.Subscription{ProviderCustomerID: customerID})
		if err != nil {
			return nil, fmt.Errorf("%w: find subscription: %v", creditdomain.ErrStorage, err)
		}
	}
	if sub == nil {
		return nil, domain.ErrNotFound
	}

	switch update.Status {
	case domain.StatusActive, domain.StatusPastDue, domain.StatusCanceled:
	default:
		return nil, fmt.Errorf("unsupported subscription status %q", update.Status)
	}

	sub.Status = update.Status
	if sub.ProviderSubscriptionID == "" {
		sub.ProviderSubscriptionID = providerSubID
	}
	if !update.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = update.CurrentPeriodEnd
	}
	sub.UpdatedAt = time.Now().UTC()
	if err := s.save(ctx, sub); err != nil {
		return nil, err
	}

	s.log.Info("subscription status synced",
		zap.String("provider_subscription_id", providerSubID),
		zap.String("status", string(update.Status)),
	)
	return sub, nil
}

func (s *Service) ResolveUserByCustomer(ctx context.Context, customerID string) (snowflake.ID, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return 0, domain.ErrCustomerUnknown
	}
	sub, err := s.repo.FindOne(ctx, &domain.Subscription{ProviderCustomerID: customerID})
	if err != nil {
		return 0, fmt.Errorf("%w: find subscription: %v", creditdomain.ErrStorage, err)
	}
	if sub == nil {
		return 0, domain.ErrCustomerUnknown
	}
	return sub.UserID, nil
}

func (s *Service) ListActive(ctx context.Context) ([]domain.Subscription, error) {
	items, err := s.repo.Find(ctx, &domain.Subscription{Status: domain.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("%w: list subscriptions: %v", creditdomain.ErrStorage, err)
	}
	subs := make([]domain.Subscription, 0, len(items))
	for _, item := range items {
		subs = append(subs, *item)
	}
	return subs, nil
}

func (s *Service) save(ctx context.Context, sub *domain.Subscription) error {
	err := s.db.WithContext(ctx).
		Model(&domain.Subscription{}).
		Where("id = ?", sub.ID).
		Updates(map[string]any{
			"status":                   sub.Status,
			"provider_subscription_id": sub.ProviderSubscriptionID,
			"current_period_end":       sub.CurrentPeriodEnd,
			"updated_at":               sub.UpdatedAt,
		}).Error
	if err != nil {
		return fmt.Errorf("%w: update subscription: %v", creditdomain.ErrStorage, err)
	}
	return nil
}
