package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/tabulahq/tabula/internal/config"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
	"github.com/tabulahq/tabula/internal/entitlement/domain"
	obsmetrics "github.com/tabulahq/tabula/internal/observability/metrics"
	subscriptiondomain "github.com/tabulahq/tabula/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log           *zap.Logger
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
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:           p.Log.Named("entitlement.service"),
		creditCfg:     p.CreditCfg,
		credits:       p.Credits,
		subscriptions: p.Subscriptions,
		obsMetrics:    p.ObsMetrics,
	}
}

func (s *Service) Authorize(ctx context.Context, userID snowflake.ID, model creditdomain.Model) (domain.Decision, error) {
	if userID == 0 {
		return domain.Decision{}, creditdomain.ErrInvalidUser
	}
	parsed, err := creditdomain.ParseModel(string(model))
	if err != nil {
		return domain.Decision{}, err
	}

	if string(parsed) == s.creditCfg.Get().FreeTierModel {
		return domain.Decision{Allowed: true, Model: parsed, FreeTier: true}, nil
	}

	sub, err := s.subscriptions.Get(ctx, userID)
	if err != nil && !errors.Is(err, subscriptiondomain.ErrNotFound) {
		return domain.Decision{}, err
	}
	if !sub.Active() {
		return s.deny(ctx, parsed, domain.DenySubscriptionRequired), nil
	}

	if err := s.credits.Deduct(ctx, userID, parsed, 1); err != nil {
		if errors.Is(err, creditdomain.ErrInsufficientCredits) {
			return s.deny(ctx, parsed, domain.DenyInsufficientCredits), nil
		}
		return domain.Decision{}, err
	}

	return domain.Decision{Allowed: true, Model: parsed}, nil
}

func (s *Service) deny(ctx context.Context, model creditdomain.Model, reason domain.DenialReason) domain.Decision {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordDenial(ctx, string(model), string(reason))
	}
	s.log.Info("authorization denied",
		zap.String("model", string(model)),
		zap.String("reason", string(reason)),
	)
	return domain.Decision{Allowed: false, Model: model, Reason: reason}
}
