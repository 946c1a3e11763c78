package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tabulahq/tabula/internal/config"
	"github.com/tabulahq/tabula/internal/credit/domain"
	obsmetrics "github.com/tabulahq/tabula/internal/observability/metrics"
	"github.com/tabulahq/tabula/pkg/db/option"
	"github.com/tabulahq/tabula/pkg/db/pagination"
	"github.com/tabulahq/tabula/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// errAlreadyProcessed aborts the ApplyPayment transaction when another
// delivery already claimed the event id.
var errAlreadyProcessed = errors.New("payment_event_already_processed")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	CreditCfg  *config.CreditConfigHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	creditCfg  *config.CreditConfigHolder
	usageRepo  repository.Repository[domain.UsageRecord]
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		creditCfg:  p.CreditCfg,
		usageRepo:  repository.ProvideStore[domain.UsageRecord](p.DB),
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) GetBalance(ctx context.Context, userID snowflake.ID, model domain.Model) (int64, error) {
	if userID == 0 {
		return 0, domain.ErrInvalidUser
	}
	if _, err := domain.ParseModel(string(model)); err != nil {
		return 0, err
	}

	balance, err := s.repo.GetBalance(ctx, s.db, userID, model)
	if err != nil {
		return 0, storageErr("get balance", err)
	}
	if balance == nil {
		return 0, nil
	}
	return balance.Available, nil
}

func (s *Service) Deduct(ctx context.Context, userID snowflake.ID, model domain.Model, amount int64) error {
	if userID == 0 {
		return domain.ErrInvalidUser
	}
	if _, err := domain.ParseModel(string(model)); err != nil {
		return err
	}
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.DeductBalance(ctx, tx, userID, model, amount)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInsufficientCredits
		}

		now := time.Now().UTC()
		record := domain.UsageRecord{
			ID:         s.genID.Generate(),
			UserID:     userID,
			Model:      model,
			Amount:     amount,
			RecordedAt: now,
			CreatedAt:  now,
		}
		return tx.WithContext(ctx).Create(&record).Error
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			return domain.ErrInsufficientCredits
		}
		return storageErr("deduct", err)
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordDeduction(ctx, string(model))
	}
	return nil
}

func (s *Service) Credit(
	ctx context.Context,
	userID snowflake.ID,
	credits map[domain.Model]int64,
	sourceAmount float64,
	sourceType domain.CreditSourceType,
) ([]domain.CreditGrant, error) {
	if userID == 0 {
		return nil, domain.ErrInvalidUser
	}
	if err := validateSourceType(sourceType); err != nil {
		return nil, err
	}

	var grants []domain.CreditGrant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		grants, txErr = s.creditInTx(ctx, tx, userID, credits, sourceAmount, sourceType, "")
		return txErr
	})
	if err != nil {
		return nil, storageErr("credit", err)
	}

	for _, grant := range grants {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordCreditGrant(ctx, string(grant.Model), string(sourceType))
		}
	}
	return grants, nil
}

func (s *Service) ApplyPayment(
	ctx context.Context,
	eventID string,
	amount float64,
	userID snowflake.ID,
	costs domain.CostTable,
) (*domain.PaymentApplication, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, domain.ErrInvalidAmount
	}
	if userID == 0 {
		return nil, domain.ErrInvalidUser
	}

	dist, err := domain.Distribute(amount, costs, s.creditCfg.Get().CompanyShare)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	application := &domain.PaymentApplication{
		EventID:        eventID,
		UserID:         userID,
		Amount:         amount,
		CompanyRevenue: dist.CompanyRevenue,
		Credits:        dist.Credits,
		SourceType:     domain.SourceSubscription,
	}

	// The processed-event claim and the grants commit together: a crash
	// between them can never leave the marker set without credits, and two
	// racing deliveries cannot both observe "not yet processed".
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.repo.InsertProcessedEvent(ctx, tx, &domain.ProcessedPaymentEvent{
			ID:             s.genID.Generate(),
			EventID:        eventID,
			UserID:         userID,
			Amount:         amount,
			GrantedCredits: creditsToJSON(dist.Credits),
			ProcessedAt:    now,
		})
		if err != nil {
			return err
		}
		if !claimed {
			return errAlreadyProcessed
		}

		_, err = s.creditInTx(ctx, tx, userID, dist.Credits, amount, domain.SourceSubscription, eventID)
		return err
	})
	if err != nil {
		if errors.Is(err, errAlreadyProcessed) {
			return s.recordedApplication(ctx, eventID)
		}
		return nil, storageErr("apply payment", err)
	}

	for model := range dist.Credits {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordCreditGrant(ctx, string(model), string(domain.SourceSubscription))
		}
	}
	s.log.Info("payment applied",
		zap.String("event_id", eventID),
		zap.String("user_id", userID.String()),
		zap.Float64("amount", amount),
	)
	return application, nil
}

func (s *Service) BalancesForUser(ctx context.Context, userID snowflake.ID) ([]domain.Balance, error) {
	if userID == 0 {
		return nil, domain.ErrInvalidUser
	}
	balances, err := s.repo.ListBalances(ctx, s.db, userID)
	if err != nil {
		return nil, storageErr("list balances", err)
	}
	return balances, nil
}

func (s *Service) ListUsage(ctx context.Context, req domain.ListUsageRequest) (domain.ListUsageResponse, error) {
	userID, err := snowflake.ParseString(strings.TrimSpace(req.UserID))
	if err != nil || userID == 0 {
		return domain.ListUsageResponse{}, domain.ErrInvalidUser
	}

	filter := &domain.UsageRecord{UserID: userID}
	if model := strings.TrimSpace(req.Model); model != "" {
		parsed, err := domain.ParseModel(model)
		if err != nil {
			return domain.ListUsageResponse{}, err
		}
		filter.Model = parsed
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}

	items, err := s.usageRepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  pageSize,
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return domain.ListUsageResponse{}, storageErr("list usage", err)
	}

	pageInfo, items := pagination.BuildCursorPageInfo(items, pageSize, func(record *domain.UsageRecord) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: record.ID.String()})
		return token
	})

	records := make([]domain.UsageRecord, 0, len(items))
	for _, item := range items {
		records = append(records, *item)
	}
	return domain.ListUsageResponse{
		PageInfo:     *pageInfo,
		UsageRecords: records,
	}, nil
}

func (s *Service) Reconcile(ctx context.Context, userID snowflake.ID, model domain.Model) (domain.BalanceDrift, error) {
	if userID == 0 {
		return domain.BalanceDrift{}, domain.ErrInvalidUser
	}
	if _, err := domain.ParseModel(string(model)); err != nil {
		return domain.BalanceDrift{}, err
	}

	granted, err := s.repo.SumGrants(ctx, s.db, userID, model)
	if err != nil {
		return domain.BalanceDrift{}, storageErr("sum grants", err)
	}
	used, err := s.repo.SumUsage(ctx, s.db, userID, model)
	if err != nil {
		return domain.BalanceDrift{}, storageErr("sum usage", err)
	}
	available, err := s.GetBalance(ctx, userID, model)
	if err != nil {
		return domain.BalanceDrift{}, err
	}

	return domain.BalanceDrift{
		UserID:    userID,
		Model:     model,
		Granted:   granted,
		Used:      used,
		Available: available,
	}, nil
}

func (s *Service) creditInTx(
	ctx context.Context,
	tx *gorm.DB,
	userID snowflake.ID,
	credits map[domain.Model]int64,
	sourceAmount float64,
	sourceType domain.CreditSourceType,
	eventID string,
) ([]domain.CreditGrant, error) {
	now := time.Now().UTC()
	grants := make([]domain.CreditGrant, 0, len(credits))

	for _, model := range sortedModels(credits) {
		amount := credits[model]
		if amount < 0 {
			return nil, domain.ErrInvalidAmount
		}
		if _, err := domain.ParseModel(string(model)); err != nil {
			return nil, err
		}
		if amount == 0 {
			continue
		}

		if err := s.repo.UpsertCredit(ctx, tx, s.genID.Generate(), userID, model, amount, now); err != nil {
			return nil, err
		}

		grant := domain.CreditGrant{
			ID:           s.genID.Generate(),
			UserID:       userID,
			Model:        model,
			Credits:      amount,
			SourceType:   sourceType,
			SourceAmount: sourceAmount,
			EventID:      eventID,
			CreatedAt:    now,
		}
		if err := tx.WithContext(ctx).Create(&grant).Error; err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}

	return grants, nil
}

func (s *Service) recordedApplication(ctx context.Context, eventID string) (*domain.PaymentApplication, error) {
	stored, err := s.repo.FindProcessedEvent(ctx, s.db, eventID)
	if err != nil {
		return nil, storageErr("load processed event", err)
	}
	if stored == nil {
		// Claimed by a concurrent delivery whose transaction has not
		// committed yet; the caller retries and hits the recorded result.
		return nil, storageErr("load processed event", errors.New("event claim not yet visible"))
	}

	s.log.Info("duplicate payment event ignored", zap.String("event_id", eventID))
	return &domain.PaymentApplication{
		EventID:    stored.EventID,
		UserID:     stored.UserID,
		Amount:     stored.Amount,
		Credits:    creditsFromJSON(stored.GrantedCredits),
		SourceType: domain.SourceSubscription,
		Duplicate:  true,
	}, nil
}

func validateSourceType(sourceType domain.CreditSourceType) error {
	switch sourceType {
	case domain.SourcePurchase, domain.SourceSubscription, domain.SourceBonus:
		return nil
	default:
		return domain.ErrInvalidSourceType
	}
}

func sortedModels(credits map[domain.Model]int64) []domain.Model {
	models := make([]domain.Model, 0, len(credits))
	for model := range credits {
		models = append(models, model)
	}
	sort.Slice(models, func(i, j int) bool { return models[i] < models[j] })
	return models
}

func creditsToJSON(credits map[domain.Model]int64) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for model, amount := range credits {
		out[string(model)] = amount
	}
	return out
}

func creditsFromJSON(raw datatypes.JSONMap) map[domain.Model]int64 {
	out := make(map[domain.Model]int64, len(raw))
	for model, value := range raw {
		switch v := value.(type) {
		case float64:
			out[domain.Model(model)] = int64(v)
		case int64:
			out[domain.Model(model)] = v
		}
	}
	return out
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorage, op, err)
}
