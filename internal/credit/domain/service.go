package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/tabulahq/tabula/pkg/db/pagination"
)

var (
	// ErrInsufficientCredits is an expected business denial, never retried.
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrUnknownModel        = errors.New("unknown_model")
	ErrDistributionConfig  = errors.New("distribution_config")
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidSourceType   = errors.New("invalid_source_type")

	// ErrStorage wraps transient infrastructure failures. Callers may retry
	// with backoff; it is never converted into an allow or deny.
	ErrStorage = errors.New("storage_unavailable")
)

// PaymentApplication is the recorded outcome of applying one payment event.
type PaymentApplication struct {
	EventID        string           `json:"event_id"`
	UserID         snowflake.ID     `json:"user_id"`
	Amount         float64          `json:"amount"`
	CompanyRevenue float64          `json:"company_revenue"`
	Credits        map[Model]int64  `json:"credits"`
	SourceType     CreditSourceType `json:"source_type"`
	// Duplicate marks a redelivery: the recorded prior result was returned
	// and no new credits were granted.
	Duplicate bool `json:"duplicate"`
}

type ListUsageRequest struct {
	UserID    string `json:"user_id"`
	Model     string `json:"model"`
	PageToken string `json:"page_token"`
	PageSize  int    `json:"page_size"`
}

type ListUsageResponse struct {
	pagination.PageInfo
	UsageRecords []UsageRecord `json:"usage_records"`
}

// BalanceDrift reports the reconciliation identity for one (user, model):
// Granted - Used must equal Available at any quiescent point.
type BalanceDrift struct {
	UserID    snowflake.ID `json:"user_id"`
	Model     Model        `json:"model"`
	Granted   int64        `json:"granted"`
	Used      int64        `json:"used"`
	Available int64        `json:"available"`
}

func (d BalanceDrift) Drift() int64 { return d.Granted - d.Used - d.Available }

type Service interface {
	// GetBalance returns the available credits, 0 when no record exists.
	GetBalance(ctx context.Context, userID snowflake.ID, model Model) (int64, error)

	// Deduct atomically consumes credits and appends a usage record, or
	// fails with ErrInsufficientCredits leaving state untouched.
	Deduct(ctx context.Context, userID snowflake.ID, model Model, amount int64) error

	// Credit grants credits for each model, raises allocations, and appends
	// one CreditGrant per model.
	Credit(ctx context.Context, userID snowflake.ID, credits map[Model]int64, sourceAmount float64, sourceType CreditSourceType) ([]CreditGrant, error)

	// ApplyPayment applies a payment exactly once per event id. Redelivery
	// returns the recorded result with Duplicate set.
	ApplyPayment(ctx context.Context, eventID string, amount float64, userID snowflake.ID, costs CostTable) (*PaymentApplication, error)

	// BalancesForUser lists every balance held by the user.
	BalancesForUser(ctx context.Context, userID snowflake.ID) ([]Balance, error)

	ListUsage(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)

	// Reconcile recomputes the grant/usage/balance identity for one key.
	Reconcile(ctx context.Context, userID snowflake.ID, model Model) (BalanceDrift, error)
}
