package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository owns the atomic SQL under the ledger. Every mutation relies on
// the store's own conditional update or unique constraint, never on an
// in-process lock, so correctness holds across multiple handler instances.
type Repository interface {
	GetBalance(ctx context.Context, db *gorm.DB, userID snowflake.ID, model Model) (*Balance, error)
	ListBalances(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]Balance, error)

	// DeductBalance performs a single conditional decrement. It reports
	// false when the balance is missing or insufficient; no row changes.
	DeductBalance(ctx context.Context, db *gorm.DB, userID snowflake.ID, model Model, amount int64) (bool, error)

	// UpsertCredit increments available and allocation, creating the
	// balance row on first grant.
	UpsertCredit(ctx context.Context, db *gorm.DB, id snowflake.ID, userID snowflake.ID, model Model, credits int64, now time.Time) error

	// InsertProcessedEvent claims an event id. It reports false when the
	// id was already claimed.
	InsertProcessedEvent(ctx context.Context, db *gorm.DB, event *ProcessedPaymentEvent) (bool, error)
	FindProcessedEvent(ctx context.Context, db *gorm.DB, eventID string) (*ProcessedPaymentEvent, error)

	SumGrants(ctx context.Context, db *gorm.DB, userID snowflake.ID, model Model) (int64, error)
	SumUsage(ctx context.Context, db *gorm.DB, userID snowflake.ID, model Model) (int64, error)
}
