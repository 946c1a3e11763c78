// Package domain contains persistence models for the credit ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Balance is the available credit count for one (user, model) pair.
// Available is never negative; Allocation is the cumulative granted total
// used as the low-credit baseline.
type Balance struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID     snowflake.ID `json:"user_id" gorm:"not null;uniqueIndex:ux_balances_user_model,priority:1"`
	Model      Model        `json:"model" gorm:"type:text;not null;uniqueIndex:ux_balances_user_model,priority:2"`
	Available  int64        `json:"available" gorm:"not null;default:0"`
	Allocation int64        `json:"allocation" gorm:"not null;default:0"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Balance) TableName() string { return "balances" }

// UsageRecord is an append-only entry written on every successful deduction.
type UsageRecord struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID     snowflake.ID `json:"user_id" gorm:"not null;index"`
	Model      Model        `json:"model" gorm:"type:text;not null"`
	Amount     int64        `json:"amount" gorm:"not null"`
	RecordedAt time.Time    `json:"recorded_at" gorm:"not null"`
	CreatedAt  time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// CreditSourceType classifies where granted credits came from.
type CreditSourceType string

const (
	SourcePurchase     CreditSourceType = "purchase"
	SourceSubscription CreditSourceType = "subscription"
	SourceBonus        CreditSourceType = "bonus"
)

// CreditGrant is an immutable record of credits issued from a payment.
type CreditGrant struct {
	ID           snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID       snowflake.ID      `json:"user_id" gorm:"not null;index"`
	Model        Model             `json:"model" gorm:"type:text;not null"`
	Credits      int64             `json:"credits" gorm:"not null"`
	SourceType   CreditSourceType  `json:"source_type" gorm:"type:text;not null"`
	SourceAmount float64           `json:"source_amount" gorm:"not null"`
	EventID      string            `json:"event_id,omitempty" gorm:"type:text;index"`
	Metadata     datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt    time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (CreditGrant) TableName() string { return "credit_grants" }

// ProcessedPaymentEvent is the idempotency index for ApplyPayment. The
// unique EventID constraint is the only exactly-once guarantee in the
// system; the row commits in the same transaction as its grants.
type ProcessedPaymentEvent struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	EventID        string            `json:"event_id" gorm:"type:text;not null;uniqueIndex:ux_processed_payment_events_event_id"`
	UserID         snowflake.ID      `json:"user_id" gorm:"not null;index"`
	Amount         float64           `json:"amount" gorm:"not null"`
	GrantedCredits datatypes.JSONMap `json:"granted_credits" gorm:"type:jsonb"`
	ProcessedAt    time.Time         `json:"processed_at" gorm:"not null"`
}

// TableName sets the database table name.
func (ProcessedPaymentEvent) TableName() string { return "processed_payment_events" }
