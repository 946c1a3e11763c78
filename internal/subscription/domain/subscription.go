package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

var (
	ErrPlanUnknown       = errors.New("plan_unknown")
	ErrNotFound          = errors.New("subscription_not_found")
	ErrAlreadySubscribed = errors.New("already_subscribed")
	ErrCustomerUnknown   = errors.New("customer_unknown")
)

// Subscription ties a user to a billing plan. ProviderCustomerID and
// ProviderSubscriptionID are the payment provider's identifiers and are how
// webhook events find their way back to the user.
type Subscription struct {
	ID                     snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID                 snowflake.ID `json:"user_id" gorm:"index:ux_subscriptions_user,unique"`
	Plan                   string       `json:"plan"`
	Status                 Status       `json:"status"`
	Provider               string       `json:"provider"`
	ProviderCustomerID     string       `json:"provider_customer_id" gorm:"index"`
	ProviderSubscriptionID string       `json:"provider_subscription_id" gorm:"index"`
	CurrentPeriodEnd       time.Time    `json:"current_period_end"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// Active reports whether the subscription entitles the user right now.
func (s *Subscription) Active() bool {
	return s != nil && s.Status == StatusActive
}

type CreateRequest struct {
	UserID             snowflake.ID `json:"user_id"`
	Plan               string       `json:"plan"`
	Provider           string       `json:"provider"`
	ProviderCustomerID string       `json:"provider_customer_id"`
}

// StatusUpdate carries a provider-reported change. ProviderCustomerID is the
// fallback lookup key when the subscription id is not yet on record.
type StatusUpdate struct {
	ProviderSubscriptionID string    `json:"provider_subscription_id"`
	ProviderCustomerID     string    `json:"provider_customer_id"`
	Status                 Status    `json:"status"`
	CurrentPeriodEnd       time.Time `json:"current_period_end"`
}

type Service interface {
	// Create opens a subscription and grants the plan's initial credits.
	Create(ctx context.Context, req CreateRequest) (*Subscription, error)

	Get(ctx context.Context, userID snowflake.ID) (*Subscription, error)

	// Cancel marks the user's subscription canceled. Credits already
	// granted stay spendable.
	Cancel(ctx context.Context, userID snowflake.ID) (*Subscription, error)

	// SyncStatus applies a provider-reported status change, keyed by the
	// provider's subscription id.
	SyncStatus(ctx context.Context, update StatusUpdate) (*Subscription, error)

	// ResolveUserByCustomer maps a provider customer id to the owning user.
	ResolveUserByCustomer(ctx context.Context, customerID string) (snowflake.ID, error)

	ListActive(ctx context.Context) ([]Subscription, error)
}
