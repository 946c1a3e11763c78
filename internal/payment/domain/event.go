package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
	subscriptiondomain "github.com/tabulahq/tabula/internal/subscription/domain"
)

type EventType string

const (
	EventPaymentSucceeded    EventType = "payment_succeeded"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
)

var (
	ErrSignatureInvalid = errors.New("signature_invalid")
	ErrMalformedPayload = errors.New("malformed_payload")
	ErrProviderUnknown  = errors.New("provider_unknown")

	// ErrEventIgnored marks event types the ledger does not react to. The
	// webhook endpoint still acknowledges them so the provider stops
	// redelivering.
	ErrEventIgnored = errors.New("event_ignored")
)

// Event is the provider-neutral form of a webhook delivery.
type Event struct {
	ID                     string    `json:"id"`
	Type                   EventType `json:"type"`
	Provider               string    `json:"provider"`
	ProviderCustomerID     string    `json:"provider_customer_id"`
	ProviderSubscriptionID string    `json:"provider_subscription_id"`
	// Amount is the paid amount in the major currency unit.
	Amount           float64   `json:"amount"`
	Status           string    `json:"status"`
	CurrentPeriodEnd time.Time `json:"current_period_end"`
}

// Adapter verifies and translates one provider's webhook payloads.
type Adapter interface {
	Name() string
	ParseEvent(payload []byte, header http.Header) (*Event, error)
}

// Result reports what a processed event changed.
type Result struct {
	Event        *Event                           `json:"event"`
	Ignored      bool                             `json:"ignored"`
	Application  *creditdomain.PaymentApplication `json:"application,omitempty"`
	Subscription *subscriptiondomain.Subscription `json:"subscription,omitempty"`
}

type Service interface {
	// ProcessEvent verifies, translates, and applies one webhook delivery.
	ProcessEvent(ctx context.Context, provider string, payload []byte, header http.Header) (*Result, error)
}
