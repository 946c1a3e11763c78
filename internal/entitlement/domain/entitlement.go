package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
)

type DenialReason string

const (
	DenySubscriptionRequired DenialReason = "SUBSCRIPTION_REQUIRED"
	DenyInsufficientCredits  DenialReason = "INSUFFICIENT_CREDITS"
)

// Decision is the outcome of an authorization check. When Allowed is true one
// credit has already been consumed, except for the free tier which never
// touches balances.
type Decision struct {
	Allowed  bool               `json:"allowed"`
	Reason   DenialReason       `json:"reason,omitempty"`
	Model    creditdomain.Model `json:"model"`
	FreeTier bool               `json:"free_tier,omitempty"`
}

type Service interface {
	// Authorize gates one model invocation. A denial is a business outcome;
	// an error means the answer is unknown and the caller must not proceed.
	Authorize(ctx context.Context, userID snowflake.ID, model creditdomain.Model) (Decision, error)
}
