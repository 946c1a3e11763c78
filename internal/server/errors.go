package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
	entitlementdomain "github.com/tabulahq/tabula/internal/entitlement/domain"
	paymentdomain "github.com/tabulahq/tabula/internal/payment/domain"
	subscriptiondomain "github.com/tabulahq/tabula/internal/subscription/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}

	case errors.Is(err, creditdomain.ErrInsufficientCredits):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Code:    "INSUFFICIENT_CREDITS",
			Message: "not enough credits for this model",
		}

	case errors.Is(err, subscriptiondomain.ErrAlreadySubscribed):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    "already_subscribed",
			Message: "an active subscription already exists",
		}

	case errors.Is(err, subscriptiondomain.ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "subscription not found",
		}

	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}

	case errors.Is(err, paymentdomain.ErrProviderUnknown):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "unknown payment provider",
		}

	case errors.Is(err, paymentdomain.ErrSignatureInvalid):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_signature",
			Message: "webhook signature verification failed",
		}

	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}

	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    validationCode(err),
			Message: "invalid request",
		}

	case errors.Is(err, creditdomain.ErrStorage):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service temporarily unavailable",
		}

	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, creditdomain.ErrUnknownModel),
		errors.Is(err, creditdomain.ErrInvalidUser),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidSourceType),
		errors.Is(err, subscriptiondomain.ErrPlanUnknown),
		errors.Is(err, paymentdomain.ErrMalformedPayload):
		return true
	default:
		return false
	}
}

func validationCode(err error) string {
	switch {
	case errors.Is(err, creditdomain.ErrUnknownModel):
		return "unknown_model"
	case errors.Is(err, subscriptiondomain.ErrPlanUnknown):
		return "plan_unknown"
	case errors.Is(err, paymentdomain.ErrMalformedPayload):
		return "malformed_payload"
	default:
		return "invalid_request"
	}
}

func denialMessage(reason entitlementdomain.DenialReason) string {
	switch reason {
	case entitlementdomain.DenySubscriptionRequired:
		return "an active subscription is required for this model"
	case entitlementdomain.DenyInsufficientCredits:
		return "not enough credits for this model"
	default:
		return "forbidden"
	}
}

func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server_error", payload.Type
	case status == http.StatusForbidden:
		return "denial", payload.Code
	default:
		return "client_error", payload.Type
	}
}
