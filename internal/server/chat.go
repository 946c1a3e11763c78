package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
)

type chatRequest struct {
	Model  string `json:"model" binding:"required"`
	Prompt string `json:"prompt" binding:"required"`
}

type chatResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	FreeTier  bool   `json:"free_tier,omitempty"`
	Remaining int64  `json:"remaining_credits"`
}

func (s *Server) Chat(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if model := strings.TrimSpace(req.Model); model != "" {
		c.Set("model", model)
	}

	if s.chatLimiter.Enabled() {
		result, err := s.chatLimiter.AllowUser(c.Request.Context(), userID.String())
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !result.Allowed {
			c.Header("Retry-After", result.RetryAfter.String())
			AbortWithError(c, ErrRateLimited)
			return
		}
	}

	decision, err := s.entitlementSvc.Authorize(c.Request.Context(), userID, creditdomain.Model(req.Model))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !decision.Allowed {
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: errorPayload{
			Type:    "forbidden",
			Code:    string(decision.Reason),
			Message: denialMessage(decision.Reason),
		}})
		return
	}

	// Credits are already consumed at this point. A provider failure is
	// reported to the caller but the deduction stands, matching the
	// one-request-one-credit accounting.
	output, err := s.provider.Invoke(c.Request.Context(), decision.Model, req.Prompt)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var remaining int64
	if !decision.FreeTier {
		remaining, err = s.creditSvc.GetBalance(c.Request.Context(), userID, decision.Model)
		if err != nil {
			AbortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, chatResponse{
		Model:     string(decision.Model),
		Response:  output,
		FreeTier:  decision.FreeTier,
		Remaining: remaining,
	})
}
