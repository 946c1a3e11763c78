package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/tabulahq/tabula/internal/credit/domain"
)

type balanceView struct {
	Model      string `json:"model"`
	Available  int64  `json:"available"`
	Allocation int64  `json:"allocation"`
}

func (s *Server) ListCredits(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	balances, err := s.creditSvc.BalancesForUser(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]balanceView, 0, len(balances))
	for _, balance := range balances {
		views = append(views, balanceView{
			Model:      string(balance.Model),
			Available:  balance.Available,
			Allocation: balance.Allocation,
		})
	}
	c.JSON(http.StatusOK, gin.H{"balances": views})
}

func (s *Server) GetCredit(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	model, err := creditdomain.ParseModel(c.Param("model"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("model", string(model))

	available, err := s.creditSvc.GetBalance(c.Request.Context(), userID, model)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"model":     string(model),
		"available": available,
	})
}

func (s *Server) ListUsage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	req := creditdomain.ListUsageRequest{
		UserID:    userID.String(),
		Model:     c.Query("model"),
		PageToken: c.Query("page_token"),
	}
	if size := c.Query("page_size"); size != "" {
		parsed, err := strconv.Atoi(size)
		if err != nil || parsed < 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		req.PageSize = parsed
	}

	resp, err := s.creditSvc.ListUsage(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
