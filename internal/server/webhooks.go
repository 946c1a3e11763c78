package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// HandleWebhook accepts provider callbacks. Ignored event types are still
// acknowledged with 200 so the provider stops retrying them.
func (s *Server) HandleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.paymentSvc.ProcessEvent(
		c.Request.Context(),
		c.Param("provider"),
		payload,
		c.Request.Header,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Ignored {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}
