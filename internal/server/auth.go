package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obsmiddleware "github.com/tabulahq/tabula/internal/observability/logger"
)

const userIDHeader = "X-User-Id"

// UserAuthRequired resolves the caller from the gateway-injected user header.
// The gateway terminates sessions; by the time a request lands here the
// header is trusted.
func (s *Server) UserAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(userIDHeader))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		userID, err := snowflake.ParseString(raw)
		if err != nil || userID == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set("user_id", userID)
		ctx := obsmiddleware.WithUserID(c.Request.Context(), userID.String())
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

func currentUserID(c *gin.Context) (snowflake.ID, bool) {
	value, ok := c.Get("user_id")
	if !ok {
		return 0, false
	}
	userID, ok := value.(snowflake.ID)
	return userID, ok && userID != 0
}
