package rest

import (
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	defaultSessionLimit = 100
	maxSessionLimit     = 1000
)

// GET /api/v1/sessions?limit=N
func (s *Server) listSessions(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("SESSIONS_503", "Session journal not enabled", nil))
		return
	}

	limit := defaultSessionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("SESSIONS_400", "Invalid limit", raw))
			return
		}
		limit = min(n, maxSessionLimit)
	}

	sessions, err := s.journal.ListSessions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("SESSIONS_500", "Failed to list sessions", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
