package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/gin-gonic/gin"
)

// NotificationRequest targets every client unless Client names one.
type NotificationRequest struct {
	ID      int    `json:"id"`
	Title   string `json:"title" binding:"required"`
	Content string `json:"content"`
	Ongoing bool   `json:"ongoing"`
	Client  string `json:"client,omitempty"`
}

type ResetButtonRequest struct {
	Hidden bool `json:"hidden"`
}

// POST /api/v1/notifications
func (s *Server) displayNotification(c *gin.Context) {
	var req NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("NOTIFY_400", "Invalid request body", err.Error()))
		return
	}

	ctx := c.Request.Context()
	if req.Client == "" {
		if !s.pushed(c, s.sensors.DisplayNotification(ctx, req.ID, req.Title, req.Content, req.Ongoing)) {
			return
		}
		c.Status(http.StatusAccepted)
		return
	}

	client, ok := s.clientByName(req.Client)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("CLIENT_404", "Client not connected", req.Client))
		return
	}
	if !s.pushed(c, s.sensors.DisplayNotificationTo(ctx, client, req.ID, req.Title, req.Content, req.Ongoing)) {
		return
	}
	c.Status(http.StatusAccepted)
}

// PUT /api/v1/reset-button
func (s *Server) setResetButton(c *gin.Context) {
	var req ResetButtonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RESET_400", "Invalid request body", err.Error()))
		return
	}

	if !s.pushed(c, s.sensors.HideResetButton(c.Request.Context(), req.Hidden)) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"hidden": req.Hidden})
}
