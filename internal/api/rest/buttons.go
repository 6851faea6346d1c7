package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/gin-gonic/gin"
)

type AddButtonRequest struct {
	ID   *int   `json:"id" binding:"required"`
	Name string `json:"name" binding:"required"`
}

type ButtonLayoutRequest struct {
	XML string `json:"xml"`
}

// GET /api/v1/buttons
func (s *Server) getLayout(c *gin.Context) {
	c.JSON(http.StatusOK, s.sensors.Layout())
}

// POST /api/v1/buttons
func (s *Server) addButton(c *gin.Context) {
	var req AddButtonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("BUTTON_400", "Invalid request body", err.Error()))
		return
	}

	err := s.sensors.AddButton(c.Request.Context(), req.Name, *req.ID)
	if errors.Is(err, types.ErrInvalidButtonID) {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("BUTTON_400", "Invalid button id", err.Error()))
		return
	}
	if !s.pushed(c, err) {
		return
	}
	c.JSON(http.StatusCreated, s.sensors.Layout())
}

// DELETE /api/v1/buttons/:id
func (s *Server) removeButton(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("BUTTON_400", "Invalid button id", c.Param("id")))
		return
	}

	if !s.pushed(c, s.sensors.RemoveButton(c.Request.Context(), id)) {
		return
	}
	c.JSON(http.StatusOK, s.sensors.Layout())
}

// DELETE /api/v1/buttons
func (s *Server) clearButtons(c *gin.Context) {
	if !s.pushed(c, s.sensors.ClearButtons(c.Request.Context())) {
		return
	}
	c.JSON(http.StatusOK, s.sensors.Layout())
}

// PUT /api/v1/buttons/layout
// An empty xml falls back to the button map.
func (s *Server) setButtonLayout(c *gin.Context) {
	var req ButtonLayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("BUTTON_400", "Invalid request body", err.Error()))
		return
	}

	if !s.pushed(c, s.sensors.SetButtonLayout(c.Request.Context(), req.XML)) {
		return
	}
	c.JSON(http.StatusOK, s.sensors.Layout())
}

// pushed writes a 502 when the change was stored but could not reach every
// client. It reports whether the handler may continue.
func (s *Server) pushed(c *gin.Context, err error) bool {
	if err == nil {
		return true
	}
	c.JSON(http.StatusBadGateway, types.NewErrorResponse("PUSH_502", "Change saved but not delivered to all clients", err.Error()))
	return false
}
