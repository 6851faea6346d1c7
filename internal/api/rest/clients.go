package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/clients
func (s *Server) listClients(c *gin.Context) {
	clients := s.sensors.Clients()
	c.JSON(http.StatusOK, gin.H{
		"clients": clients,
		"count":   len(clients),
	})
}

// DELETE /api/v1/clients/:name
func (s *Server) disconnectClient(c *gin.Context) {
	name := c.Param("name")

	client, ok := s.clientByName(name)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("CLIENT_404", "Client not connected", name))
		return
	}

	if !s.sensors.DisconnectClient(client) {
		// Left between lookup and disconnect
		c.JSON(http.StatusNotFound, types.NewErrorResponse("CLIENT_404", "Client not connected", name))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "client disconnected", "client": client})
}

func (s *Server) clientByName(name string) (types.NetworkDevice, bool) {
	for _, client := range s.sensors.Clients() {
		if client.Name == name {
			return client, true
		}
	}
	return types.NetworkDevice{}, false
}

// GET /api/v1/clients/maximum
func (s *Server) getClientMaximum(c *gin.Context) {
	maximum, ok := s.sensors.ClientMaximum()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"maximum": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"maximum": maximum})
}

// PUT /api/v1/clients/maximum
func (s *Server) setClientMaximum(c *gin.Context) {
	var req struct {
		Maximum *int `json:"maximum" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CLIENT_400", "Invalid request body", err.Error()))
		return
	}
	if *req.Maximum < 0 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CLIENT_400", "Maximum must not be negative", *req.Maximum))
		return
	}

	s.sensors.SetClientMaximum(*req.Maximum)
	c.JSON(http.StatusOK, gin.H{"maximum": *req.Maximum})
}

// DELETE /api/v1/clients/maximum
func (s *Server) removeClientMaximum(c *gin.Context) {
	s.sensors.RemoveClientMaximum()
	c.Status(http.StatusNoContent)
}
