package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/gin-gonic/gin"
)

type SensorSpeedRequest struct {
	Speed string `json:"speed" binding:"required"`
}

type SensorRangeRequest struct {
	Range float32 `json:"range" binding:"required,gt=0"`
}

type SensorDescriptionRequest struct {
	Description string `json:"description"`
}

type ClientRange struct {
	Client types.NetworkDevice `json:"client"`
	Range  float32             `json:"range"`
}

// sensorParam resolves :sensor or writes a 400.
func sensorParam(c *gin.Context) (types.SensorType, bool) {
	sensor, err := types.ParseSensorType(c.Param("sensor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SENSOR_400", "Unknown sensor", c.Param("sensor")))
		return "", false
	}
	return sensor, true
}

// GET /api/v1/sensors
func (s *Server) listSensors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"known":    types.AllSensorTypes(),
		"required": s.sensors.RequiredSensors(),
		"speeds":   s.sensors.SensorSpeeds(),
	})
}

// PUT /api/v1/sensors/:sensor/speed
func (s *Server) setSensorSpeed(c *gin.Context) {
	sensor, ok := sensorParam(c)
	if !ok {
		return
	}

	var req SensorSpeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SENSOR_400", "Invalid request body", err.Error()))
		return
	}
	speed, err := types.ParseSensorSpeed(req.Speed)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SENSOR_400", "Unknown speed", req.Speed))
		return
	}

	if !s.pushed(c, s.sensors.SetSensorSpeed(c.Request.Context(), sensor, speed)) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"sensor": sensor, "speed": speed})
}

// PUT /api/v1/sensors/:sensor/range
func (s *Server) setSensorRange(c *gin.Context) {
	sensor, ok := sensorParam(c)
	if !ok {
		return
	}

	var req SensorRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SENSOR_400", "Invalid request body", err.Error()))
		return
	}

	s.sensors.SetSensorOutputRange(sensor, req.Range)
	c.JSON(http.StatusOK, gin.H{"sensor": sensor, "range": req.Range})
}

// GET /api/v1/sensors/:sensor/ranges
// Lists the maximum range each client reported for the sensor.
func (s *Server) getSensorRanges(c *gin.Context) {
	sensor, ok := sensorParam(c)
	if !ok {
		return
	}

	ranges := s.sensors.SensorMaximumRanges(sensor)
	response := make([]ClientRange, 0, len(ranges))
	for client, r := range ranges {
		response = append(response, ClientRange{Client: client, Range: r})
	}

	c.JSON(http.StatusOK, gin.H{
		"sensor": sensor,
		"ranges": response,
	})
}

// PUT /api/v1/sensors/:sensor/description
func (s *Server) setSensorDescription(c *gin.Context) {
	sensor, ok := sensorParam(c)
	if !ok {
		return
	}

	var req SensorDescriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SENSOR_400", "Invalid request body", err.Error()))
		return
	}

	if !s.pushed(c, s.sensors.SendSensorDescription(c.Request.Context(), sensor, req.Description)) {
		return
	}
	c.Status(http.StatusNoContent)
}
