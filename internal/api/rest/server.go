package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/api/websocket"
	"github.com/KevinKickass/OpenSensorCore/internal/auth"
	"github.com/KevinKickass/OpenSensorCore/internal/config"
	"github.com/KevinKickass/OpenSensorCore/internal/interfaces"
	"github.com/KevinKickass/OpenSensorCore/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	sensors     interfaces.SensorServer
	journal     interfaces.SessionJournal
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.Service
	metrics     *metrics.Metrics
}

// Deps are the collaborators of the REST server. Journal and Metrics may be nil.
type Deps struct {
	Sensors interfaces.SensorServer
	Journal interfaces.SessionJournal
	Hub     *websocket.Hub
	Auth    *auth.Service
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		router:      gin.New(),
		sensors:     deps.Sensors,
		journal:     deps.Journal,
		logger:      logger.Named("rest"),
		wsHub:       deps.Hub,
		authService: deps.Auth,
		metrics:     deps.Metrics,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start serves in the background. Listener failures are reported on the
// returned channel.
func (s *Server) Start() <-chan error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	errs := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("REST server failed: %w", err)
		}
		close(errs)
	}()
	return errs
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH (PUBLIC) ====================
		v1.POST("/auth/login", s.login)

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		v1.GET("/ws/live", s.wsLiveConnection)

		api := v1.Group("")
		api.Use(s.authService.Middleware())

		// ==================== STATUS (VIEWER+) ====================
		api.GET("/status", auth.RequirePermission(auth.PermView), s.getStatus)
		api.GET("/ws/status", auth.RequirePermission(auth.PermView), s.wsStatus)
		api.GET("/sessions", auth.RequirePermission(auth.PermView), s.listSessions)

		// ==================== CLIENTS ====================
		clients := api.Group("/clients")
		{
			clients.GET("", auth.RequirePermission(auth.PermView), s.listClients)
			clients.DELETE("/:name", auth.RequirePermission(auth.PermAdmin), s.disconnectClient)
			clients.GET("/maximum", auth.RequirePermission(auth.PermView), s.getClientMaximum)
			clients.PUT("/maximum", auth.RequirePermission(auth.PermAdmin), s.setClientMaximum)
			clients.DELETE("/maximum", auth.RequirePermission(auth.PermAdmin), s.removeClientMaximum)
		}

		// ==================== BUTTONS ====================
		buttons := api.Group("/buttons")
		{
			buttons.GET("", auth.RequirePermission(auth.PermView), s.getLayout)
			buttons.POST("", auth.RequirePermission(auth.PermControl), s.addButton)
			buttons.DELETE("", auth.RequirePermission(auth.PermControl), s.clearButtons)
			buttons.DELETE("/:id", auth.RequirePermission(auth.PermControl), s.removeButton)
			buttons.PUT("/layout", auth.RequirePermission(auth.PermControl), s.setButtonLayout)
		}

		// ==================== SENSORS ====================
		sensors := api.Group("/sensors")
		{
			sensors.GET("", auth.RequirePermission(auth.PermView), s.listSensors)
			sensors.PUT("/:sensor/speed", auth.RequirePermission(auth.PermControl), s.setSensorSpeed)
			sensors.PUT("/:sensor/range", auth.RequirePermission(auth.PermControl), s.setSensorRange)
			sensors.GET("/:sensor/ranges", auth.RequirePermission(auth.PermView), s.getSensorRanges)
			sensors.PUT("/:sensor/description", auth.RequirePermission(auth.PermControl), s.setSensorDescription)
		}

		// ==================== CLIENT UI (OPERATOR+) ====================
		api.POST("/notifications", auth.RequirePermission(auth.PermControl), s.displayNotification)
		api.PUT("/reset-button", auth.RequirePermission(auth.PermControl), s.setResetButton)
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if !s.sensors.IsRunning() {
		status = "stopped"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().Unix(),
	})
}

// GET /api/v1/status
func (s *Server) getStatus(c *gin.Context) {
	_, advertising := s.sensors.Advertised()
	status := interfaces.ServerStatus{
		Name:            s.sensors.Name(),
		Running:         s.sensors.IsRunning(),
		Advertising:     advertising,
		DiscoveryPort:   s.sensors.DiscoveryPort(),
		ClientCount:     len(s.sensors.Clients()),
		RequiredSensors: s.sensors.RequiredSensors(),
	}
	if maximum, ok := s.sensors.ClientMaximum(); ok {
		status.ClientMaximum = &maximum
	}
	c.JSON(http.StatusOK, status)
}
