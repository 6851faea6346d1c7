package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/api/rest"
	"github.com/KevinKickass/OpenSensorCore/internal/api/websocket"
	"github.com/KevinKickass/OpenSensorCore/internal/auth"
	"github.com/KevinKickass/OpenSensorCore/internal/bridge"
	"github.com/KevinKickass/OpenSensorCore/internal/config"
	"github.com/KevinKickass/OpenSensorCore/internal/control"
	"github.com/KevinKickass/OpenSensorCore/internal/metrics"
	"github.com/KevinKickass/OpenSensorCore/internal/server"
	"github.com/KevinKickass/OpenSensorCore/internal/storage"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// LifecycleManager starts and stops the sensor server together with the
// control API, the live monitor and the optional journal and NATS bridge.
type LifecycleManager struct {
	config      *config.Config
	authService *auth.Service
	metrics     *metrics.Metrics
	logger      *zap.Logger

	hub       *websocket.Hub
	hubCancel context.CancelFunc
	hubDone   chan struct{}
	sensors   *server.Server
	storage   *storage.PostgresClient
	journal   *storage.Journal
	nats      *nats.Conn

	restServer *rest.Server
	restErrs   <-chan error

	stateMu      sync.RWMutex
	currentState SystemState
	lastErr      error

	listenersMu     sync.RWMutex
	statusListeners []chan SystemStatus

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, authService *auth.Service, logger *zap.Logger) *LifecycleManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LifecycleManager{
		config:       cfg,
		authService:  authService,
		metrics:      metrics.New(),
		logger:       logger,
		currentState: StateInitializing,
		shutdownChan: make(chan struct{}),
	}
}

// Start brings every component up. On failure the components started so far
// are released again and the manager is left in StateError.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenSensorCore")

	if err := lm.start(ctx); err != nil {
		lm.setError(err)
		lm.releaseResources()
		return err
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.String("name", lm.config.Server.Name),
		zap.Int("discovery_port", lm.sensors.DiscoveryPort()),
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("journal_enabled", lm.journal != nil),
		zap.Bool("nats_enabled", lm.nats != nil))

	return nil
}

func (lm *LifecycleManager) start(ctx context.Context) error {
	hubCtx, hubCancel := context.WithCancel(context.Background())
	lm.hub = websocket.NewHub(lm.authService, lm.logger)
	lm.hubCancel = hubCancel
	lm.hubDone = make(chan struct{})
	go func() {
		defer close(lm.hubDone)
		lm.hub.Run(hubCtx)
	}()
	monitor := websocket.NewMonitor(lm.hub)

	clients := server.ClientListeners{admissionLog{logger: lm.logger.Named("clients")}, monitor}

	if lm.config.Database.Enabled {
		if err := lm.startJournal(ctx); err != nil {
			return err
		}
		clients = append(clients, lm.journal)
	}

	lm.sensors = server.New(server.Config{
		Name:          lm.config.Server.Name,
		BindHost:      lm.config.Network.BindHost,
		DiscoveryPort: lm.config.Server.DiscoveryPort,
		DialTimeout:   lm.config.Network.DialTimeout,
		Watch:         lm.config.Watchdog.WatchConfig(),
		ClientMaximum: lm.config.Server.ClientMaximum,
	}, server.Handlers{
		Clients: clients,
		Buttons: server.ButtonListeners{monitor, buttonLog{logger: lm.logger.Named("buttons")}},
		Reset:   resetLog{logger: lm.logger.Named("buttons")},
		Commands: server.CommandFunc(func(client types.NetworkDevice, cmd control.Command) {
			lm.logger.Debug("Unhandled client command",
				zap.String("client", client.String()),
				zap.String("type", string(cmd.Type())))
		}),
	}, lm.metrics, lm.logger)

	if err := lm.applySensorConfig(ctx); err != nil {
		return err
	}
	if err := lm.applyButtonLayout(ctx); err != nil {
		return err
	}
	if err := lm.registerSinks(); err != nil {
		return err
	}

	if err := lm.sensors.Start(); err != nil {
		return fmt.Errorf("failed to start sensor server: %w", err)
	}

	return lm.startRESTServer()
}

func (lm *LifecycleManager) startJournal(ctx context.Context) error {
	db, err := storage.NewPostgresClient(ctx, lm.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	lm.storage = db

	if n, err := db.CloseOpenSessions(ctx, storage.EndShutdown, time.Now()); err != nil {
		lm.logger.Warn("Failed to close stale sessions", zap.Error(err))
	} else if n > 0 {
		lm.logger.Info("Closed stale sessions", zap.Int64("count", n))
	}

	lm.journal = storage.NewJournal(db, lm.logger)
	return nil
}

func (lm *LifecycleManager) applySensorConfig(ctx context.Context) error {
	ranges, err := lm.config.Sensors.ParsedOutputRanges()
	if err != nil {
		return err
	}
	for sensor, r := range ranges {
		lm.sensors.SetSensorOutputRange(sensor, r)
	}

	speeds, err := lm.config.Sensors.ParsedSpeeds()
	if err != nil {
		return err
	}
	for sensor, speed := range speeds {
		if err := lm.sensors.SetSensorSpeed(ctx, sensor, speed); err != nil {
			return fmt.Errorf("failed to set speed of %s: %w", sensor, err)
		}
	}
	return nil
}

func (lm *LifecycleManager) applyButtonLayout(ctx context.Context) error {
	path := lm.config.Buttons.LayoutFile
	if path == "" {
		return nil
	}

	layout, err := config.LoadButtonLayout(path)
	if err != nil {
		return err
	}
	if err := layout.Apply(ctx, lm.sensors); err != nil {
		return fmt.Errorf("failed to apply button layout: %w", err)
	}

	lm.logger.Info("Button layout loaded", zap.String("file", path))
	return nil
}

// registerSinks subscribes the live monitor and the NATS bridge to the streamed sensors.
func (lm *LifecycleManager) registerSinks() error {
	stream, err := lm.config.Sensors.ParsedStream()
	if err != nil {
		return err
	}

	sinks := []types.DataSink{websocket.NewSensorSink(lm.hub)}

	if lm.config.NATS.Enabled() {
		nc, err := bridge.Connect(lm.config.NATS, lm.config.Server.Name, lm.logger)
		if err != nil {
			return err
		}
		lm.nats = nc
		sinks = append(sinks, bridge.NewNatsSink(nc, lm.config.NATS.SubjectPrefix, lm.logger))
		lm.logger.Info("NATS bridge enabled", zap.String("url", lm.config.NATS.URL))
	}

	for _, sensor := range stream {
		for _, sink := range sinks {
			if err := lm.sensors.RegisterDataSink(sensor, sink); err != nil {
				return fmt.Errorf("failed to register sink for %s: %w", sensor, err)
			}
		}
	}
	return nil
}

func (lm *LifecycleManager) startRESTServer() error {
	deps := rest.Deps{
		Sensors: lm.sensors,
		Hub:     lm.hub,
		Auth:    lm.authService,
		Metrics: lm.metrics,
		Logger:  lm.logger,
	}
	if lm.storage != nil {
		deps.Journal = lm.storage
	}

	lm.restServer = rest.NewServer(lm.config.Server, deps)
	lm.restErrs = lm.restServer.Start()
	return nil
}

// Errors reports failures of the REST listener after Start.
func (lm *LifecycleManager) Errors() <-chan error {
	return lm.restErrs
}

// Sensors returns the sensor server facade, nil before Start.
func (lm *LifecycleManager) Sensors() *server.Server {
	return lm.sensors
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)
		lm.releaseResources()

		lm.setState(StateStopped)

		close(lm.shutdownChan)
	})

	return shutdownErr
}

// Done is closed once Shutdown completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 1. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lm.restServer.Shutdown(ctx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// 2. Sensor server: discovery, sessions, then the journal rows they leave open
	if lm.sensors != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lm.sensors.Close()
			if lm.journal != nil {
				lm.journal.CloseAll()
			}
		}()
	}

	// Wait for all shutdowns
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errChan)
		var errs []error
		for err := range errChan {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return errors.Join(errs...)
		}
		lm.logger.Info("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// releaseResources closes what outlives the sessions: NATS, database and hub.
func (lm *LifecycleManager) releaseResources() {
	if lm.nats != nil {
		if err := lm.nats.Drain(); err != nil {
			lm.logger.Warn("NATS drain failed", zap.Error(err))
		}
		lm.nats = nil
	}
	if lm.storage != nil {
		lm.storage.Close()
		lm.storage = nil
	}
	if lm.hubCancel != nil {
		lm.hubCancel()
		<-lm.hubDone
		lm.hubCancel = nil
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected state change", zap.Error(err))
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))

	lm.stateMu.Lock()
	lm.currentState = StateError
	lm.lastErr = err
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

// Status returns the current system state.
func (lm *LifecycleManager) Status() SystemStatus {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()

	status := SystemStatus{
		State:     lm.currentState,
		Timestamp: time.Now().Unix(),
	}
	if lm.lastErr != nil {
		status.Error = lm.lastErr.Error()
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	status := lm.Status()

	if lm.hub != nil {
		lm.hub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, status))
	}

	lm.listenersMu.RLock()
	defer lm.listenersMu.RUnlock()

	for _, listener := range lm.statusListeners {
		select {
		case listener <- status:
		default:
			// Channel full, skip
		}
	}
}

// SubscribeStatus subscribes to status updates
func (lm *LifecycleManager) SubscribeStatus() chan SystemStatus {
	ch := make(chan SystemStatus, 10)

	lm.listenersMu.Lock()
	lm.statusListeners = append(lm.statusListeners, ch)
	lm.listenersMu.Unlock()

	return ch
}

// UnsubscribeStatus unsubscribes from status updates
func (lm *LifecycleManager) UnsubscribeStatus(ch chan SystemStatus) {
	lm.listenersMu.Lock()
	defer lm.listenersMu.Unlock()

	for i, listener := range lm.statusListeners {
		if listener == ch {
			lm.statusListeners = append(lm.statusListeners[:i], lm.statusListeners[i+1:]...)
			close(ch)
			break
		}
	}
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}
