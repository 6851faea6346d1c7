// Package server puts discovery, sessions and routing together. A Server
// always advertises one unbound session through the discovery responder; once
// a client binds it, the session joins the manager and a fresh one is
// advertised until the client maximum is reached.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/control"
	"github.com/KevinKickass/OpenSensorCore/internal/discovery"
	"github.com/KevinKickass/OpenSensorCore/internal/metrics"
	"github.com/KevinKickass/OpenSensorCore/internal/routing"
	"github.com/KevinKickass/OpenSensorCore/internal/session"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

// DefaultDiscoveryPort is the port clients broadcast to unless configured otherwise.
const DefaultDiscoveryPort = 8888

// NoClientMaximum disables the client limit.
const NoClientMaximum = -1

// Config of a Server. A ClientMaximum of zero or less means no limit; a
// DiscoveryPort of zero picks an ephemeral port.
type Config struct {
	Name          string
	BindHost      string
	DiscoveryPort int
	DialTimeout   time.Duration
	Watch         control.WatchConfig
	ClientMaximum int
}

type Server struct {
	cfg      Config
	handlers Handlers
	logger   *zap.Logger

	responder *discovery.Responder
	manager   *session.Manager
	router    *routing.Router

	mu      sync.Mutex
	running bool
	unbound *session.ClientConnection
	maximum int
}

// New wires a server. Nothing listens before Start.
func New(cfg Config, handlers Handlers, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = control.DefaultDialTimeout
	}
	if cfg.ClientMaximum <= 0 {
		cfg.ClientMaximum = NoClientMaximum
	}

	s := &Server{
		cfg:      cfg,
		handlers: handlers.withDefaults(logger),
		logger:   logger.Named("server"),
		maximum:  cfg.ClientMaximum,
	}

	s.router = routing.NewRouter(nil, logger)
	s.manager = session.NewManager(session.Config{
		ServerName:  cfg.Name,
		BindHost:    cfg.BindHost,
		DialTimeout: cfg.DialTimeout,
		Watch:       cfg.Watch,
	}, session.ManagerDeps{
		Requests:   s,
		Clients:    s.handlers.Clients,
		Loss:       s,
		Commands:   s,
		Sink:       s.router,
		Exceptions: s.handlers.Exceptions,
		Metrics:    m,
		Logger:     logger,
	})
	s.router.SetUpdater(s.manager)

	s.responder = discovery.NewResponder(types.NewNetworkDevice(cfg.Name, 0, 0),
		cfg.BindHost, cfg.DiscoveryPort, s.handlers.Exceptions, logger)

	return s
}

// Start opens the first unbound session and starts answering discovery requests.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true

	if err := s.advertiseLocked(); err != nil {
		s.running = false
		return fmt.Errorf("start server %q: %w", s.cfg.Name, err)
	}

	s.logger.Info("Server started",
		zap.String("name", s.cfg.Name),
		zap.Int("discovery_port", s.responder.LocalPort()))
	return nil
}

// Close stops discovery and ends every session, telling bound clients.
func (s *Server) Close() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	unbound := s.unbound
	s.unbound = nil
	s.mu.Unlock()

	s.responder.Stop()
	if unbound != nil {
		unbound.Close()
	}
	s.manager.CloseAll()

	s.logger.Info("Server stopped", zap.String("name", s.cfg.Name))
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Name() string {
	return s.cfg.Name
}

// DiscoveryPort is the port the responder is bound to, or was last bound to.
func (s *Server) DiscoveryPort() int {
	return s.responder.LocalPort()
}

// Advertised returns the identification currently answered to discovery
// requests; ok is false while discovery is paused or stopped.
func (s *Server) Advertised() (types.NetworkDevice, bool) {
	return s.responder.Self(), s.responder.IsRunning()
}

// advertise reports failures instead of returning them; it runs on session goroutines.
func (s *Server) advertise() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.advertiseLocked(); err != nil {
		s.handlers.Exceptions.OnException("server", err, "advertise session")
	}
}

func (s *Server) advertiseLocked() error {
	if !s.running {
		return nil
	}

	if s.maximumReachedLocked() {
		if s.responder.IsRunning() {
			s.logger.Info("Client maximum reached, discovery paused",
				zap.Int("maximum", s.maximum))
		}
		s.responder.Stop()
		return nil
	}

	if s.unbound == nil || s.unbound.State() != session.StateUnbound {
		conn, err := s.manager.UnboundHandler()
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		s.unbound = conn
	}

	s.responder.SetSelf(s.unbound.Self())
	return s.responder.Start()
}

func (s *Server) maximumReachedLocked() bool {
	return s.maximum != NoClientMaximum && s.manager.ClientCount() >= s.maximum
}

// OnConnectionRequest implements session.RequestHandler.
func (s *Server) OnConnectionRequest(conn *session.ClientConnection, req control.ConnectionRequest) {
	client := req.Self
	ctx := context.Background()

	s.mu.Lock()
	full := s.maximumReachedLocked()
	s.mu.Unlock()

	accept := !full && s.handlers.Clients.AcceptClient(client)
	if full {
		s.logger.Info("Rejecting client, maximum reached", zap.Stringer("client", client))
	}

	if err := conn.HandleConnectionRequest(ctx, client, accept); err != nil {
		s.handlers.Exceptions.OnException("server", err, "connection request of "+client.String())
	}
	if !accept {
		return
	}

	if conn.State() != session.StateBound {
		s.advertise()
		return
	}

	if err := s.manager.AddHandler(ctx, conn); err != nil {
		s.handlers.Exceptions.OnException("server", err, "synchronize "+client.String())
	}
	if conn.State() == session.StateBound {
		s.handlers.Clients.OnClientAccepted(client)
	}
	s.advertise()
}

// OnClientCommand implements session.CommandListener.
func (s *Server) OnClientCommand(client types.NetworkDevice, cmd control.Command) {
	switch cmd := cmd.(type) {
	case control.ButtonClick:
		s.handlers.Buttons.OnButtonClick(cmd.Click(), client)
	case control.ResetToCenter:
		s.handlers.Reset.OnResetPosition(client)
	default:
		s.handlers.Commands.OnCommand(client, cmd)
	}
}

// OnClientLoss implements types.ClientLossListener.
func (s *Server) OnClientLoss(client types.NetworkDevice) {
	s.router.RemoveOrigin(client)
	s.advertise()
}

// RegisterDataSink subscribes sink to sensor readings of every client.
func (s *Server) RegisterDataSink(sensor types.SensorType, sink types.DataSink) error {
	return s.router.Register(sensor, nil, sink)
}

// RegisterDataSinkFor subscribes sink to sensor readings of one client only.
func (s *Server) RegisterDataSinkFor(sensor types.SensorType, origin types.NetworkDevice, sink types.DataSink) error {
	return s.router.Register(sensor, &origin, sink)
}

func (s *Server) UnregisterDataSink(sink types.DataSink) {
	s.router.Unregister(sink)
}

func (s *Server) UnregisterDataSinkSensor(sink types.DataSink, sensor types.SensorType) {
	s.router.UnregisterSensor(sink, sensor)
}

func (s *Server) RequiredSensors() []types.SensorType {
	return s.router.RequiredSensors()
}

func (s *Server) AddButton(ctx context.Context, name string, id int) error {
	return s.manager.AddButton(ctx, name, id)
}

func (s *Server) RemoveButton(ctx context.Context, id int) error {
	return s.manager.RemoveButton(ctx, id)
}

func (s *Server) ClearButtons(ctx context.Context) error {
	return s.manager.ClearButtons(ctx)
}

// SetButtonLayout replaces the button map with an XML layout descriptor.
func (s *Server) SetButtonLayout(ctx context.Context, xml string) error {
	return s.manager.SetButtonLayout(ctx, xml)
}

func (s *Server) Layout() session.Layout {
	return s.manager.Layout()
}

func (s *Server) SetSensorSpeed(ctx context.Context, sensor types.SensorType, speed types.SensorSpeed) error {
	return s.manager.SetSensorSpeed(ctx, sensor, speed)
}

func (s *Server) SensorSpeeds() map[types.SensorType]types.SensorSpeed {
	return s.manager.SensorSpeeds()
}

// SetSensorOutputRange sets the range readings of sensor are scaled to.
func (s *Server) SetSensorOutputRange(sensor types.SensorType, outputRange float32) {
	s.manager.SetSensorOutputRange(sensor, outputRange)
}

func (s *Server) SensorMaximumRange(client types.NetworkDevice, sensor types.SensorType) (float32, bool) {
	return s.manager.SensorMaximumRange(client, sensor)
}

func (s *Server) SensorMaximumRanges(sensor types.SensorType) map[types.NetworkDevice]float32 {
	return s.manager.SensorMaximumRanges(sensor)
}

func (s *Server) DisplayNotification(ctx context.Context, id int, title, content string, ongoing bool) error {
	return s.manager.DisplayNotification(ctx, id, title, content, ongoing)
}

func (s *Server) DisplayNotificationTo(ctx context.Context, client types.NetworkDevice, id int, title, content string, ongoing bool) error {
	return s.manager.DisplayNotificationTo(ctx, client, id, title, content, ongoing)
}

func (s *Server) HideResetButton(ctx context.Context, hidden bool) error {
	return s.manager.HideResetButton(ctx, hidden)
}

func (s *Server) SendSensorDescription(ctx context.Context, sensor types.SensorType, description string) error {
	return s.manager.SendSensorDescription(ctx, sensor, description)
}

// DisconnectClient ends the session of client. It reports whether the client was connected.
func (s *Server) DisconnectClient(client types.NetworkDevice) bool {
	if !s.manager.Close(client) {
		return false
	}
	s.router.RemoveOrigin(client)
	s.advertise()
	return true
}

// Clients lists the bound clients.
func (s *Server) Clients() []types.NetworkDevice {
	return s.manager.Clients()
}

// SetClientMaximum limits the number of bound clients. Existing sessions are
// kept when the new maximum is below the current count.
func (s *Server) SetClientMaximum(maximum int) {
	if maximum < 0 {
		maximum = NoClientMaximum
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.maximum = maximum
	if err := s.advertiseLocked(); err != nil {
		s.handlers.Exceptions.OnException("server", err, "advertise session")
	}
}

// ClientMaximum returns the limit; ok is false when there is none.
func (s *Server) ClientMaximum() (maximum int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maximum, s.maximum != NoClientMaximum
}

func (s *Server) RemoveClientMaximum() {
	s.SetClientMaximum(NoClientMaximum)
}
