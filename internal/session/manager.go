package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"

	"github.com/KevinKickass/OpenSensorCore/internal/control"
	"github.com/KevinKickass/OpenSensorCore/internal/metrics"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

type ManagerDeps struct {
	Requests   RequestHandler
	Clients    types.ClientListener
	Loss       types.ClientLossListener
	Commands   CommandListener
	Sink       types.DataSink
	Exceptions types.ExceptionListener
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Layout is the button layout pushed to clients: either a map of buttons or an XML descriptor.
type Layout struct {
	Buttons map[int]string `json:"buttons,omitempty"`
	XML     string         `json:"xml,omitempty"`
}

func (l Layout) IsXML() bool {
	return l.XML != ""
}

// Manager owns the bound sessions and the state every one of them must share:
// required sensors, button layout, sensor speeds and output ranges.
//
// mu guards the pool and the canonical state and is never held during I/O.
// pushMu serializes every mutation together with its fan-out, so each session
// sees updates in mutation order.
type Manager struct {
	cfg    Config
	deps   ManagerDeps
	logger *zap.Logger

	pushMu sync.Mutex

	mu           sync.Mutex
	sessions     []*ClientConnection
	required     []types.SensorType
	buttons      map[int]string
	buttonXML    string
	speeds       map[types.SensorType]types.SensorSpeed
	outputRanges map[types.SensorType]float32
}

func NewManager(cfg Config, deps ManagerDeps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:          cfg,
		deps:         deps,
		logger:       deps.Logger.Named("manager"),
		buttons:      make(map[int]string),
		speeds:       make(map[types.SensorType]types.SensorSpeed),
		outputRanges: make(map[types.SensorType]float32),
	}
}

// SetLossListener sets who is told after a bound client left.
func (m *Manager) SetLossListener(loss types.ClientLossListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps.Loss = loss
}

// UnboundHandler creates a fresh connection ready to be advertised.
func (m *Manager) UnboundHandler() (*ClientConnection, error) {
	m.mu.Lock()
	cfg := m.cfg
	cfg.OutputRanges = make(map[types.SensorType]float32, len(m.outputRanges))
	for sensor, r := range m.outputRanges {
		cfg.OutputRanges[sensor] = r
	}
	m.mu.Unlock()

	return NewClientConnection(cfg, Deps{
		Requests:   m.deps.Requests,
		Lifecycle:  m,
		Unexpected: m,
		Commands:   m.deps.Commands,
		Sink:       m.deps.Sink,
		Exceptions: m.deps.Exceptions,
		Metrics:    m.deps.Metrics,
		Logger:     m.deps.Logger,
	})
}

// AddHandler adds a freshly bound connection to the pool and pushes the full
// current state to it. Output ranges set since UnboundHandler are applied first.
func (m *Manager) AddHandler(ctx context.Context, conn *ClientConnection) error {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()

	if conn.State() != StateBound {
		return fmt.Errorf("add session %s: %w", conn.ID(), types.ErrSessionClosed)
	}

	m.mu.Lock()
	for sensor, outputRange := range m.outputRanges {
		conn.SetOutputRange(sensor, outputRange)
	}
	if !slices.Contains(m.sessions, conn) {
		m.sessions = append(m.sessions, conn)
	}
	required := slices.Clone(m.required)
	layout := m.layoutLocked()
	speeds := m.speedsLocked()
	m.mu.Unlock()

	return errors.Join(
		conn.UpdateSensors(ctx, required),
		pushLayout(ctx, conn, layout),
		conn.UpdateSpeeds(ctx, speeds),
	)
}

// Close ends the session of client. It reports whether such a session existed.
func (m *Manager) Close(client types.NetworkDevice) bool {
	m.mu.Lock()
	conn := m.findLocked(func(c *ClientConnection) bool {
		device, _ := c.Client()
		return device.Equal(client)
	})
	if conn != nil {
		m.removeLocked(conn)
	}
	m.mu.Unlock()

	if conn == nil {
		return false
	}
	conn.CloseAndSignal()
	return true
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = nil
	m.mu.Unlock()

	for _, conn := range sessions {
		conn.CloseAndSignal()
	}
}

func (m *Manager) AddButton(ctx context.Context, name string, id int) error {
	if id < 0 {
		return fmt.Errorf("add button %q with id %d: %w", name, id, types.ErrInvalidButtonID)
	}
	return m.mutateLayout(ctx, func() {
		m.buttons[id] = name
		m.buttonXML = ""
	})
}

func (m *Manager) RemoveButton(ctx context.Context, id int) error {
	return m.mutateLayout(ctx, func() {
		delete(m.buttons, id)
		m.buttonXML = ""
	})
}

func (m *Manager) ClearButtons(ctx context.Context) error {
	return m.mutateLayout(ctx, func() {
		clear(m.buttons)
		m.buttonXML = ""
	})
}

// SetButtonLayout replaces the button map with an XML layout. An empty layout
// falls back to the button map.
func (m *Manager) SetButtonLayout(ctx context.Context, xml string) error {
	return m.mutateLayout(ctx, func() {
		m.buttonXML = xml
	})
}

func (m *Manager) Layout() Layout {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layoutLocked()
}

func (m *Manager) mutateLayout(ctx context.Context, change func()) error {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()

	m.mu.Lock()
	change()
	layout := m.layoutLocked()
	m.mu.Unlock()

	return m.fanOut(func(conn *ClientConnection) error {
		return pushLayout(ctx, conn, layout)
	})
}

func (m *Manager) SetSensorSpeed(ctx context.Context, sensor types.SensorType, speed types.SensorSpeed) error {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()

	m.mu.Lock()
	m.speeds[sensor] = speed
	speeds := m.speedsLocked()
	m.mu.Unlock()

	return m.fanOut(func(conn *ClientConnection) error {
		return conn.UpdateSpeeds(ctx, speeds)
	})
}

func (m *Manager) SensorSpeeds() map[types.SensorType]types.SensorSpeed {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speedsLocked()
}

// SetSensorOutputRange sets the range readings of sensor are scaled to, for
// current and future sessions.
func (m *Manager) SetSensorOutputRange(sensor types.SensorType, outputRange float32) {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()

	m.mu.Lock()
	m.outputRanges[sensor] = outputRange
	sessions := slices.Clone(m.sessions)
	m.mu.Unlock()

	for _, conn := range sessions {
		conn.SetOutputRange(sensor, outputRange)
	}
}

// UpdateSensors implements types.SensorRequirementUpdater.
func (m *Manager) UpdateSensors(sensors []types.SensorType) error {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()

	m.mu.Lock()
	m.required = slices.Clone(sensors)
	m.mu.Unlock()

	return m.fanOut(func(conn *ClientConnection) error {
		return conn.UpdateSensors(context.Background(), sensors)
	})
}

func (m *Manager) RequiredSensors() []types.SensorType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.required)
}

func (m *Manager) DisplayNotification(ctx context.Context, id int, title, content string, ongoing bool) error {
	return m.broadcast(func(conn *ClientConnection) error {
		return conn.DisplayNotification(ctx, id, title, content, ongoing)
	})
}

// DisplayNotificationTo shows a notification on a single client.
func (m *Manager) DisplayNotificationTo(ctx context.Context, client types.NetworkDevice, id int, title, content string, ongoing bool) error {
	conn := m.Handler(client)
	if conn == nil {
		return fmt.Errorf("notify %s: %w", client, types.ErrNotConnected)
	}
	return conn.DisplayNotification(ctx, id, title, content, ongoing)
}

func (m *Manager) SendSensorDescription(ctx context.Context, sensor types.SensorType, description string) error {
	return m.broadcast(func(conn *ClientConnection) error {
		return conn.SendSensorDescription(ctx, sensor, description)
	})
}

func (m *Manager) HideResetButton(ctx context.Context, hidden bool) error {
	return m.broadcast(func(conn *ClientConnection) error {
		return conn.HideResetButton(ctx, hidden)
	})
}

// HandlerByAddress returns the session bound to ip, or nil.
func (m *Manager) HandlerByAddress(ip net.IP) *ClientConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(func(c *ClientConnection) bool {
		return c.clientAddress().Equal(ip)
	})
}

// Handler returns the session bound to client, or nil.
func (m *Manager) Handler(client types.NetworkDevice) *ClientConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(func(c *ClientConnection) bool {
		device, _ := c.Client()
		return device.Equal(client)
	})
}

func (m *Manager) Sessions() []*ClientConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sessions)
}

func (m *Manager) Clients() []types.NetworkDevice {
	sessions := m.Sessions()
	clients := make([]types.NetworkDevice, 0, len(sessions))
	for _, conn := range sessions {
		if device, ok := conn.Client(); ok {
			clients = append(clients, device)
		}
	}
	return clients
}

func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SensorMaximumRange returns the range client reported for sensor.
func (m *Manager) SensorMaximumRange(client types.NetworkDevice, sensor types.SensorType) (float32, bool) {
	conn := m.Handler(client)
	if conn == nil {
		return 0, false
	}
	return conn.SensorMaximumRange(sensor), true
}

// SensorMaximumRanges returns the reported range of sensor for every client.
func (m *Manager) SensorMaximumRanges(sensor types.SensorType) map[types.NetworkDevice]float32 {
	ranges := make(map[types.NetworkDevice]float32)
	for _, conn := range m.Sessions() {
		if device, ok := conn.Client(); ok {
			ranges[device] = conn.SensorMaximumRange(sensor)
		}
	}
	return ranges
}

// OnClientDisconnected implements LifecycleListener.
func (m *Manager) OnClientDisconnected(conn *ClientConnection) {
	client, ok := m.release(conn)
	if !ok {
		return
	}
	m.logger.Info("Client disconnected", zap.Stringer("client", client))
	if m.deps.Clients != nil {
		m.deps.Clients.OnClientDisconnected(client)
	}
	m.notifyLoss(client)
}

// OnClientTimeout implements LifecycleListener.
func (m *Manager) OnClientTimeout(conn *ClientConnection) {
	client, ok := m.release(conn)
	if !ok {
		return
	}
	m.logger.Warn("Client timed out", zap.Stringer("client", client))
	if m.deps.Clients != nil {
		m.deps.Clients.OnClientTimeout(client)
	}
	m.notifyLoss(client)
}

// OnUnexpectedClient implements UnexpectedClientListener. A client talking to the
// wrong session is told the ports of its own one.
func (m *Manager) OnUnexpectedClient(_ *ClientConnection, origin net.IP, cmd control.Command) {
	if cmd.Type() == control.TypeConnectionRequest {
		return
	}

	actual := m.HandlerByAddress(origin)
	if actual == nil {
		return
	}

	m.logger.Info("Remapping ports of misdirected client",
		zap.Stringer("origin", origin),
		zap.String("command", string(cmd.Type())))

	if err := actual.EnforcePorts(context.Background()); err != nil && m.deps.Exceptions != nil {
		m.deps.Exceptions.OnException("manager", err, "enforce ports for "+origin.String())
	}
}

func (m *Manager) release(conn *ClientConnection) (types.NetworkDevice, bool) {
	client, _ := conn.Client()

	m.mu.Lock()
	defer m.mu.Unlock()
	return client, m.removeLocked(conn)
}

func (m *Manager) notifyLoss(client types.NetworkDevice) {
	m.mu.Lock()
	loss := m.deps.Loss
	m.mu.Unlock()

	if loss != nil {
		loss.OnClientLoss(client)
	}
}

// broadcast sends to every session without changing canonical state.
func (m *Manager) broadcast(push func(*ClientConnection) error) error {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()
	return m.fanOut(push)
}

// fanOut must be called with pushMu held.
func (m *Manager) fanOut(push func(*ClientConnection) error) error {
	var errs []error
	for _, conn := range m.Sessions() {
		if err := push(conn); err != nil {
			client, _ := conn.Client()
			errs = append(errs, fmt.Errorf("%s: %w", client, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) findLocked(match func(*ClientConnection) bool) *ClientConnection {
	for _, conn := range m.sessions {
		if match(conn) {
			return conn
		}
	}
	return nil
}

func (m *Manager) removeLocked(conn *ClientConnection) bool {
	i := slices.Index(m.sessions, conn)
	if i < 0 {
		return false
	}
	m.sessions = slices.Delete(m.sessions, i, i+1)
	return true
}

func (m *Manager) layoutLocked() Layout {
	if m.buttonXML != "" {
		return Layout{XML: m.buttonXML}
	}
	buttons := make(map[int]string, len(m.buttons))
	for id, name := range m.buttons {
		buttons[id] = name
	}
	return Layout{Buttons: buttons}
}

func (m *Manager) speedsLocked() map[types.SensorType]types.SensorSpeed {
	speeds := make(map[types.SensorType]types.SensorSpeed, len(m.speeds))
	for sensor, speed := range m.speeds {
		speeds[sensor] = speed
	}
	return speeds
}

func pushLayout(ctx context.Context, conn *ClientConnection, layout Layout) error {
	if layout.IsXML() {
		return conn.UpdateButtonsXML(ctx, layout.XML)
	}
	return conn.UpdateButtons(ctx, layout.Buttons)
}
