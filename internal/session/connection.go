// Package session couples the command channel, the data channel and the
// watchdog of one peer into a ClientConnection, and keeps all bound
// connections in sync through the Manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/control"
	"github.com/KevinKickass/OpenSensorCore/internal/data"
	"github.com/KevinKickass/OpenSensorCore/internal/metrics"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type State string

const (
	StateUnbound State = "unbound"
	StateBound   State = "bound"
	StateClosed  State = "closed"
)

// RequestHandler decides about connection requests reaching an unbound connection.
// It is expected to call HandleConnectionRequest.
type RequestHandler interface {
	OnConnectionRequest(conn *ClientConnection, req control.ConnectionRequest)
}

// LifecycleListener is told when a bound peer went away. Each connection reports
// at most one of the two events.
type LifecycleListener interface {
	OnClientDisconnected(conn *ClientConnection)
	OnClientTimeout(conn *ClientConnection)
}

// UnexpectedClientListener receives commands from addresses the connection is not bound to.
type UnexpectedClientListener interface {
	OnUnexpectedClient(conn *ClientConnection, origin net.IP, cmd control.Command)
}

// CommandListener receives the application commands of a bound peer.
type CommandListener interface {
	OnClientCommand(client types.NetworkDevice, cmd control.Command)
}

type Config struct {
	ServerName   string
	BindHost     string
	DialTimeout  time.Duration
	Watch        control.WatchConfig
	OutputRanges map[types.SensorType]float32
}

type Deps struct {
	Requests   RequestHandler
	Lifecycle  LifecycleListener
	Unexpected UnexpectedClientListener
	Commands   CommandListener
	Sink       types.DataSink
	Exceptions types.ExceptionListener
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// ClientConnection is the session with one peer. It starts Unbound with both
// channels listening, becomes Bound when a connection request is accepted and
// ends Closed. A connection serves at most one peer.
type ClientConnection struct {
	id     uuid.UUID
	cfg    Config
	deps   Deps
	logger *zap.Logger

	command *control.Connection
	data    *data.Connection
	scaler  *Scaler
	watch   *control.Watch
	self    types.NetworkDevice

	mu       sync.Mutex
	state    State
	client   types.NetworkDevice
	clientIP net.IP

	connected atomic.Bool
	closeOnce sync.Once
}

// NewClientConnection opens both channels and returns an Unbound connection.
func NewClientConnection(cfg Config, deps Deps) (*ClientConnection, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = control.DefaultDialTimeout
	}

	c := &ClientConnection{
		id:    uuid.New(),
		cfg:   cfg,
		deps:  deps,
		state: StateUnbound,
	}
	c.logger = deps.Logger.Named("session").With(zap.String("session_id", c.id.String()))

	c.scaler = NewScaler(deps.Sink)
	for sensor, outputRange := range cfg.OutputRanges {
		c.scaler.SetOutputRange(sensor, outputRange)
	}

	c.data = data.NewConnection(data.Config{BindHost: cfg.BindHost}, deps.Exceptions, deps.Metrics, deps.Logger)
	c.data.SetSink(c)
	if err := c.data.Start(); err != nil {
		return nil, fmt.Errorf("start data channel: %w", err)
	}

	c.command = control.NewConnection(control.Config{
		BindHost:    cfg.BindHost,
		DialTimeout: cfg.DialTimeout,
	}, c, deps.Exceptions, deps.Metrics, deps.Logger)
	if err := c.command.Start(); err != nil {
		c.data.Stop()
		return nil, fmt.Errorf("start command channel: %w", err)
	}

	c.self = types.NewNetworkDevice(cfg.ServerName, c.command.LocalPort(), c.data.LocalPort())
	c.watch = control.NewActiveWatch(cfg.Watch, c.self, c.command, c.onTimeout,
		deps.Exceptions, deps.Metrics, deps.Logger)

	c.logger.Debug("Session created",
		zap.Int("command_port", c.self.CommandPort),
		zap.Int("data_port", c.self.DataPort))

	return c, nil
}

func (c *ClientConnection) ID() uuid.UUID {
	return c.id
}

// Self is the identification advertised for this connection.
func (c *ClientConnection) Self() types.NetworkDevice {
	return c.self
}

func (c *ClientConnection) CommandPort() int {
	return c.self.CommandPort
}

func (c *ClientConnection) DataPort() int {
	return c.self.DataPort
}

func (c *ClientConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Client returns the bound peer; ok is false while Unbound.
func (c *ClientConnection) Client() (types.NetworkDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client, c.state != StateUnbound
}

func (c *ClientConnection) IsConnected() bool {
	return c.connected.Load()
}

func (c *ClientConnection) clientAddress() net.IP {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientIP
}

// HandleConnectionRequest binds client if accept is set and answers the request
// either way. A rejected connection stays Unbound and can serve another peer.
func (c *ClientConnection) HandleConnectionRequest(ctx context.Context, client types.NetworkDevice, accept bool) error {
	ip, err := client.IP()
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateBound:
		c.mu.Unlock()
		return fmt.Errorf("bind %s: %w", client, types.ErrAlreadyBound)
	case StateClosed:
		c.mu.Unlock()
		return fmt.Errorf("bind %s: %w", client, types.ErrSessionClosed)
	}

	c.command.SetRemote(ip, client.CommandPort)

	if !accept {
		c.mu.Unlock()
		c.logger.Info("Client rejected", zap.Stringer("client", client))
		if err := c.command.Send(ctx, control.ConnectionRequestResponse{Grant: false}); err != nil {
			return fmt.Errorf("reject %s: %w", client, err)
		}
		return nil
	}

	c.data.SetOrigin(client)
	c.data.SetPeer(ip)

	c.state = StateBound
	c.client = client
	c.clientIP = ip
	c.connected.Store(true)
	c.mu.Unlock()

	c.deps.Metrics.SessionOpened()
	c.logger.Info("Client bound", zap.Stringer("client", client))

	c.watch.Start()
	if err := c.Send(ctx, control.ConnectionRequestResponse{Grant: true}); err != nil {
		return fmt.Errorf("accept %s: %w", client, err)
	}
	return nil
}

// OnCommand implements control.Handler.
func (c *ClientConnection) OnCommand(origin net.IP, cmd control.Command) {
	c.mu.Lock()
	state, clientIP, client := c.state, c.clientIP, c.client
	c.mu.Unlock()

	switch state {
	case StateClosed:
		return
	case StateUnbound:
		if req, ok := cmd.(control.ConnectionRequest); ok && c.deps.Requests != nil {
			req.Self = req.Self.WithAddress(origin.String())
			c.deps.Requests.OnConnectionRequest(c, req)
			return
		}
		c.unexpected(origin, cmd)
		return
	}

	if !origin.Equal(clientIP) {
		c.unexpected(origin, cmd)
		return
	}

	switch cmd := cmd.(type) {
	case control.ConnectionAliveCheck:
		c.watch.OnCheckEvent()
	case control.ChangeSensorSensitivity:
		c.scaler.SetSensitivity(cmd.Sensor, cmd.Sensitivity)
	case control.SensorRangeNotification:
		c.scaler.SetSourceRange(cmd.Sensor, cmd.Range)
	case control.EndConnection:
		c.logger.Info("Client ended connection", zap.Stringer("client", client))
		if c.connected.CompareAndSwap(true, false) && c.deps.Lifecycle != nil {
			c.deps.Lifecycle.OnClientDisconnected(c)
		}
		c.Close()
	default:
		if c.deps.Commands != nil {
			c.deps.Commands.OnClientCommand(client, cmd)
		}
	}
}

// OnData implements types.DataSink for the data channel. Readings only pass
// while a peer is bound; the data channel already dropped other senders.
func (c *ClientConnection) OnData(origin types.NetworkDevice, reading types.SensorData, sensitivity float32) {
	if !c.connected.Load() {
		return
	}
	c.scaler.OnData(origin, reading, sensitivity)
}

func (c *ClientConnection) unexpected(origin net.IP, cmd control.Command) {
	c.logger.Debug("Command from unexpected client",
		zap.Stringer("origin", origin),
		zap.String("command", string(cmd.Type())))
	if c.deps.Unexpected != nil {
		c.deps.Unexpected.OnUnexpectedClient(c, origin, cmd)
	}
}

// Send delivers cmd to the bound peer. It does nothing unless connected. If the
// peer stopped listening the owner is told once and the connection closes.
func (c *ClientConnection) Send(ctx context.Context, cmd control.Command) error {
	if !c.connected.Load() {
		return nil
	}

	err := c.command.Send(ctx, cmd)
	if err == nil || !errors.Is(err, types.ErrPeerGone) {
		return err
	}

	if c.connected.CompareAndSwap(true, false) {
		c.logger.Info("Client is gone", zap.Error(err))
		if c.deps.Lifecycle != nil {
			c.deps.Lifecycle.OnClientDisconnected(c)
		}
	}
	c.Close()
	return nil
}

func (c *ClientConnection) onTimeout() {
	if c.connected.CompareAndSwap(true, false) && c.deps.Lifecycle != nil {
		c.deps.Lifecycle.OnClientTimeout(c)
	}
	c.signalEnd()
	c.Close()
}

// signalEnd tells the peer the session is over. Failures are ignored.
func (c *ClientConnection) signalEnd() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()

	if err := c.command.Send(ctx, control.EndConnection{Self: c.self}); err != nil {
		c.logger.Debug("Could not signal end of connection", zap.Error(err))
	}
}

// CloseAndSignal notifies a connected peer with EndConnection and closes.
func (c *ClientConnection) CloseAndSignal() {
	if c.connected.CompareAndSwap(true, false) {
		c.signalEnd()
	}
	c.Close()
}

// Close releases both channels and stops the watchdog. Further sends are no-ops.
func (c *ClientConnection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasBound := c.state == StateBound
		c.state = StateClosed
		c.mu.Unlock()

		c.connected.Store(false)
		c.watch.Stop()
		c.command.Stop()
		c.data.Stop()

		if wasBound {
			c.deps.Metrics.SessionClosed()
		}
		c.logger.Debug("Session closed")
	})
}

func (c *ClientConnection) UpdateSensors(ctx context.Context, sensors []types.SensorType) error {
	return c.Send(ctx, control.SetSensor{Sensors: append([]types.SensorType{}, sensors...)})
}

func (c *ClientConnection) UpdateButtons(ctx context.Context, buttons map[int]string) error {
	copied := make(map[int]string, len(buttons))
	for id, name := range buttons {
		copied[id] = name
	}
	return c.Send(ctx, control.UpdateButtonsMap{Buttons: copied})
}

func (c *ClientConnection) UpdateButtonsXML(ctx context.Context, xml string) error {
	return c.Send(ctx, control.UpdateButtonsXML{XML: xml})
}

// UpdateSpeeds sends one SetSensorSpeed per entry in sensor order.
func (c *ClientConnection) UpdateSpeeds(ctx context.Context, speeds map[types.SensorType]types.SensorSpeed) error {
	sensors := make([]types.SensorType, 0, len(speeds))
	for sensor := range speeds {
		sensors = append(sensors, sensor)
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i] < sensors[j] })

	var errs []error
	for _, sensor := range sensors {
		if err := c.Send(ctx, control.SetSensorSpeed{Sensor: sensor, Speed: speeds[sensor]}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnforcePorts tells the peer which ports belong to its session.
func (c *ClientConnection) EnforcePorts(ctx context.Context) error {
	return c.Send(ctx, control.RemapPorts{DataPort: c.DataPort(), CommandPort: c.CommandPort()})
}

func (c *ClientConnection) DisplayNotification(ctx context.Context, id int, title, content string, ongoing bool) error {
	return c.Send(ctx, control.DisplayNotification{ID: id, Title: title, Content: content, Ongoing: ongoing})
}

func (c *ClientConnection) SendSensorDescription(ctx context.Context, sensor types.SensorType, description string) error {
	return c.Send(ctx, control.SensorDescription{Sensor: sensor, Description: description})
}

func (c *ClientConnection) HideResetButton(ctx context.Context, hidden bool) error {
	return c.Send(ctx, control.HideReset{Hidden: hidden})
}

func (c *ClientConnection) SetOutputRange(sensor types.SensorType, outputRange float32) {
	c.scaler.SetOutputRange(sensor, outputRange)
}

// SensorMaximumRange is the maximum range the peer reported for sensor.
func (c *ClientConnection) SensorMaximumRange(sensor types.SensorType) float32 {
	return c.scaler.SourceRange(sensor)
}
