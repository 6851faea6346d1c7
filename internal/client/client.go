// Package client implements the sensor side of a session: it binds to a server
// found through discovery, answers its liveness probes, keeps the
// configuration the server pushes and streams readings to it.
package client

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/control"
	"github.com/KevinKickass/OpenSensorCore/internal/data"
	"github.com/KevinKickass/OpenSensorCore/internal/metrics"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

// Listener is told about server pushes and about the end of the session.
type Listener interface {
	OnServerCommand(cmd control.Command)
	OnConnectionLost(server types.NetworkDevice, timedOut bool)
}

type Config struct {
	Name        string
	BindHost    string
	DialTimeout time.Duration
	Watch       control.WatchConfig
}

// SensorClient is the peer of a server session.
type SensorClient struct {
	cfg        Config
	listener   Listener
	exceptions types.ExceptionListener
	metrics    *metrics.Metrics
	logger     *zap.Logger

	command *control.Connection
	data    *data.Connection

	mu           sync.Mutex
	server       types.NetworkDevice
	serverIP     net.IP
	connected    bool
	response     chan bool
	watch        *control.Watch
	sensors      []types.SensorType
	buttons      map[int]string
	buttonXML    string
	speeds       map[types.SensorType]types.SensorSpeed
	descriptions map[types.SensorType]string
	resetHidden  bool
}

// New opens the command and data channels of a client.
func New(cfg Config, listener Listener, exceptions types.ExceptionListener, m *metrics.Metrics, logger *zap.Logger) (*SensorClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = control.DefaultDialTimeout
	}

	c := &SensorClient{
		cfg:          cfg,
		listener:     listener,
		exceptions:   exceptions,
		metrics:      m,
		logger:       logger.Named("client").With(zap.String("name", cfg.Name)),
		buttons:      make(map[int]string),
		speeds:       make(map[types.SensorType]types.SensorSpeed),
		descriptions: make(map[types.SensorType]string),
	}

	c.data = data.NewConnection(data.Config{BindHost: cfg.BindHost}, exceptions, m, logger)
	if err := c.data.Start(); err != nil {
		return nil, fmt.Errorf("start data channel: %w", err)
	}

	c.command = control.NewConnection(control.Config{
		BindHost:    cfg.BindHost,
		DialTimeout: cfg.DialTimeout,
	}, c, exceptions, m, logger)
	if err := c.command.Start(); err != nil {
		c.data.Stop()
		return nil, fmt.Errorf("start command channel: %w", err)
	}

	return c, nil
}

// Self is the identification sent with connection requests.
func (c *SensorClient) Self() types.NetworkDevice {
	return types.NewNetworkDevice(c.cfg.Name, c.command.LocalPort(), c.data.LocalPort())
}

// Connect asks server for a session and waits for the answer. It returns
// types.ErrRejected when the server denies the request.
func (c *SensorClient) Connect(ctx context.Context, server types.NetworkDevice) error {
	ip, err := server.IP()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("connect to %s: %w", server, types.ErrAlreadyBound)
	}
	response := make(chan bool, 1)
	c.response = response
	c.server = server
	c.serverIP = ip
	c.mu.Unlock()

	c.command.SetRemote(ip, server.CommandPort)
	c.data.SetRemote(ip, server.DataPort)

	if err := c.command.Send(ctx, control.ConnectionRequest{Self: c.Self()}); err != nil {
		return fmt.Errorf("connect to %s: %w", server, err)
	}

	select {
	case granted := <-response:
		if !granted {
			return fmt.Errorf("connect to %s: %w", server, types.ErrRejected)
		}
		c.logger.Info("Connected", zap.Stringer("server", server))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connect to %s: %w", server, ctx.Err())
	}
}

func (c *SensorClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Server returns the server of the current session with the ports it last enforced.
func (c *SensorClient) Server() (types.NetworkDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server, c.connected
}

// OnCommand implements control.Handler.
func (c *SensorClient) OnCommand(origin net.IP, cmd control.Command) {
	c.mu.Lock()
	if c.serverIP == nil || !origin.Equal(c.serverIP) {
		c.mu.Unlock()
		c.logger.Debug("Ignoring command from unknown server",
			zap.Stringer("origin", origin),
			zap.String("command", string(cmd.Type())))
		return
	}

	switch cmd := cmd.(type) {
	case control.ConnectionRequestResponse:
		c.onResponseLocked(cmd.Grant)
		c.mu.Unlock()
		return
	case control.ConnectionAliveCheck:
		watch := c.watch
		c.mu.Unlock()
		if watch != nil {
			watch.OnCheckEvent()
		}
		c.answer(cmd)
		return
	case control.EndConnection:
		c.mu.Unlock()
		c.lose(false)
		return
	case control.SetSensor:
		c.sensors = slices.Clone(cmd.Sensors)
	case control.UpdateButtonsMap:
		c.buttons = maps.Clone(cmd.Buttons)
		c.buttonXML = ""
	case control.UpdateButtonsXML:
		c.buttonXML = cmd.XML
	case control.SetSensorSpeed:
		c.speeds[cmd.Sensor] = cmd.Speed
	case control.SensorDescription:
		c.descriptions[cmd.Sensor] = cmd.Description
	case control.HideReset:
		c.resetHidden = cmd.Hidden
	case control.RemapPorts:
		c.server.CommandPort = cmd.CommandPort
		c.server.DataPort = cmd.DataPort
		c.command.SetRemote(c.serverIP, cmd.CommandPort)
		c.data.SetRemote(c.serverIP, cmd.DataPort)
		c.logger.Info("Server remapped ports",
			zap.Int("command_port", cmd.CommandPort),
			zap.Int("data_port", cmd.DataPort))
	}
	c.mu.Unlock()

	if c.listener != nil {
		c.listener.OnServerCommand(cmd)
	}
}

func (c *SensorClient) onResponseLocked(granted bool) {
	if granted && !c.connected {
		c.connected = true
		c.watch = control.NewPassiveWatch(c.cfg.Watch, func() { c.lose(true) }, c.metrics, c.logger)
		c.watch.Start()
	}
	if c.response != nil {
		c.response <- granted
		c.response = nil
	}
}

func (c *SensorClient) answer(check control.ConnectionAliveCheck) {
	self := c.Self()
	check.Answerer = &self

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if err := c.command.Send(ctx, check); err != nil {
		c.report(err, "answer alive check")
	}
}

// lose ends the session locally. The listener is told once per session.
func (c *SensorClient) lose(timedOut bool) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	server := c.server
	watch := c.watch
	c.watch = nil
	c.mu.Unlock()

	if watch != nil {
		watch.Stop()
	}
	if timedOut {
		c.logger.Warn("Server timed out", zap.Stringer("server", server))
	} else {
		c.logger.Info("Server ended the session", zap.Stringer("server", server))
	}
	if c.listener != nil {
		c.listener.OnConnectionLost(server, timedOut)
	}
}

// send delivers cmd while connected. A vanished server ends the session.
func (c *SensorClient) send(ctx context.Context, cmd control.Command) error {
	if !c.IsConnected() {
		return fmt.Errorf("send %s: %w", cmd.Type(), types.ErrNotConnected)
	}
	err := c.command.Send(ctx, cmd)
	if errors.Is(err, types.ErrPeerGone) {
		c.lose(false)
	}
	return err
}

// SendSensorData streams one reading to the server's data port.
func (c *SensorClient) SendSensorData(reading types.SensorData) error {
	if !c.IsConnected() {
		return fmt.Errorf("send %s: %w", reading.Sensor, types.ErrNotConnected)
	}
	return c.data.Send(reading)
}

func (c *SensorClient) SendButtonClick(ctx context.Context, id int, hold bool) error {
	return c.send(ctx, control.ButtonClick{ID: id, Hold: hold})
}

func (c *SensorClient) SendSensitivity(ctx context.Context, sensor types.SensorType, sensitivity float32) error {
	return c.send(ctx, control.ChangeSensorSensitivity{Sensor: sensor, Sensitivity: sensitivity})
}

// SendRangeNotification tells the server the maximum range of a sensor.
func (c *SensorClient) SendRangeNotification(ctx context.Context, sensor types.SensorType, maximumRange float32) error {
	return c.send(ctx, control.SensorRangeNotification{Sensor: sensor, Range: maximumRange})
}

func (c *SensorClient) SendResetToCenter(ctx context.Context) error {
	return c.send(ctx, control.ResetToCenter{})
}

// Disconnect ends the session and tells the server. It is a no-op without a session.
func (c *SensorClient) Disconnect(ctx context.Context) error {
	if !c.IsConnected() {
		return nil
	}
	err := c.command.Send(ctx, control.EndConnection{Self: c.Self()})

	c.mu.Lock()
	c.connected = false
	watch := c.watch
	c.watch = nil
	c.mu.Unlock()

	if watch != nil {
		watch.Stop()
	}
	if err != nil && !errors.Is(err, types.ErrPeerGone) {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Close disconnects and releases both channels.
func (c *SensorClient) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if err := c.Disconnect(ctx); err != nil {
		c.logger.Debug("Disconnect on close failed", zap.Error(err))
	}
	c.command.Stop()
	c.data.Stop()
}

// RequiredSensors are the sensors the server currently has subscribers for.
func (c *SensorClient) RequiredSensors() []types.SensorType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sensors)
}

// IsRequired reports whether readings of sensor are wanted by the server.
func (c *SensorClient) IsRequired(sensor types.SensorType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.sensors, sensor)
}

// Buttons returns the button map, or the XML layout when the server sent one.
func (c *SensorClient) Buttons() (map[int]string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buttonXML != "" {
		return nil, c.buttonXML
	}
	return maps.Clone(c.buttons), ""
}

func (c *SensorClient) SensorSpeeds() map[types.SensorType]types.SensorSpeed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.speeds)
}

func (c *SensorClient) SensorDescription(sensor types.SensorType) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.descriptions[sensor]
}

func (c *SensorClient) ResetHidden() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetHidden
}

func (c *SensorClient) report(err error, info string) {
	c.logger.Debug("Client fault", zap.String("info", info), zap.Error(err))
	if c.exceptions != nil {
		c.exceptions.OnException("client", err, info)
	}
}
