// Package control implements the reliable command channel between a server
// and a sensor client together with the liveness watchdog riding on top of it.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/metrics"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

const DefaultDialTimeout = 2 * time.Second

// Handler receives every command decoded by the accept loop.
type Handler interface {
	OnCommand(origin net.IP, cmd Command)
}

type HandlerFunc func(origin net.IP, cmd Command)

func (f HandlerFunc) OnCommand(origin net.IP, cmd Command) {
	f(origin, cmd)
}

type Config struct {
	BindHost    string
	DialTimeout time.Duration
}

// Connection owns one listening socket for inbound commands and an independent
// remote target for outbound commands. Every command travels on its own TCP connection.
type Connection struct {
	cfg        Config
	handler    Handler
	exceptions types.ExceptionListener
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	port     int
	running  bool
	wg       sync.WaitGroup

	dispatching atomic.Int32

	remoteMu sync.RWMutex
	remote   *net.TCPAddr
}

func NewConnection(cfg Config, handler Handler, exceptions types.ExceptionListener, m *metrics.Metrics, logger *zap.Logger) *Connection {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		cfg:        cfg,
		handler:    handler,
		exceptions: exceptions,
		metrics:    m,
		logger:     logger.Named("command"),
	}
}

// Start binds the listening socket. After a Stop the previously bound port is reused.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	address := net.JoinHostPort(c.cfg.BindHost, strconv.Itoa(c.port))
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	c.listener = ln
	c.port = ln.Addr().(*net.TCPAddr).Port
	c.running = true
	c.wg.Add(1)

	go c.acceptLoop(ln)

	c.logger.Debug("Command channel listening", zap.Int("port", c.port))
	return nil
}

// Stop closes the listening socket and waits for the accept loop to exit.
// Handlers may call Stop, so while a command is being dispatched Stop does not
// wait for it, from whichever goroutine it is called: that command finishes on
// the old loop and nothing is dispatched after it.
func (c *Connection) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	ln := c.listener
	c.listener = nil
	c.mu.Unlock()

	if err := ln.Close(); err != nil {
		c.logger.Debug("Closing command listener failed", zap.Error(err))
	}

	if c.dispatching.Load() == 0 {
		c.wg.Wait()
	}

	c.logger.Debug("Command channel stopped", zap.Int("port", c.port))
}

func (c *Connection) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// LocalPort returns the bound port, or 0 before the first Start.
func (c *Connection) LocalPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

func (c *Connection) SetRemote(ip net.IP, port int) {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()
	c.remote = &net.TCPAddr{IP: ip, Port: port}
}

// SetRemoteDevice targets the command port of a device.
func (c *Connection) SetRemoteDevice(device types.NetworkDevice) error {
	ip, err := device.IP()
	if err != nil {
		return err
	}
	c.SetRemote(ip, device.CommandPort)
	return nil
}

// Remote returns a copy of the current target, or nil.
func (c *Connection) Remote() *net.TCPAddr {
	c.remoteMu.RLock()
	defer c.remoteMu.RUnlock()
	if c.remote == nil {
		return nil
	}
	remote := *c.remote
	return &remote
}

func (c *Connection) IsRunningAndConfigured() bool {
	return c.IsRunning() && c.Remote() != nil
}

// Send delivers one command on a fresh connection. A refused dial is reported
// as types.ErrPeerGone since it means nobody listens on the remote port anymore.
func (c *Connection) Send(ctx context.Context, cmd Command) error {
	remote := c.Remote()
	if remote == nil {
		return fmt.Errorf("send %s: %w", cmd.Type(), types.ErrNoRemote)
	}

	payload, err := Encode(cmd)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", remote.String())
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("send %s to %s: %w", cmd.Type(), remote, types.ErrPeerGone)
		}
		return fmt.Errorf("send %s to %s: %w", cmd.Type(), remote, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout)); err != nil {
		return fmt.Errorf("set write deadline for %s: %w", remote, err)
	}

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write %s to %s: %w", cmd.Type(), remote, err)
	}

	c.metrics.CommandSent(string(cmd.Type()))
	return nil
}

func (c *Connection) acceptLoop(ln net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.report(err, "accept")
			continue
		}

		cmd, origin, err := c.read(conn)
		if err != nil {
			c.report(err, "read command from "+conn.RemoteAddr().String())
			continue
		}

		c.metrics.CommandReceived(string(cmd.Type()))

		if c.handler != nil {
			c.dispatching.Add(1)
			c.handler.OnCommand(origin, cmd)
			c.dispatching.Add(-1)
		}
	}
}

func (c *Connection) read(conn net.Conn) (Command, net.IP, error) {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout)); err != nil {
		return nil, nil, fmt.Errorf("set read deadline: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(conn, MaxCommandSize+1))
	if err != nil {
		return nil, nil, fmt.Errorf("read: %w", err)
	}
	if len(data) > MaxCommandSize {
		return nil, nil, fmt.Errorf("command exceeds %d bytes", MaxCommandSize)
	}

	cmd, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}

	var origin net.IP
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		origin = addr.IP
	}
	return cmd, origin, nil
}

func (c *Connection) report(err error, info string) {
	c.logger.Warn("Command channel fault", zap.String("info", info), zap.Error(err))
	if c.exceptions != nil {
		c.exceptions.OnException("command", err, info)
	}
}
