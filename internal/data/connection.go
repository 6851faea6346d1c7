// Package data implements the unreliable UDP channel carrying sensor readings.
package data

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/KevinKickass/OpenSensorCore/internal/metrics"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

// NoSensitivity is passed to sinks for readings that were not scaled yet.
const NoSensitivity float32 = -1

type Config struct {
	BindHost string
}

// Connection receives readings on an ephemeral UDP port and sends readings to
// one remote. There is no acknowledgement, retry or sequencing.
type Connection struct {
	cfg        Config
	exceptions types.ExceptionListener
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	port    int
	running bool
	wg      sync.WaitGroup

	stateMu sync.RWMutex
	sink    types.DataSink
	origin  types.NetworkDevice
	peer    net.IP
	remote  *net.UDPAddr
}

func NewConnection(cfg Config, exceptions types.ExceptionListener, m *metrics.Metrics, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		cfg:        cfg,
		exceptions: exceptions,
		metrics:    m,
		logger:     logger.Named("data"),
	}
}

func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	address := net.JoinHostPort(c.cfg.BindHost, strconv.Itoa(c.port))
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	c.conn = conn
	c.port = conn.LocalAddr().(*net.UDPAddr).Port
	c.running = true
	c.wg.Add(1)

	go c.receiveLoop(conn)

	c.logger.Debug("Data channel listening", zap.Int("port", c.port))
	return nil
}

// Stop closes the socket, which unblocks the receive loop.
func (c *Connection) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	conn.Close()
	c.wg.Wait()

	c.logger.Debug("Data channel stopped", zap.Int("port", c.port))
}

func (c *Connection) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Connection) LocalPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// SetSink replaces the consumer of inbound readings.
func (c *Connection) SetSink(sink types.DataSink) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.sink = sink
}

// SetOrigin sets the device inbound readings are attributed to.
func (c *Connection) SetOrigin(origin types.NetworkDevice) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.origin = origin
}

func (c *Connection) Origin() types.NetworkDevice {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.origin
}

// SetPeer restricts inbound readings to datagrams sent from ip. A nil ip
// accepts every sender.
func (c *Connection) SetPeer(ip net.IP) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.peer = ip
}

func (c *Connection) SetRemote(ip net.IP, port int) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.remote = &net.UDPAddr{IP: ip, Port: port}
}

// SetRemoteDevice targets the data port of a device.
func (c *Connection) SetRemoteDevice(device types.NetworkDevice) error {
	ip, err := device.IP()
	if err != nil {
		return err
	}
	c.SetRemote(ip, device.DataPort)
	return nil
}

// Send writes one reading as a single datagram. Failures are reported to the
// exception listener and returned; nothing is retried.
func (c *Connection) Send(reading types.SensorData) error {
	err := c.send(reading)
	if err != nil {
		c.report(err, "send "+string(reading.Sensor))
	}
	return err
}

func (c *Connection) send(reading types.SensorData) error {
	c.stateMu.RLock()
	remote := c.remote
	c.stateMu.RUnlock()
	if remote == nil {
		return types.ErrNoRemote
	}

	frame, err := EncodeFrame(reading)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("send to %s: %w", remote, types.ErrNotConnected)
	}

	if _, err := conn.WriteToUDP(frame, remote); err != nil {
		return fmt.Errorf("send to %s: %w", remote, err)
	}
	return nil
}

func (c *Connection) receiveLoop(conn *net.UDPConn) {
	defer c.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.report(err, "receive")
			continue
		}

		c.stateMu.RLock()
		sink, origin, peer := c.sink, c.origin, c.peer
		c.stateMu.RUnlock()

		if peer != nil && !from.IP.Equal(peer) {
			c.metrics.DatagramDropped()
			c.logger.Debug("Datagram from foreign sender dropped", zap.Stringer("from", from))
			continue
		}

		reading, err := DecodeFrame(buf[:n])
		if err != nil {
			c.metrics.DatagramDropped()
			c.report(err, "decode datagram from "+from.String())
			continue
		}
		c.metrics.DatagramReceived()

		if sink != nil {
			sink.OnData(origin, reading, NoSensitivity)
		}
	}
}

func (c *Connection) report(err error, info string) {
	c.logger.Debug("Data channel fault", zap.String("info", info), zap.Error(err))
	if c.exceptions != nil {
		c.exceptions.OnException("data", err, info)
	}
}
