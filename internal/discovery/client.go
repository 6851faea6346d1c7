package discovery

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

// ServerListListener is notified with the full list whenever it changed.
type ServerListListener interface {
	OnServerListUpdated(servers []types.NetworkDevice)
}

type ServerListFunc func(servers []types.NetworkDevice)

func (f ServerListFunc) OnServerListUpdated(servers []types.NetworkDevice) {
	f(servers)
}

type ClientOptions struct {
	BindHost          string
	BroadcastInterval time.Duration
	SweepInterval     time.Duration
	StaleAfter        time.Duration
	Addresses         AddressProvider
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		BroadcastInterval: 25 * time.Millisecond,
		SweepInterval:     25 * time.Millisecond,
		StaleAfter:        60 * time.Millisecond,
	}
}

// Client broadcasts its identification and keeps a registry of answering servers.
type Client struct {
	name       string
	remotePort int
	opts       ClientOptions
	listener   ServerListListener
	exceptions types.ExceptionListener
	registry   *Registry
	logger     *zap.Logger

	mu       sync.Mutex
	conn     *net.UDPConn
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewClient(name string, remotePort int, listener ServerListListener, exceptions types.ExceptionListener,
	opts ClientOptions, logger *zap.Logger) (*Client, error) {
	defaults := DefaultClientOptions()
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = defaults.BroadcastInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaults.SweepInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaults.StaleAfter
	}
	if opts.Addresses == nil {
		addresses, err := NewInterfaceAddresses(nil)
		if err != nil {
			return nil, err
		}
		opts.Addresses = addresses
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		name:       name,
		remotePort: remotePort,
		opts:       opts,
		listener:   listener,
		exceptions: exceptions,
		registry:   NewRegistry(opts.StaleAfter),
		logger:     logger.Named("discovery"),
	}, nil
}

func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	address := net.JoinHostPort(c.opts.BindHost, "0")
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	c.conn = conn
	c.running = true
	c.stopChan = make(chan struct{})
	c.wg.Add(3)

	go c.listen(conn)
	go c.broadcastLoop(conn, c.stopChan)
	go c.sweepLoop(c.stopChan)

	c.logger.Info("Discovery client started",
		zap.String("name", c.name),
		zap.Int("remote_port", c.remotePort),
		zap.Int("local_port", conn.LocalAddr().(*net.UDPAddr).Port))
	return nil
}

func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	conn.Close()
	c.wg.Wait()

	c.logger.Info("Discovery client stopped")
}

// Servers returns the servers currently known.
func (c *Client) Servers() []types.NetworkDevice {
	return c.registry.Snapshot()
}

func (c *Client) broadcastLoop(conn *net.UDPConn, stop chan struct{}) {
	defer c.wg.Done()

	self := types.NewNetworkDevice(c.name, -1, -1)
	self.DiscoveryPort = conn.LocalAddr().(*net.UDPAddr).Port
	payload, err := encodeIdentification(self)
	if err != nil {
		c.report(err, "encode identification")
		return
	}

	ticker := time.NewTicker(c.opts.BroadcastInterval)
	defer ticker.Stop()

	for {
		c.broadcast(conn, payload)

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) broadcast(conn *net.UDPConn, payload []byte) {
	targets, err := c.opts.Addresses.BroadcastAddresses()
	if err != nil {
		c.report(err, "enumerate broadcast addresses")
	}

	for _, ip := range targets {
		target := &net.UDPAddr{IP: ip, Port: c.remotePort}
		if _, err := conn.WriteToUDP(payload, target); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.report(err, "broadcast to "+target.String())
		}
	}
}

func (c *Client) listen(conn *net.UDPConn) {
	defer c.wg.Done()

	buf := make([]byte, MaxPayloadSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.report(err, "receive")
			continue
		}

		server, err := decodeIdentification(buf[:n])
		if err != nil {
			c.logger.Debug("Ignoring foreign datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}

		server = server.WithAddress(from.IP.String())
		if c.registry.Seen(server, time.Now()) {
			c.logger.Debug("Server discovered", zap.Stringer("server", server))
		}
	}
}

func (c *Client) sweepLoop(stop chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			servers, changed := c.registry.Sweep(now)
			if changed && c.listener != nil {
				c.listener.OnServerListUpdated(servers)
			}
		}
	}
}

func (c *Client) report(err error, info string) {
	c.logger.Debug("Discovery fault", zap.String("info", info), zap.Error(err))
	if c.exceptions != nil {
		c.exceptions.OnException("discovery", err, info)
	}
}

