// Package discovery lets sensor clients find servers on the local network
// without knowing their address. Clients broadcast their identification,
// servers answer with the ports of a session that is ready to be bound.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

// Responder answers identification broadcasts with the server's own identification.
type Responder struct {
	bindHost   string
	exceptions types.ExceptionListener
	logger     *zap.Logger

	selfMu sync.RWMutex
	self   types.NetworkDevice

	mu      sync.Mutex
	conn    *net.UDPConn
	port    int
	running bool
	wg      sync.WaitGroup
}

// NewResponder creates a responder for the given discovery port; 0 picks an ephemeral port.
func NewResponder(self types.NetworkDevice, bindHost string, port int, exceptions types.ExceptionListener, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{
		bindHost:   bindHost,
		exceptions: exceptions,
		logger:     logger.Named("discovery"),
		self:       self,
		port:       port,
	}
}

// SetSelf changes the identification sent in future responses.
func (r *Responder) SetSelf(self types.NetworkDevice) {
	r.selfMu.Lock()
	defer r.selfMu.Unlock()
	r.self = self
}

// Self returns the current identification including the bound discovery port.
func (r *Responder) Self() types.NetworkDevice {
	r.selfMu.RLock()
	self := r.self
	r.selfMu.RUnlock()

	self.DiscoveryPort = r.LocalPort()
	return self
}

func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	address := net.JoinHostPort(r.bindHost, strconv.Itoa(r.port))
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	r.conn = conn
	r.port = conn.LocalAddr().(*net.UDPAddr).Port
	r.running = true
	r.wg.Add(1)

	go r.listen(conn)

	r.logger.Info("Discovery responder started", zap.Int("port", r.port))
	return nil
}

func (r *Responder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	conn.Close()
	r.wg.Wait()

	r.logger.Info("Discovery responder stopped", zap.Int("port", r.port))
}

func (r *Responder) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Responder) LocalPort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port
}

func (r *Responder) listen(conn *net.UDPConn) {
	defer r.wg.Done()

	buf := make([]byte, MaxPayloadSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.report(err, "receive")
			continue
		}

		peer, err := decodeIdentification(buf[:n])
		if err != nil {
			r.logger.Debug("Ignoring foreign datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		peer = peer.WithAddress(from.IP.String())

		target := &net.UDPAddr{IP: from.IP, Port: peer.DiscoveryPort}
		if peer.DiscoveryPort <= 0 {
			target.Port = from.Port
		}

		if err := r.respond(conn, target); err != nil {
			r.report(err, "respond to "+peer.String())
		}
	}
}

func (r *Responder) respond(conn *net.UDPConn, target *net.UDPAddr) error {
	payload, err := encodeIdentification(r.Self())
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(payload, target)
	return err
}

func (r *Responder) report(err error, info string) {
	r.logger.Warn("Discovery fault", zap.String("info", info), zap.Error(err))
	if r.exceptions != nil {
		r.exceptions.OnException("discovery", err, info)
	}
}
