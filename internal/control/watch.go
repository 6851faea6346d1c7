package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/metrics"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

type WatchConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
	Timeout      time.Duration
}

func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		InitialDelay: 900 * time.Millisecond,
		Interval:     500 * time.Millisecond,
		Timeout:      2000 * time.Millisecond,
	}
}

// Prober is the part of a command channel the active watch needs.
type Prober interface {
	IsRunningAndConfigured() bool
	Send(ctx context.Context, cmd Command) error
}

// Watch detects a silently dead peer. In active mode it probes the peer with
// ConnectionAliveCheck commands, in passive mode it only measures the time since
// the last check event. The timeout callback runs at most once per Watch.
type Watch struct {
	cfg        WatchConfig
	self       types.NetworkDevice
	prober     Prober
	onTimeout  func()
	exceptions types.ExceptionListener
	metrics    *metrics.Metrics
	logger     *zap.Logger

	lastCheck atomic.Int64
	fired     atomic.Bool

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

func NewActiveWatch(cfg WatchConfig, self types.NetworkDevice, prober Prober, onTimeout func(),
	exceptions types.ExceptionListener, m *metrics.Metrics, logger *zap.Logger) *Watch {
	w := newWatch(cfg, onTimeout, m, logger)
	w.self = self
	w.prober = prober
	w.exceptions = exceptions
	return w
}

func NewPassiveWatch(cfg WatchConfig, onTimeout func(), m *metrics.Metrics, logger *zap.Logger) *Watch {
	return newWatch(cfg, onTimeout, m, logger)
}

func newWatch(cfg WatchConfig, onTimeout func(), m *metrics.Metrics, logger *zap.Logger) *Watch {
	defaults := DefaultWatchConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watch{
		cfg:       cfg,
		onTimeout: onTimeout,
		metrics:   m,
		logger:    logger.Named("watch"),
	}
}

func (w *Watch) IsActive() bool {
	return w.prober != nil
}

// Start begins ticking. The peer gets InitialDelay on top of Timeout before the
// first check event is due. Starting a watch that already timed out does nothing.
func (w *Watch) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running || w.fired.Load() {
		return
	}

	w.lastCheck.Store(time.Now().Add(w.cfg.InitialDelay).UnixNano())
	w.stopChan = make(chan struct{})
	w.running = true

	go w.loop(w.stopChan)
}

// Stop cancels pending ticks. It is safe to call repeatedly and before Start.
func (w *Watch) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.running = false
	close(w.stopChan)
}

func (w *Watch) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// OnCheckEvent records a sign of life from the peer.
func (w *Watch) OnCheckEvent() {
	w.lastCheck.Store(time.Now().UnixNano())
}

func (w *Watch) LastCheckEvent() time.Time {
	return time.Unix(0, w.lastCheck.Load())
}

func (w *Watch) TimedOut() bool {
	return w.fired.Load()
}

func (w *Watch) loop(stop chan struct{}) {
	delay := time.NewTimer(w.cfg.InitialDelay)
	defer delay.Stop()

	select {
	case <-stop:
		return
	case <-delay.C:
	}

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if w.tick(stop) {
			return
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// tick reports whether the watch is done.
func (w *Watch) tick(stop chan struct{}) bool {
	elapsed := time.Since(w.LastCheckEvent())
	if elapsed > w.cfg.Timeout {
		w.declareTimeout(stop, elapsed)
		return true
	}

	if w.prober == nil || !w.prober.IsRunningAndConfigured() {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Interval)
	defer cancel()

	err := w.prober.Send(ctx, ConnectionAliveCheck{Requester: w.self})
	switch {
	case err == nil:
		return false
	case errors.Is(err, types.ErrPeerGone):
		w.declareTimeout(stop, elapsed)
		return true
	default:
		w.logger.Debug("Liveness probe failed", zap.Error(err))
		if w.exceptions != nil {
			w.exceptions.OnException("watch", err, "liveness probe")
		}
		return false
	}
}

func (w *Watch) declareTimeout(stop chan struct{}, elapsed time.Duration) {
	select {
	case <-stop:
		return
	default:
	}

	if !w.fired.CompareAndSwap(false, true) {
		return
	}

	w.mu.Lock()
	if w.running && w.stopChan == stop {
		w.running = false
		close(w.stopChan)
	}
	w.mu.Unlock()

	w.metrics.WatchdogTimeout()
	w.logger.Info("Peer timed out",
		zap.Duration("since_last_check", elapsed),
		zap.Duration("timeout", w.cfg.Timeout))

	if w.onTimeout != nil {
		w.onTimeout()
	}
}
