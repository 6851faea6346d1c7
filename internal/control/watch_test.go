package control

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

var fastWatch = WatchConfig{
	InitialDelay: 20 * time.Millisecond,
	Interval:     10 * time.Millisecond,
	Timeout:      80 * time.Millisecond,
}

type stubProber struct {
	mu         sync.Mutex
	configured bool
	err        error
	sent       []Command
}

func (p *stubProber) IsRunningAndConfigured() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configured
}

func (p *stubProber) Send(_ context.Context, cmd Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, cmd)
	return p.err
}

func (p *stubProber) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestPassiveWatchTimesOutExactlyOnce(t *testing.T) {
	var timeouts atomic.Int32
	w := NewPassiveWatch(fastWatch, func() { timeouts.Add(1) }, nil, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool { return timeouts.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(5 * fastWatch.Timeout)
	assert.Equal(t, int32(1), timeouts.Load())
	assert.True(t, w.TimedOut())
	assert.False(t, w.IsRunning())

	w.Start()
	time.Sleep(2 * fastWatch.Timeout)
	assert.Equal(t, int32(1), timeouts.Load())
}

func TestCheckEventsKeepWatchAlive(t *testing.T) {
	var timeouts atomic.Int32
	w := NewPassiveWatch(fastWatch, func() { timeouts.Add(1) }, nil, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	deadline := time.Now().Add(8 * fastWatch.Timeout)
	for time.Now().Before(deadline) {
		w.OnCheckEvent()
		time.Sleep(fastWatch.Timeout / 2)
	}

	assert.Equal(t, int32(0), timeouts.Load())
	assert.True(t, w.IsRunning())
}

func TestStopPreventsTimeout(t *testing.T) {
	var timeouts atomic.Int32
	w := NewPassiveWatch(fastWatch, func() { timeouts.Add(1) }, nil, zaptest.NewLogger(t))

	w.Stop()
	w.Start()
	w.Stop()
	w.Stop()

	time.Sleep(3 * fastWatch.Timeout)
	assert.Equal(t, int32(0), timeouts.Load())
}

func TestActiveWatchProbesConfiguredPeer(t *testing.T) {
	prober := &stubProber{configured: true}
	self := types.NewNetworkDevice("desktop", 1, 2)
	w := NewActiveWatch(fastWatch, self, prober, func() {}, nil, nil, zaptest.NewLogger(t))
	assert.True(t, w.IsActive())

	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool { return prober.sentCount() >= 2 }, time.Second, 5*time.Millisecond)

	prober.mu.Lock()
	probe := prober.sent[0].(ConnectionAliveCheck)
	prober.mu.Unlock()
	assert.True(t, probe.Requester.Equal(self))
}

func TestActiveWatchSkipsUnconfiguredPeer(t *testing.T) {
	prober := &stubProber{}
	w := NewActiveWatch(fastWatch, types.NetworkDevice{}, prober, func() {}, nil, nil, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	time.Sleep(fastWatch.Timeout / 2)
	assert.Zero(t, prober.sentCount())
}

func TestActiveWatchTreatsPeerGoneAsTimeout(t *testing.T) {
	var timeouts atomic.Int32
	prober := &stubProber{configured: true, err: types.ErrPeerGone}
	w := NewActiveWatch(fastWatch, types.NetworkDevice{}, prober, func() { timeouts.Add(1) }, nil, nil, zaptest.NewLogger(t))

	start := time.Now()
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool { return timeouts.Load() == 1 }, time.Second, 2*time.Millisecond)
	assert.Less(t, time.Since(start), fastWatch.InitialDelay+fastWatch.Timeout)
	assert.Equal(t, 1, prober.sentCount())
}

func TestActiveWatchReportsTransientProbeErrors(t *testing.T) {
	var timeouts atomic.Int32
	exceptions := &exceptionRecorder{}
	prober := &stubProber{configured: true, err: assert.AnError}
	w := NewActiveWatch(fastWatch, types.NetworkDevice{}, prober, func() { timeouts.Add(1) }, exceptions, nil, zaptest.NewLogger(t))
	w.Start()
	defer w.Stop()

	assert.Eventually(t, func() bool { return exceptions.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return timeouts.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTimeoutCallbackMayStopWatch(t *testing.T) {
	done := make(chan struct{})
	var w *Watch
	w = NewPassiveWatch(fastWatch, func() {
		w.Stop()
		close(done)
	}, nil, zaptest.NewLogger(t))
	w.Start()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout callback did not run")
	}
}
