package control

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var loopback = net.IPv4(127, 0, 0, 1)

type received struct {
	origin net.IP
	cmd    Command
}

type recordingHandler struct {
	ch chan received
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan received, 64)}
}

func (h *recordingHandler) OnCommand(origin net.IP, cmd Command) {
	h.ch <- received{origin: origin, cmd: cmd}
}

func (h *recordingHandler) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-h.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no command received")
		return received{}
	}
}

type exceptionRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *exceptionRecorder) OnException(_ string, err error, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *exceptionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func startConnection(t *testing.T, handler Handler, exceptions types.ExceptionListener) *Connection {
	t.Helper()
	c := NewConnection(Config{BindHost: "127.0.0.1"}, handler, exceptions, nil, zaptest.NewLogger(t))
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func TestSendDeliversCommandsInOrder(t *testing.T) {
	handler := newRecordingHandler()
	receiver := startConnection(t, handler, nil)
	sender := startConnection(t, nil, nil)
	sender.SetRemote(loopback, receiver.LocalPort())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, sender.Send(ctx, ButtonClick{ID: i}))
	}

	for i := 0; i < 5; i++ {
		r := handler.next(t)
		assert.Equal(t, ButtonClick{ID: i}, r.cmd)
		assert.True(t, r.origin.Equal(loopback))
	}
}

func TestSendWithoutRemote(t *testing.T) {
	c := startConnection(t, nil, nil)

	err := c.Send(context.Background(), ResetToCenter{})
	assert.ErrorIs(t, err, types.ErrNoRemote)
	assert.False(t, c.IsRunningAndConfigured())
}

func TestSendToClosedPortIsPeerGone(t *testing.T) {
	gone := startConnection(t, nil, nil)
	port := gone.LocalPort()
	gone.Stop()

	sender := startConnection(t, nil, nil)
	sender.SetRemote(loopback, port)

	err := sender.Send(context.Background(), ResetToCenter{})
	assert.ErrorIs(t, err, types.ErrPeerGone)
}

func TestRestartKeepsPort(t *testing.T) {
	handler := newRecordingHandler()
	c := startConnection(t, handler, nil)
	port := c.LocalPort()

	c.Stop()
	assert.False(t, c.IsRunning())
	c.Stop()

	require.NoError(t, c.Start())
	assert.Equal(t, port, c.LocalPort())

	sender := startConnection(t, nil, nil)
	sender.SetRemote(loopback, port)
	require.NoError(t, sender.Send(context.Background(), HideReset{Hidden: true}))
	assert.Equal(t, HideReset{Hidden: true}, handler.next(t).cmd)
}

func TestMalformedCommandIsReportedAndLoopContinues(t *testing.T) {
	handler := newRecordingHandler()
	exceptions := &exceptionRecorder{}
	receiver := startConnection(t, handler, exceptions)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(receiver.LocalPort())))
	require.NoError(t, err)
	_, err = conn.Write([]byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool { return exceptions.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	sender := startConnection(t, nil, nil)
	sender.SetRemote(loopback, receiver.LocalPort())
	require.NoError(t, sender.Send(context.Background(), ResetToCenter{}))
	assert.Equal(t, ResetToCenter{}, handler.next(t).cmd)
}

func TestSilentSenderHitsReadDeadline(t *testing.T) {
	handler := newRecordingHandler()
	exceptions := &exceptionRecorder{}
	receiver := NewConnection(Config{BindHost: "127.0.0.1", DialTimeout: 100 * time.Millisecond},
		handler, exceptions, nil, zaptest.NewLogger(t))
	require.NoError(t, receiver.Start())
	t.Cleanup(receiver.Stop)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(receiver.LocalPort())))
	require.NoError(t, err)
	defer conn.Close()

	assert.Eventually(t, func() bool { return exceptions.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	sender := startConnection(t, nil, nil)
	sender.SetRemote(loopback, receiver.LocalPort())
	require.NoError(t, sender.Send(context.Background(), ResetToCenter{}))
	assert.Equal(t, ResetToCenter{}, handler.next(t).cmd)
}

func TestStopFromHandlerDoesNotDeadlock(t *testing.T) {
	var receiver *Connection
	stopped := make(chan struct{})
	receiver = startConnection(t, HandlerFunc(func(net.IP, Command) {
		receiver.Stop()
		close(stopped)
	}), nil)

	sender := startConnection(t, nil, nil)
	sender.SetRemote(loopback, receiver.LocalPort())
	require.NoError(t, sender.Send(context.Background(), EndConnection{}))

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
	assert.False(t, receiver.IsRunning())
}

func TestStopDuringDispatchEndsTheLoop(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	handler := newRecordingHandler()
	receiver := startConnection(t, HandlerFunc(func(origin net.IP, cmd Command) {
		entered <- struct{}{}
		<-release
		handler.OnCommand(origin, cmd)
	}), nil)

	sender := startConnection(t, nil, nil)
	sender.SetRemote(loopback, receiver.LocalPort())
	require.NoError(t, sender.Send(context.Background(), ButtonClick{ID: 1}))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("command not dispatched")
	}

	stopped := make(chan struct{})
	go func() {
		receiver.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the running handler")
	}

	err := sender.Send(context.Background(), ButtonClick{ID: 2})
	assert.ErrorIs(t, err, types.ErrPeerGone)

	close(release)
	assert.Equal(t, ButtonClick{ID: 1}, handler.next(t).cmd)
	select {
	case r := <-handler.ch:
		t.Fatalf("command dispatched after Stop: %+v", r.cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetRemoteDevice(t *testing.T) {
	c := NewConnection(Config{}, nil, nil, nil, nil)

	err := c.SetRemoteDevice(types.NewNetworkDevice("phone", 5000, 5001))
	assert.ErrorIs(t, err, types.ErrUnresolvedAddress)

	require.NoError(t, c.SetRemoteDevice(types.NewNetworkDevice("phone", 5000, 5001).WithAddress("127.0.0.1")))
	remote := c.Remote()
	require.NotNil(t, remote)
	assert.Equal(t, 5000, remote.Port)
	assert.True(t, remote.IP.Equal(loopback))
}
