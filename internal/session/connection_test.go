package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/control"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type requestFunc func(conn *ClientConnection, req control.ConnectionRequest)

func (f requestFunc) OnConnectionRequest(conn *ClientConnection, req control.ConnectionRequest) {
	f(conn, req)
}

func newTestConnection(t *testing.T, watch control.WatchConfig, rec *lifecycleRecorder, sink types.DataSink, requests RequestHandler) *ClientConnection {
	t.Helper()
	conn, err := NewClientConnection(Config{
		ServerName: "desktop",
		BindHost:   "127.0.0.1",
		Watch:      watch,
	}, Deps{
		Requests:   requests,
		Lifecycle:  rec,
		Unexpected: rec,
		Commands:   rec,
		Sink:       sink,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func bind(t *testing.T, conn *ClientConnection, peer *testPeer) {
	t.Helper()
	require.NoError(t, conn.HandleConnectionRequest(context.Background(), peer.device(), true))
	peer.target(conn)
	resp := peer.waitFor(control.TypeConnectionRequestResponse).(control.ConnectionRequestResponse)
	require.True(t, resp.Grant)
}

func TestNewConnectionIsUnbound(t *testing.T) {
	conn := newTestConnection(t, control.DefaultWatchConfig(), &lifecycleRecorder{}, nil, nil)

	assert.Equal(t, StateUnbound, conn.State())
	assert.NotZero(t, conn.CommandPort())
	assert.NotZero(t, conn.DataPort())
	assert.Equal(t, "desktop", conn.Self().Name)
	_, bound := conn.Client()
	assert.False(t, bound)
}

func TestConnectionRequestIsHandedToRequestHandler(t *testing.T) {
	requests := make(chan control.ConnectionRequest, 1)
	conn := newTestConnection(t, control.DefaultWatchConfig(), &lifecycleRecorder{}, nil,
		requestFunc(func(c *ClientConnection, req control.ConnectionRequest) {
			requests <- req
			assert.NoError(t, c.HandleConnectionRequest(context.Background(), req.Self, true))
		}))

	peer := newTestPeer(t, "phone", true)
	peer.target(conn)
	self := peer.device()
	self.Address = ""
	peer.send(control.ConnectionRequest{Self: self})

	select {
	case req := <-requests:
		assert.Equal(t, "127.0.0.1", req.Self.Address)
		assert.Equal(t, "phone", req.Self.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("request not handed over")
	}

	resp := peer.waitFor(control.TypeConnectionRequestResponse).(control.ConnectionRequestResponse)
	assert.True(t, resp.Grant)
	assert.Equal(t, StateBound, conn.State())
	client, bound := conn.Client()
	assert.True(t, bound)
	assert.True(t, client.Equal(peer.device()))
}

func TestBindingHappensAtMostOnce(t *testing.T) {
	conn := newTestConnection(t, control.DefaultWatchConfig(), &lifecycleRecorder{}, nil, nil)
	first := newTestPeer(t, "first", true)
	second := newTestPeer(t, "second", true)

	bind(t, conn, first)

	err := conn.HandleConnectionRequest(context.Background(), second.device(), true)
	assert.ErrorIs(t, err, types.ErrAlreadyBound)

	err = conn.HandleConnectionRequest(context.Background(), second.device(), false)
	assert.ErrorIs(t, err, types.ErrAlreadyBound)

	client, _ := conn.Client()
	assert.True(t, client.Equal(first.device()))

	conn.Close()
	err = conn.HandleConnectionRequest(context.Background(), second.device(), true)
	assert.ErrorIs(t, err, types.ErrSessionClosed)
}

func TestRejectedConnectionStaysReusable(t *testing.T) {
	conn := newTestConnection(t, control.DefaultWatchConfig(), &lifecycleRecorder{}, nil, nil)
	rejected := newTestPeer(t, "rejected", true)
	accepted := newTestPeer(t, "accepted", true)

	require.NoError(t, conn.HandleConnectionRequest(context.Background(), rejected.device(), false))
	resp := rejected.waitFor(control.TypeConnectionRequestResponse).(control.ConnectionRequestResponse)
	assert.False(t, resp.Grant)
	assert.Equal(t, StateUnbound, conn.State())

	bind(t, conn, accepted)
	assert.Equal(t, StateBound, conn.State())
}

func TestHousekeepingCommandsAreIntercepted(t *testing.T) {
	rec := &lifecycleRecorder{}
	sink := make(channelSink, 4)
	conn := newTestConnection(t, control.DefaultWatchConfig(), rec, sink, nil)
	peer := newTestPeer(t, "phone", true)
	bind(t, conn, peer)

	peer.send(control.ChangeSensorSensitivity{Sensor: types.SensorGyroscope, Sensitivity: 80})
	peer.send(control.SensorRangeNotification{Sensor: types.SensorGyroscope, Range: 20})
	peer.send(control.ConnectionAliveCheck{})
	peer.send(control.ButtonClick{ID: 4})

	require.Eventually(t, func() bool { return rec.commandCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, control.ButtonClick{ID: 4}, rec.commands[0])
	assert.Equal(t, float32(20), conn.SensorMaximumRange(types.SensorGyroscope))

	require.NoError(t, peer.data.Send(types.SensorData{Sensor: types.SensorGyroscope, Values: []float32{2}}))
	select {
	case d := <-sink:
		assert.True(t, d.origin.Equal(peer.device()))
		assert.Equal(t, []float32{10}, d.data.Values)
		assert.Equal(t, float32(80), d.sensitivity)
	case <-time.After(2 * time.Second):
		t.Fatal("reading not delivered")
	}
}

func TestReadingsOnlyPassWhileBound(t *testing.T) {
	sink := make(channelSink, 4)
	conn := newTestConnection(t, control.DefaultWatchConfig(), &lifecycleRecorder{}, sink, nil)
	peer := newTestPeer(t, "phone", true)
	peer.target(conn)

	require.NoError(t, peer.data.Send(types.SensorData{Sensor: types.SensorGyroscope, Values: []float32{1}}))
	select {
	case d := <-sink:
		t.Fatalf("reading delivered while unbound: %+v", d)
	case <-time.After(200 * time.Millisecond):
	}

	bind(t, conn, peer)
	require.NoError(t, peer.data.Send(types.SensorData{Sensor: types.SensorGyroscope, Values: []float32{1}}))
	select {
	case d := <-sink:
		assert.True(t, d.origin.Equal(peer.device()))
	case <-time.After(2 * time.Second):
		t.Fatal("reading not delivered")
	}
}

func TestCommandsFromOtherAddressesAreDiverted(t *testing.T) {
	rec := &lifecycleRecorder{}
	conn := newTestConnection(t, control.DefaultWatchConfig(), rec, nil, nil)

	conn.OnCommand(net.ParseIP("10.0.0.9"), control.ButtonClick{ID: 1})

	peer := newTestPeer(t, "phone", true)
	bind(t, conn, peer)

	conn.OnCommand(net.ParseIP("10.0.0.9"), control.EndConnection{})
	conn.OnCommand(net.ParseIP("10.0.0.9"), control.ButtonClick{ID: 2})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.unexpected, 3)
	assert.Empty(t, rec.commands)
	assert.Equal(t, StateBound, conn.State())
}

func TestEndConnectionDisconnectsOnce(t *testing.T) {
	rec := &lifecycleRecorder{}
	conn := newTestConnection(t, control.DefaultWatchConfig(), rec, nil, nil)
	peer := newTestPeer(t, "phone", true)
	bind(t, conn, peer)

	peer.send(control.EndConnection{Self: peer.device()})

	require.Eventually(t, func() bool { return conn.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)
	disconnected, timeouts := rec.counts()
	assert.Equal(t, 1, disconnected)
	assert.Zero(t, timeouts)
	assert.False(t, conn.IsConnected())
}

func TestPeerGoneDisconnectsExactlyOnce(t *testing.T) {
	rec := &lifecycleRecorder{}
	conn := newTestConnection(t, control.DefaultWatchConfig(), rec, nil, nil)
	peer := newTestPeer(t, "phone", true)
	bind(t, conn, peer)

	peer.cmd.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			assert.NoError(t, conn.DisplayNotification(context.Background(), id, "t", "c", false))
		}(i)
	}
	wg.Wait()

	disconnected, _ := rec.counts()
	assert.Equal(t, 1, disconnected)
	assert.Equal(t, StateClosed, conn.State())

	assert.NoError(t, conn.HideResetButton(context.Background(), true))
	disconnected, _ = rec.counts()
	assert.Equal(t, 1, disconnected)
}

func TestSilentPeerTimesOut(t *testing.T) {
	rec := &lifecycleRecorder{}
	conn := newTestConnection(t, fastWatch, rec, nil, nil)
	peer := newTestPeer(t, "phone", false)
	bind(t, conn, peer)

	require.Eventually(t, func() bool { return conn.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(3 * fastWatch.Timeout)
	disconnected, timeouts := rec.counts()
	assert.Equal(t, 1, timeouts)
	assert.Zero(t, disconnected)

	peer.waitFor(control.TypeEndConnection)
	assert.NotEmpty(t, peer.received(control.TypeConnectionAliveCheck))
}

func TestAnsweringPeerStaysConnected(t *testing.T) {
	rec := &lifecycleRecorder{}
	conn := newTestConnection(t, fastWatch, rec, nil, nil)
	peer := newTestPeer(t, "phone", true)
	bind(t, conn, peer)

	time.Sleep(6 * fastWatch.Timeout)

	assert.Equal(t, StateBound, conn.State())
	_, timeouts := rec.counts()
	assert.Zero(t, timeouts)
}

func TestOutboundHelpers(t *testing.T) {
	conn := newTestConnection(t, control.DefaultWatchConfig(), &lifecycleRecorder{}, nil, nil)
	peer := newTestPeer(t, "phone", true)
	bind(t, conn, peer)
	ctx := context.Background()

	require.NoError(t, conn.UpdateSensors(ctx, []types.SensorType{types.SensorGyroscope}))
	require.NoError(t, conn.UpdateButtonsXML(ctx, "<buttons/>"))
	require.NoError(t, conn.UpdateSpeeds(ctx, map[types.SensorType]types.SensorSpeed{types.SensorGyroscope: types.SpeedGame}))
	require.NoError(t, conn.EnforcePorts(ctx))
	require.NoError(t, conn.SendSensorDescription(ctx, types.SensorGyroscope, "tilt"))
	require.NoError(t, conn.HideResetButton(ctx, true))

	remap := peer.waitFor(control.TypeRemapPorts).(control.RemapPorts)
	assert.Equal(t, conn.CommandPort(), remap.CommandPort)
	assert.Equal(t, conn.DataPort(), remap.DataPort)

	peer.waitFor(control.TypeHideReset)
	view := peer.snapshot()
	assert.Equal(t, []types.SensorType{types.SensorGyroscope}, view.Sensors)
	assert.Equal(t, "<buttons/>", view.XML)
	assert.Equal(t, types.SpeedGame, view.Speeds[types.SensorGyroscope])
	assert.Equal(t, control.SensorDescription{Sensor: types.SensorGyroscope, Description: "tilt"},
		peer.waitFor(control.TypeSensorDescription))
}

func TestSendsBeforeBindingAreNoops(t *testing.T) {
	conn := newTestConnection(t, control.DefaultWatchConfig(), &lifecycleRecorder{}, nil, nil)
	assert.NoError(t, conn.DisplayNotification(context.Background(), 1, "a", "b", false))
}
