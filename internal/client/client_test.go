package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/control"
	"github.com/KevinKickass/OpenSensorCore/internal/data"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var loopback = net.IPv4(127, 0, 0, 1)

// fakeServer answers connection requests over a plain command channel and
// records what the client sends.
type fakeServer struct {
	t     *testing.T
	grant bool
	cmd   *control.Connection
	data  *data.Connection
	got   chan types.SensorData

	mu       sync.Mutex
	commands []control.Command
}

func newFakeServer(t *testing.T, grant bool) *fakeServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	s := &fakeServer{t: t, grant: grant, got: make(chan types.SensorData, 8)}

	s.cmd = control.NewConnection(control.Config{BindHost: "127.0.0.1"}, s, nil, nil, logger)
	require.NoError(t, s.cmd.Start())
	t.Cleanup(s.cmd.Stop)

	s.data = data.NewConnection(data.Config{BindHost: "127.0.0.1"}, nil, nil, logger)
	s.data.SetSink(s)
	require.NoError(t, s.data.Start())
	t.Cleanup(s.data.Stop)

	return s
}

func (s *fakeServer) device() types.NetworkDevice {
	return types.NewNetworkDevice("desktop", s.cmd.LocalPort(), s.data.LocalPort()).WithAddress("127.0.0.1")
}

func (s *fakeServer) OnCommand(_ net.IP, cmd control.Command) {
	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	if req, ok := cmd.(control.ConnectionRequest); ok {
		s.cmd.SetRemote(loopback, req.Self.CommandPort)
		_ = s.cmd.Send(context.Background(), control.ConnectionRequestResponse{Grant: s.grant})
	}
}

func (s *fakeServer) OnData(_ types.NetworkDevice, d types.SensorData, _ float32) {
	s.got <- d
}

func (s *fakeServer) push(cmd control.Command) {
	s.t.Helper()
	require.NoError(s.t, s.cmd.Send(context.Background(), cmd))
}

func (s *fakeServer) received(kind control.CommandType) []control.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []control.Command
	for _, cmd := range s.commands {
		if cmd.Type() == kind {
			out = append(out, cmd)
		}
	}
	return out
}

type lossRecorder struct {
	mu     sync.Mutex
	pushed []control.CommandType
	lost   []bool
}

func (r *lossRecorder) OnServerCommand(cmd control.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, cmd.Type())
}

func (r *lossRecorder) OnConnectionLost(_ types.NetworkDevice, timedOut bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost = append(r.lost, timedOut)
}

func (r *lossRecorder) losses() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.lost...)
}

func newTestClient(t *testing.T, listener Listener, watch control.WatchConfig) *SensorClient {
	t.Helper()
	c, err := New(Config{Name: "phone", BindHost: "127.0.0.1", Watch: watch}, listener, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

var slowWatch = control.WatchConfig{
	InitialDelay: time.Second,
	Interval:     100 * time.Millisecond,
	Timeout:      5 * time.Second,
}

func TestConnectGranted(t *testing.T) {
	server := newFakeServer(t, true)
	c := newTestClient(t, nil, slowWatch)

	require.NoError(t, c.Connect(context.Background(), server.device()))
	assert.True(t, c.IsConnected())

	reqs := server.received(control.TypeConnectionRequest)
	require.Len(t, reqs, 1)
	self := reqs[0].(control.ConnectionRequest).Self
	assert.Equal(t, "phone", self.Name)
	assert.Equal(t, c.Self().CommandPort, self.CommandPort)
	assert.Equal(t, c.Self().DataPort, self.DataPort)

	err := c.Connect(context.Background(), server.device())
	assert.ErrorIs(t, err, types.ErrAlreadyBound)
}

func TestConnectRejected(t *testing.T) {
	server := newFakeServer(t, false)
	c := newTestClient(t, nil, slowWatch)

	err := c.Connect(context.Background(), server.device())
	require.ErrorIs(t, err, types.ErrRejected)
	assert.False(t, c.IsConnected())
}

func TestConnectToVanishedServer(t *testing.T) {
	server := newFakeServer(t, true)
	target := server.device()
	server.cmd.Stop()

	c := newTestClient(t, nil, slowWatch)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.ErrorIs(t, c.Connect(ctx, target), types.ErrPeerGone)
	assert.False(t, c.IsConnected())
}

func TestClientTracksPushedConfiguration(t *testing.T) {
	server := newFakeServer(t, true)
	listener := &lossRecorder{}
	c := newTestClient(t, listener, slowWatch)
	require.NoError(t, c.Connect(context.Background(), server.device()))

	server.push(control.SetSensor{Sensors: []types.SensorType{types.SensorGyroscope}})
	server.push(control.UpdateButtonsMap{Buttons: map[int]string{1: "fire"}})
	server.push(control.SetSensorSpeed{Sensor: types.SensorGyroscope, Speed: types.SpeedGame})
	server.push(control.SensorDescription{Sensor: types.SensorGyroscope, Description: "tilt"})
	server.push(control.HideReset{Hidden: true})

	require.Eventually(t, c.ResetHidden, time.Second, 5*time.Millisecond)
	assert.Equal(t, []types.SensorType{types.SensorGyroscope}, c.RequiredSensors())
	assert.True(t, c.IsRequired(types.SensorGyroscope))
	assert.False(t, c.IsRequired(types.SensorGravity))

	buttons, xml := c.Buttons()
	assert.Equal(t, map[int]string{1: "fire"}, buttons)
	assert.Empty(t, xml)
	assert.Equal(t, types.SpeedGame, c.SensorSpeeds()[types.SensorGyroscope])
	assert.Equal(t, "tilt", c.SensorDescription(types.SensorGyroscope))

	server.push(control.UpdateButtonsXML{XML: "<layout/>"})
	require.Eventually(t, func() bool {
		_, xml := c.Buttons()
		return xml == "<layout/>"
	}, time.Second, 5*time.Millisecond)

	listener.mu.Lock()
	assert.Contains(t, listener.pushed, control.TypeSetSensor)
	listener.mu.Unlock()
}

func TestClientAnswersAliveChecks(t *testing.T) {
	server := newFakeServer(t, true)
	c := newTestClient(t, nil, slowWatch)
	require.NoError(t, c.Connect(context.Background(), server.device()))

	requester := server.device()
	server.push(control.ConnectionAliveCheck{Requester: requester})

	require.Eventually(t, func() bool {
		return len(server.received(control.TypeConnectionAliveCheck)) == 1
	}, time.Second, 5*time.Millisecond)

	check := server.received(control.TypeConnectionAliveCheck)[0].(control.ConnectionAliveCheck)
	require.NotNil(t, check.Answerer)
	assert.Equal(t, "phone", check.Answerer.Name)
}

func TestClientTimesOutWithoutChecks(t *testing.T) {
	server := newFakeServer(t, true)
	listener := &lossRecorder{}
	c := newTestClient(t, listener, control.WatchConfig{
		InitialDelay: 20 * time.Millisecond,
		Interval:     10 * time.Millisecond,
		Timeout:      80 * time.Millisecond,
	})
	require.NoError(t, c.Connect(context.Background(), server.device()))

	require.Eventually(t, func() bool { return len(listener.losses()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true}, listener.losses())
	assert.False(t, c.IsConnected())
}

func TestEndConnectionFromServer(t *testing.T) {
	server := newFakeServer(t, true)
	listener := &lossRecorder{}
	c := newTestClient(t, listener, slowWatch)
	require.NoError(t, c.Connect(context.Background(), server.device()))

	server.push(control.EndConnection{Self: server.device()})

	require.Eventually(t, func() bool { return len(listener.losses()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{false}, listener.losses())
	assert.False(t, c.IsConnected())

	err := c.SendResetToCenter(context.Background())
	assert.ErrorIs(t, err, types.ErrNotConnected)
}

func TestRemapPortsRetargetsChannels(t *testing.T) {
	server := newFakeServer(t, true)
	c := newTestClient(t, nil, slowWatch)
	require.NoError(t, c.Connect(context.Background(), server.device()))

	other := newFakeServer(t, true)
	server.push(control.RemapPorts{DataPort: other.data.LocalPort(), CommandPort: other.cmd.LocalPort()})

	require.Eventually(t, func() bool {
		current, _ := c.Server()
		return current.CommandPort == other.cmd.LocalPort()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.SendButtonClick(context.Background(), 2, false))
	require.Eventually(t, func() bool {
		return len(other.received(control.TypeButtonClick)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, server.received(control.TypeButtonClick))

	require.NoError(t, c.SendSensorData(types.SensorData{Sensor: types.SensorGravity, Values: []float32{9.8}}))
	select {
	case d := <-other.got:
		assert.Equal(t, []float32{9.8}, d.Values)
	case <-time.After(time.Second):
		t.Fatal("reading did not reach the remapped data port")
	}
}

func TestSendsRequireSession(t *testing.T) {
	c := newTestClient(t, nil, slowWatch)
	ctx := context.Background()

	assert.ErrorIs(t, c.SendButtonClick(ctx, 1, false), types.ErrNotConnected)
	assert.ErrorIs(t, c.SendSensitivity(ctx, types.SensorGyroscope, 10), types.ErrNotConnected)
	assert.ErrorIs(t, c.SendRangeNotification(ctx, types.SensorGyroscope, 20), types.ErrNotConnected)
	assert.ErrorIs(t, c.SendSensorData(types.SensorData{Sensor: types.SensorGyroscope}), types.ErrNotConnected)
	assert.NoError(t, c.Disconnect(ctx))
}

func TestDisconnectSignalsServer(t *testing.T) {
	server := newFakeServer(t, true)
	listener := &lossRecorder{}
	c := newTestClient(t, listener, slowWatch)
	require.NoError(t, c.Connect(context.Background(), server.device()))

	require.NoError(t, c.Disconnect(context.Background()))
	assert.False(t, c.IsConnected())

	require.Eventually(t, func() bool {
		return len(server.received(control.TypeEndConnection)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, listener.losses())
}
