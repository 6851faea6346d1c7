package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/control"
	"github.com/KevinKickass/OpenSensorCore/internal/data"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var loopback = net.IPv4(127, 0, 0, 1)

// peerView is the configuration a client derives from the commands pushed to it.
type peerView struct {
	Sensors []types.SensorType
	Buttons map[int]string
	XML     string
	Speeds  map[types.SensorType]types.SensorSpeed
}

// testPeer plays the client side of a session on loopback and records every command.
type testPeer struct {
	t      *testing.T
	name   string
	cmd    *control.Connection
	data   *data.Connection
	answer bool

	mu       sync.Mutex
	commands []control.Command
	view     peerView
}

func newTestPeer(t *testing.T, name string, answerChecks bool) *testPeer {
	t.Helper()
	p := &testPeer{
		t:      t,
		name:   name,
		answer: answerChecks,
		view: peerView{
			Buttons: map[int]string{},
			Speeds:  map[types.SensorType]types.SensorSpeed{},
		},
	}

	logger := zaptest.NewLogger(t)
	p.cmd = control.NewConnection(control.Config{BindHost: "127.0.0.1"}, p, nil, nil, logger)
	require.NoError(t, p.cmd.Start())
	t.Cleanup(p.cmd.Stop)

	p.data = data.NewConnection(data.Config{BindHost: "127.0.0.1"}, nil, nil, logger)
	require.NoError(t, p.data.Start())
	t.Cleanup(p.data.Stop)

	return p
}

func (p *testPeer) device() types.NetworkDevice {
	return types.NewNetworkDevice(p.name, p.cmd.LocalPort(), p.data.LocalPort()).WithAddress("127.0.0.1")
}

// target points the peer's outbound channels at a session.
func (p *testPeer) target(conn *ClientConnection) {
	p.cmd.SetRemote(loopback, conn.CommandPort())
	p.data.SetRemote(loopback, conn.DataPort())
}

func (p *testPeer) send(cmd control.Command) {
	p.t.Helper()
	require.NoError(p.t, p.cmd.Send(context.Background(), cmd))
}

func (p *testPeer) OnCommand(_ net.IP, cmd control.Command) {
	p.mu.Lock()
	p.commands = append(p.commands, cmd)
	switch c := cmd.(type) {
	case control.SetSensor:
		p.view.Sensors = c.Sensors
	case control.UpdateButtonsMap:
		p.view.Buttons = c.Buttons
		p.view.XML = ""
	case control.UpdateButtonsXML:
		p.view.XML = c.XML
	case control.SetSensorSpeed:
		p.view.Speeds[c.Sensor] = c.Speed
	}
	p.mu.Unlock()

	if check, ok := cmd.(control.ConnectionAliveCheck); ok && p.answer {
		self := p.device()
		check.Answerer = &self
		_ = p.cmd.Send(context.Background(), check)
	}
}

func (p *testPeer) snapshot() peerView {
	p.mu.Lock()
	defer p.mu.Unlock()

	v := p.view
	v.Buttons = make(map[int]string, len(p.view.Buttons))
	for id, name := range p.view.Buttons {
		v.Buttons[id] = name
	}
	v.Speeds = make(map[types.SensorType]types.SensorSpeed, len(p.view.Speeds))
	for s, speed := range p.view.Speeds {
		v.Speeds[s] = speed
	}
	return v
}

func (p *testPeer) received(kind control.CommandType) []control.Command {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []control.Command
	for _, cmd := range p.commands {
		if cmd.Type() == kind {
			out = append(out, cmd)
		}
	}
	return out
}

func (p *testPeer) waitFor(kind control.CommandType) control.Command {
	p.t.Helper()
	var found control.Command
	require.Eventually(p.t, func() bool {
		cmds := p.received(kind)
		if len(cmds) == 0 {
			return false
		}
		found = cmds[len(cmds)-1]
		return true
	}, 3*time.Second, 5*time.Millisecond, "peer %s never received %s", p.name, kind)
	return found
}

// lifecycleRecorder implements LifecycleListener, UnexpectedClientListener and CommandListener.
type lifecycleRecorder struct {
	mu           sync.Mutex
	disconnected int
	timeouts     int
	unexpected   []control.Command
	commands     []control.Command
}

func (r *lifecycleRecorder) OnClientDisconnected(*ClientConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *lifecycleRecorder) OnClientTimeout(*ClientConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts++
}

func (r *lifecycleRecorder) OnUnexpectedClient(_ *ClientConnection, _ net.IP, cmd control.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unexpected = append(r.unexpected, cmd)
}

func (r *lifecycleRecorder) OnClientCommand(_ types.NetworkDevice, cmd control.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
}

func (r *lifecycleRecorder) counts() (disconnected, timeouts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnected, r.timeouts
}

func (r *lifecycleRecorder) commandCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

type delivery struct {
	origin      types.NetworkDevice
	data        types.SensorData
	sensitivity float32
}

type channelSink chan delivery

func (s channelSink) OnData(origin types.NetworkDevice, d types.SensorData, sensitivity float32) {
	s <- delivery{origin, d, sensitivity}
}

var fastWatch = control.WatchConfig{
	InitialDelay: 20 * time.Millisecond,
	Interval:     10 * time.Millisecond,
	Timeout:      80 * time.Millisecond,
}
