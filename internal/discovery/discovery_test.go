package discovery

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type serverListRecorder struct {
	mu      sync.Mutex
	updates [][]types.NetworkDevice
}

func (r *serverListRecorder) OnServerListUpdated(servers []types.NetworkDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, servers)
}

func (r *serverListRecorder) latest() []types.NetworkDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return nil
	}
	return r.updates[len(r.updates)-1]
}

func TestClientDiscoversResponder(t *testing.T) {
	logger := zaptest.NewLogger(t)
	responder := NewResponder(types.NewNetworkDevice("desktop", 4100, 4101), "127.0.0.1", 0, nil, logger)
	require.NoError(t, responder.Start())
	defer responder.Stop()

	recorder := &serverListRecorder{}
	client, err := NewClient("phone", responder.LocalPort(), recorder, nil, ClientOptions{
		BindHost:  "127.0.0.1",
		Addresses: StaticAddresses{net.IPv4(127, 0, 0, 1)},
	}, logger)
	require.NoError(t, err)
	require.NoError(t, client.Start())
	defer client.Stop()

	require.Eventually(t, func() bool { return len(recorder.latest()) == 1 }, 2*time.Second, 5*time.Millisecond)

	server := recorder.latest()[0]
	assert.Equal(t, "desktop", server.Name)
	assert.Equal(t, "127.0.0.1", server.Address)
	assert.Equal(t, 4100, server.CommandPort)
	assert.Equal(t, 4101, server.DataPort)
	assert.Equal(t, responder.LocalPort(), server.DiscoveryPort)

	responder.Stop()
	assert.Eventually(t, func() bool {
		latest := recorder.latest()
		return latest != nil && len(latest) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResponderAdvertisesUpdatedSelf(t *testing.T) {
	logger := zaptest.NewLogger(t)
	responder := NewResponder(types.NewNetworkDevice("desktop", 1, 2), "127.0.0.1", 0, nil, logger)
	require.NoError(t, responder.Start())
	defer responder.Stop()

	client, err := NewClient("phone", responder.LocalPort(), nil, nil, ClientOptions{
		BindHost:   "127.0.0.1",
		StaleAfter: 100 * time.Millisecond,
		Addresses:  StaticAddresses{net.IPv4(127, 0, 0, 1)},
	}, logger)
	require.NoError(t, err)
	require.NoError(t, client.Start())
	defer client.Stop()

	require.Eventually(t, func() bool { return len(client.Servers()) == 1 }, 2*time.Second, 5*time.Millisecond)

	responder.SetSelf(types.NewNetworkDevice("desktop", 7, 8))
	assert.Eventually(t, func() bool {
		servers := client.Servers()
		return len(servers) == 1 && servers[0].CommandPort == 7 && servers[0].DataPort == 8
	}, 2*time.Second, 5*time.Millisecond)
}

func TestResponderIgnoresForeignDatagrams(t *testing.T) {
	responder := NewResponder(types.NewNetworkDevice("desktop", 1, 2), "127.0.0.1", 0, nil, zaptest.NewLogger(t))
	require.NoError(t, responder.Start())
	defer responder.Stop()

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: responder.LocalPort()})
	require.NoError(t, err)
	defer conn.Close()

	for _, payload := range [][]byte{[]byte("hello"), []byte(`{"name":""}`)} {
		_, err = conn.Write(payload)
		require.NoError(t, err)
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = conn.Read(make([]byte, MaxPayloadSize))
	assert.Error(t, err)
	assert.True(t, responder.IsRunning())
}

func TestInterfaceAddressesFallback(t *testing.T) {
	addresses, err := NewInterfaceAddresses([]string{`^does-not-exist$`})
	require.NoError(t, err)

	ips, err := addresses.BroadcastAddresses()
	require.NoError(t, err)
	assert.Equal(t, []net.IP{net.IPv4bcast}, ips)

	_, err = NewInterfaceAddresses([]string{"("})
	assert.Error(t, err)
}

func TestBroadcastOf(t *testing.T) {
	_, ipNet, err := net.ParseCIDR("192.168.1.17/24")
	require.NoError(t, err)
	ipNet.IP = net.ParseIP("192.168.1.17")

	assert.Equal(t, "192.168.1.255", broadcastOf(ipNet).String())
	assert.Nil(t, broadcastOf(&net.IPAddr{IP: net.ParseIP("::1")}))
}
