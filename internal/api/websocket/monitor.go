package websocket

import "github.com/KevinKickass/OpenSensorCore/internal/types"

// Monitor forwards session lifecycle and button events to the hub. It never
// vetoes a client.
type Monitor struct {
	hub *Hub
}

func NewMonitor(hub *Hub) *Monitor {
	return &Monitor{hub: hub}
}

func (m *Monitor) AcceptClient(types.NetworkDevice) bool { return true }

func (m *Monitor) OnClientAccepted(device types.NetworkDevice) {
	m.hub.Broadcast(NewClientEventMessage(MessageTypeClientAccepted, device))
}

func (m *Monitor) OnClientDisconnected(device types.NetworkDevice) {
	m.hub.Broadcast(NewClientEventMessage(MessageTypeClientDisconnected, device))
}

func (m *Monitor) OnClientTimeout(device types.NetworkDevice) {
	m.hub.Broadcast(NewClientEventMessage(MessageTypeClientTimeout, device))
}

func (m *Monitor) OnButtonClick(click types.ButtonClick, origin types.NetworkDevice) {
	m.hub.Broadcast(NewButtonClickMessage(origin, click))
}

// SensorSink streams readings to the hub. Readings are dropped while the hub
// queue is full so the data channel never waits on a browser.
type SensorSink struct {
	hub *Hub
}

func NewSensorSink(hub *Hub) *SensorSink {
	return &SensorSink{hub: hub}
}

func (s *SensorSink) OnData(origin types.NetworkDevice, data types.SensorData, sensitivity float32) {
	s.hub.Broadcast(NewSensorDataMessage(origin, data, sensitivity))
}
