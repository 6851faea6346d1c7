package websocket

import (
	"time"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Session lifecycle
	MessageTypeClientAccepted     MessageType = "client_accepted"
	MessageTypeClientDisconnected MessageType = "client_disconnected"
	MessageTypeClientTimeout      MessageType = "client_timeout"

	// Client input
	MessageTypeButtonClick MessageType = "button_click"
	MessageTypeSensorData  MessageType = "sensor_data"

	// Handshake
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

type ClientEventData struct {
	Client types.NetworkDevice `json:"client"`
}

type ButtonClickData struct {
	Client string `json:"client"`
	ID     int    `json:"id"`
	Hold   bool   `json:"hold"`
}

// SensorReadingData carries one reading. Sensitivity is omitted when the
// client did not send one.
type SensorReadingData struct {
	Client      string           `json:"client"`
	Sensor      types.SensorType `json:"sensor"`
	Values      []float32        `json:"values"`
	Timestamp   int64            `json:"timestamp"`
	Accuracy    int32            `json:"accuracy"`
	Sensitivity *float32         `json:"sensitivity,omitempty"`
}

type authRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type authResult struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Subject   string      `json:"subject,omitempty"`
	Role      string      `json:"role,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewClientEventMessage(msgType MessageType, client types.NetworkDevice) Message {
	return NewMessage(msgType, ClientEventData{Client: client})
}

func NewButtonClickMessage(client types.NetworkDevice, click types.ButtonClick) Message {
	return NewMessage(MessageTypeButtonClick, ButtonClickData{
		Client: client.Name,
		ID:     click.ID,
		Hold:   click.Hold,
	})
}

// NewSensorDataMessage copies the values; the message is marshalled later on the hub goroutine.
func NewSensorDataMessage(client types.NetworkDevice, data types.SensorData, sensitivity float32) Message {
	data = data.Clone()
	reading := SensorReadingData{
		Client:    client.Name,
		Sensor:    data.Sensor,
		Values:    data.Values,
		Timestamp: data.Timestamp,
		Accuracy:  data.Accuracy,
	}
	if sensitivity >= 0 {
		reading.Sensitivity = &sensitivity
	}
	return NewMessage(MessageTypeSensorData, reading)
}
