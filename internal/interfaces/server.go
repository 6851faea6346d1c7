package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenSensorCore/internal/session"
	"github.com/KevinKickass/OpenSensorCore/internal/storage"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
)

// ServerStatus is the summary reported on /api/v1/status.
type ServerStatus struct {
	Name            string             `json:"name"`
	Running         bool               `json:"running"`
	Advertising     bool               `json:"advertising"`
	DiscoveryPort   int                `json:"discovery_port"`
	ClientCount     int                `json:"client_count"`
	ClientMaximum   *int               `json:"client_maximum,omitempty"`
	RequiredSensors []types.SensorType `json:"required_sensors"`
}

// SensorServer is what the control API needs from the server facade.
type SensorServer interface {
	IsRunning() bool
	Name() string
	DiscoveryPort() int
	Advertised() (types.NetworkDevice, bool)

	Clients() []types.NetworkDevice
	DisconnectClient(client types.NetworkDevice) bool
	SetClientMaximum(maximum int)
	ClientMaximum() (int, bool)
	RemoveClientMaximum()

	RequiredSensors() []types.SensorType

	AddButton(ctx context.Context, name string, id int) error
	RemoveButton(ctx context.Context, id int) error
	ClearButtons(ctx context.Context) error
	SetButtonLayout(ctx context.Context, xml string) error
	Layout() session.Layout

	SetSensorSpeed(ctx context.Context, sensor types.SensorType, speed types.SensorSpeed) error
	SensorSpeeds() map[types.SensorType]types.SensorSpeed
	SetSensorOutputRange(sensor types.SensorType, outputRange float32)
	SensorMaximumRanges(sensor types.SensorType) map[types.NetworkDevice]float32

	DisplayNotification(ctx context.Context, id int, title, content string, ongoing bool) error
	DisplayNotificationTo(ctx context.Context, client types.NetworkDevice, id int, title, content string, ongoing bool) error
	HideResetButton(ctx context.Context, hidden bool) error
	SendSensorDescription(ctx context.Context, sensor types.SensorType, description string) error
}

// SessionJournal lists past sessions. It is optional.
type SessionJournal interface {
	ListSessions(ctx context.Context, limit int) ([]storage.SessionRecord, error)
}
