package types

// DataSink receives sensor readings. Sensitivity is -1 when no sensitivity applies.
type DataSink interface {
	OnData(origin NetworkDevice, data SensorData, sensitivity float32)
}

// ExceptionListener collects faults raised on background goroutines.
type ExceptionListener interface {
	OnException(source string, err error, info string)
}

type ExceptionFunc func(source string, err error, info string)

func (f ExceptionFunc) OnException(source string, err error, info string) {
	f(source, err, info)
}

// ClientListener is consulted for admission and told about session lifecycle changes.
type ClientListener interface {
	AcceptClient(device NetworkDevice) bool
	OnClientAccepted(device NetworkDevice)
	OnClientDisconnected(device NetworkDevice)
	OnClientTimeout(device NetworkDevice)
}

// ClientLossListener is told when a bound client left for any reason.
type ClientLossListener interface {
	OnClientLoss(device NetworkDevice)
}

type ButtonClick struct {
	ID   int  `json:"id"`
	Hold bool `json:"hold"`
}

type ButtonListener interface {
	OnButtonClick(click ButtonClick, origin NetworkDevice)
}

type ResetListener interface {
	OnResetPosition(origin NetworkDevice)
}

// SensorRequirementUpdater is notified whenever the set of sensors with subscribers changes.
type SensorRequirementUpdater interface {
	UpdateSensors(sensors []SensorType) error
}
