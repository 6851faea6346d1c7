package control

import "github.com/KevinKickass/OpenSensorCore/internal/types"

// CommandType is the wire tag of a command.
type CommandType string

const (
	TypeConnectionRequest         CommandType = "ConnectionRequest"
	TypeConnectionRequestResponse CommandType = "ConnectionRequestResponse"
	TypeEndConnection             CommandType = "EndConnection"
	TypeButtonClick               CommandType = "ButtonClick"
	TypeChangeSensorSensitivity   CommandType = "ChangeSensorSensitivity"
	TypeSensorRangeNotification   CommandType = "SensorRangeNotification"
	TypeConnectionAliveCheck      CommandType = "ConnectionAliveCheck"
	TypeSetSensor                 CommandType = "SetSensor"
	TypeSetSensorSpeed            CommandType = "SetSensorSpeed"
	TypeUpdateButtonsMap          CommandType = "UpdateButtonsMap"
	TypeUpdateButtonsXML          CommandType = "UpdateButtonsXML"
	TypeDisplayNotification       CommandType = "DisplayNotification"
	TypeRemapPorts                CommandType = "RemapPorts"
	TypeSensorDescription         CommandType = "SensorDescription"
	TypeResetToCenter             CommandType = "ResetToCenter"
	TypeHideReset                 CommandType = "HideReset"
)

// Command is one control message. The tag is derived from the concrete type.
type Command interface {
	Type() CommandType
}

// ConnectionRequest is sent by a peer that wants to bind to an advertised session.
type ConnectionRequest struct {
	Self types.NetworkDevice `json:"self"`
}

type ConnectionRequestResponse struct {
	Grant bool `json:"grant"`
}

type EndConnection struct {
	Self types.NetworkDevice `json:"self"`
}

type ButtonClick struct {
	ID   int  `json:"id"`
	Hold bool `json:"hold"`
}

type ChangeSensorSensitivity struct {
	Sensor      types.SensorType `json:"sensor"`
	Sensitivity float32          `json:"sensitivity"`
}

// SensorRangeNotification reports the maximum range a device sensor can produce.
type SensorRangeNotification struct {
	Sensor types.SensorType `json:"sensor"`
	Range  float32          `json:"range"`
}

// ConnectionAliveCheck is a liveness probe. The answering side fills in Answerer.
type ConnectionAliveCheck struct {
	Requester types.NetworkDevice  `json:"requester"`
	Answerer  *types.NetworkDevice `json:"answerer,omitempty"`
}

type SetSensor struct {
	Sensors []types.SensorType `json:"sensors"`
}

type SetSensorSpeed struct {
	Sensor types.SensorType  `json:"sensor"`
	Speed  types.SensorSpeed `json:"speed"`
}

type UpdateButtonsMap struct {
	Buttons map[int]string `json:"buttons"`
}

type UpdateButtonsXML struct {
	XML string `json:"xml"`
}

type DisplayNotification struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Ongoing bool   `json:"ongoing"`
}

// RemapPorts tells a peer which ports of the server it should talk to.
type RemapPorts struct {
	DataPort    int `json:"data_port"`
	CommandPort int `json:"command_port"`
}

type SensorDescription struct {
	Sensor      types.SensorType `json:"sensor"`
	Description string           `json:"description"`
}

type ResetToCenter struct{}

type HideReset struct {
	Hidden bool `json:"hidden"`
}

func (ConnectionRequest) Type() CommandType         { return TypeConnectionRequest }
func (ConnectionRequestResponse) Type() CommandType { return TypeConnectionRequestResponse }
func (EndConnection) Type() CommandType             { return TypeEndConnection }
func (ButtonClick) Type() CommandType               { return TypeButtonClick }
func (ChangeSensorSensitivity) Type() CommandType   { return TypeChangeSensorSensitivity }
func (SensorRangeNotification) Type() CommandType   { return TypeSensorRangeNotification }
func (ConnectionAliveCheck) Type() CommandType      { return TypeConnectionAliveCheck }
func (SetSensor) Type() CommandType                 { return TypeSetSensor }
func (SetSensorSpeed) Type() CommandType            { return TypeSetSensorSpeed }
func (UpdateButtonsMap) Type() CommandType          { return TypeUpdateButtonsMap }
func (UpdateButtonsXML) Type() CommandType          { return TypeUpdateButtonsXML }
func (DisplayNotification) Type() CommandType       { return TypeDisplayNotification }
func (RemapPorts) Type() CommandType                { return TypeRemapPorts }
func (SensorDescription) Type() CommandType         { return TypeSensorDescription }
func (ResetToCenter) Type() CommandType             { return TypeResetToCenter }
func (HideReset) Type() CommandType                 { return TypeHideReset }

// Click converts the command into the listener-facing value.
func (b ButtonClick) Click() types.ButtonClick {
	return types.ButtonClick{ID: b.ID, Hold: b.Hold}
}
