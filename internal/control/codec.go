package control

import (
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
)

// MaxCommandSize bounds the bytes read from one inbound command connection.
const MaxCommandSize = 64 * 1024

type envelope struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type decodeFunc func(payload json.RawMessage) (Command, error)

var decoders = map[CommandType]decodeFunc{}

func register[T Command]() {
	var zero T
	decoders[zero.Type()] = func(payload json.RawMessage) (Command, error) {
		var cmd T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &cmd); err != nil {
				return nil, err
			}
		}
		return cmd, nil
	}
}

func init() {
	register[ConnectionRequest]()
	register[ConnectionRequestResponse]()
	register[EndConnection]()
	register[ButtonClick]()
	register[ChangeSensorSensitivity]()
	register[SensorRangeNotification]()
	register[ConnectionAliveCheck]()
	register[SetSensor]()
	register[SetSensorSpeed]()
	register[UpdateButtonsMap]()
	register[UpdateButtonsXML]()
	register[DisplayNotification]()
	register[RemapPorts]()
	register[SensorDescription]()
	register[ResetToCenter]()
	register[HideReset]()
}

// Encode serializes a command into its tagged envelope.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("encode: nil command")
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Type(), err)
	}

	return json.Marshal(envelope{Type: cmd.Type(), Payload: payload})
}

// Decode parses one tagged envelope. Unknown tags yield types.ErrUnknownCommand.
func Decode(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	decode, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("decode %q: %w", env.Type, types.ErrUnknownCommand)
	}

	cmd, err := decode(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return cmd, nil
}
