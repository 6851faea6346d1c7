package discovery

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
)

// MaxPayloadSize is the receive buffer for identification datagrams.
const MaxPayloadSize = 1024

var errNoName = errors.New("identification without name")

func encodeIdentification(device types.NetworkDevice) ([]byte, error) {
	data, err := json.Marshal(device)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("identification of %q: %w", device.Name, types.ErrFrameTooLarge)
	}
	return data, nil
}

func decodeIdentification(data []byte) (types.NetworkDevice, error) {
	var device types.NetworkDevice
	if err := json.Unmarshal(data, &device); err != nil {
		return device, err
	}
	if device.Name == "" {
		return device, errNoName
	}
	return device, nil
}
