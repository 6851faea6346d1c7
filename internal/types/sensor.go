package types

import (
	"fmt"
	"slices"
	"strings"
)

type SensorType string

const (
	SensorAccelerometer      SensorType = "Accelerometer"
	SensorGyroscope          SensorType = "Gyroscope"
	SensorMagnetometer       SensorType = "Magnetometer"
	SensorLinearAcceleration SensorType = "LinearAcceleration"
	SensorRotationVector     SensorType = "RotationVector"
	SensorOrientation        SensorType = "Orientation"
	SensorGameRotationVector SensorType = "GameRotationVector"
	SensorGravity            SensorType = "Gravity"
)

var sensorTypes = []SensorType{
	SensorAccelerometer,
	SensorGyroscope,
	SensorMagnetometer,
	SensorLinearAcceleration,
	SensorRotationVector,
	SensorOrientation,
	SensorGameRotationVector,
	SensorGravity,
}

// AllSensorTypes returns every known sensor type in declaration order.
func AllSensorTypes() []SensorType {
	return slices.Clone(sensorTypes)
}

func (s SensorType) Valid() bool {
	return slices.Contains(sensorTypes, s)
}

// ParseSensorType resolves a sensor name, ignoring case.
func ParseSensorType(name string) (SensorType, error) {
	for _, s := range sensorTypes {
		if strings.EqualFold(string(s), name) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown sensor type: %s", name)
}

// SensorSpeed mirrors the sampling rate classes a device offers.
type SensorSpeed string

const (
	SpeedFastest SensorSpeed = "fastest"
	SpeedGame    SensorSpeed = "game"
	SpeedNormal  SensorSpeed = "normal"
	SpeedUI      SensorSpeed = "ui"
)

func ParseSensorSpeed(name string) (SensorSpeed, error) {
	switch s := SensorSpeed(strings.ToLower(name)); s {
	case SpeedFastest, SpeedGame, SpeedNormal, SpeedUI:
		return s, nil
	default:
		return "", fmt.Errorf("unknown sensor speed: %s", name)
	}
}

// SensorData is a single reading. Values are interpreted according to Sensor.
type SensorData struct {
	Sensor    SensorType `json:"sensor"`
	Values    []float32  `json:"values"`
	Timestamp int64      `json:"timestamp"`
	Accuracy  int32      `json:"accuracy"`
}

// Clone returns a deep copy.
func (d SensorData) Clone() SensorData {
	d.Values = slices.Clone(d.Values)
	return d
}
