package session

import (
	"sync"

	"github.com/KevinKickass/OpenSensorCore/internal/pipeline"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
)

const (
	DefaultSensitivity float32 = 50
	DefaultSourceRange float32 = 10
	DefaultOutputRange float32 = 100
)

type scaling struct {
	sensitivity float32
	sourceRange float32
	outputRange float32
}

var defaultScaling = scaling{
	sensitivity: DefaultSensitivity,
	sourceRange: DefaultSourceRange,
	outputRange: DefaultOutputRange,
}

// Scaler normalizes readings from the device range to the configured output
// range and attaches the user sensitivity of the sensor.
//
// Values are multiplied by outputRange/sourceRange.
type Scaler struct {
	next types.DataSink

	mu      sync.RWMutex
	sensors map[types.SensorType]scaling
}

func NewScaler(next types.DataSink) *Scaler {
	return &Scaler{
		next:    next,
		sensors: make(map[types.SensorType]scaling),
	}
}

func (s *Scaler) get(sensor types.SensorType) scaling {
	if sc, ok := s.sensors[sensor]; ok {
		return sc
	}
	return defaultScaling
}

func (s *Scaler) update(sensor types.SensorType, apply func(*scaling)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := s.get(sensor)
	apply(&sc)
	s.sensors[sensor] = sc
}

func (s *Scaler) SetSensitivity(sensor types.SensorType, sensitivity float32) {
	s.update(sensor, func(sc *scaling) { sc.sensitivity = sensitivity })
}

// SetSourceRange records the maximum range reported by the device. Non-positive ranges are ignored.
func (s *Scaler) SetSourceRange(sensor types.SensorType, sourceRange float32) {
	if sourceRange <= 0 {
		return
	}
	s.update(sensor, func(sc *scaling) { sc.sourceRange = sourceRange })
}

func (s *Scaler) SetOutputRange(sensor types.SensorType, outputRange float32) {
	s.update(sensor, func(sc *scaling) { sc.outputRange = outputRange })
}

func (s *Scaler) Sensitivity(sensor types.SensorType) float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(sensor).sensitivity
}

// SourceRange is the last device-reported maximum range of sensor.
func (s *Scaler) SourceRange(sensor types.SensorType) float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(sensor).sourceRange
}

func (s *Scaler) OutputRange(sensor types.SensorType) float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(sensor).outputRange
}

func (s *Scaler) OnData(origin types.NetworkDevice, data types.SensorData, _ float32) {
	if s.next == nil {
		return
	}

	s.mu.RLock()
	sc := s.get(data.Sensor)
	s.mu.RUnlock()

	scaled := pipeline.Normalize(sc.outputRange / sc.sourceRange)(data)
	s.next.OnData(origin, scaled, sc.sensitivity)
}
