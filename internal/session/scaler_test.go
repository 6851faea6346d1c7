package session

import (
	"testing"

	"github.com/KevinKickass/OpenSensorCore/internal/pipeline"
	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalerDefaults(t *testing.T) {
	var got []float32
	var sensitivity float32
	s := NewScaler(pipeline.SinkFunc(func(_ types.NetworkDevice, d types.SensorData, sens float32) {
		got = d.Values
		sensitivity = sens
	}))

	in := types.SensorData{Sensor: types.SensorGyroscope, Values: []float32{1, -2}}
	s.OnData(types.NetworkDevice{}, in, -1)

	assert.Equal(t, []float32{10, -20}, got)
	assert.Equal(t, DefaultSensitivity, sensitivity)
	assert.Equal(t, []float32{1, -2}, in.Values)
}

func TestScalerPerSensorSettings(t *testing.T) {
	var got types.SensorData
	var sensitivity float32
	s := NewScaler(pipeline.SinkFunc(func(_ types.NetworkDevice, d types.SensorData, sens float32) {
		got = d
		sensitivity = sens
	}))

	s.SetSourceRange(types.SensorGyroscope, 20)
	s.SetOutputRange(types.SensorGyroscope, 1)
	s.SetSensitivity(types.SensorGyroscope, 75)
	s.SetSourceRange(types.SensorGyroscope, 0)

	s.OnData(types.NetworkDevice{}, types.SensorData{Sensor: types.SensorGyroscope, Values: []float32{10}}, -1)
	require.Equal(t, types.SensorGyroscope, got.Sensor)
	assert.InDelta(t, 0.5, got.Values[0], 1e-6)
	assert.Equal(t, float32(75), sensitivity)
	assert.Equal(t, float32(20), s.SourceRange(types.SensorGyroscope))

	s.OnData(types.NetworkDevice{}, types.SensorData{Sensor: types.SensorGravity, Values: []float32{1}}, -1)
	assert.Equal(t, []float32{10}, got.Values)
	assert.Equal(t, DefaultSensitivity, sensitivity)
	assert.Equal(t, DefaultSourceRange, s.SourceRange(types.SensorGravity))
}
