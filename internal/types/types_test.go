package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSensorTypeIgnoresCase(t *testing.T) {
	for _, name := range []string{"Gyroscope", "gyroscope", "GYROSCOPE"} {
		s, err := ParseSensorType(name)
		require.NoError(t, err, name)
		assert.Equal(t, SensorGyroscope, s)
	}

	_, err := ParseSensorType("Thermometer")
	assert.Error(t, err)
}

func TestParseSensorSpeed(t *testing.T) {
	s, err := ParseSensorSpeed("Game")
	require.NoError(t, err)
	assert.Equal(t, SpeedGame, s)

	_, err = ParseSensorSpeed("warp")
	assert.Error(t, err)
}

func TestNetworkDeviceIdentity(t *testing.T) {
	a := NewNetworkDevice("phone", 5000, 5001).WithAddress("10.0.0.2")
	b := a
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Key(), b.Key())

	b.DataPort = 5002
	assert.False(t, a.Equal(b))
	assert.NotEqual(t, a.Key(), b.Key())

	// A name containing the separators must not collide with another device.
	c := NewNetworkDevice(`x"@`, 1, 2)
	d := NewNetworkDevice(`x`, 1, 2).WithAddress(`"@`)
	assert.NotEqual(t, c.Key(), d.Key())
}

func TestNetworkDeviceIP(t *testing.T) {
	_, err := NewNetworkDevice("phone", 1, 2).IP()
	assert.ErrorIs(t, err, ErrUnresolvedAddress)

	ip, err := NewNetworkDevice("phone", 1, 2).WithAddress("127.0.0.1").IP()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip.String())

	assert.Equal(t, "phone at unknown", NewNetworkDevice("phone", 1, 2).String())
}

func TestSensorDataCloneIsDeep(t *testing.T) {
	d := SensorData{Sensor: SensorGravity, Values: []float32{1, 2}}
	c := d.Clone()
	c.Values[0] = 9
	assert.Equal(t, float32(1), d.Values[0])
}
