package data

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
)

// MaxDatagramSize is the receive buffer size; encoded readings must fit.
const MaxDatagramSize = 1024

// Frame layout, big endian:
//
//	u16 name length | name | u16 value count | count x f32 | i64 timestamp | i32 accuracy
const fixedFrameSize = 2 + 2 + 8 + 4

// EncodeFrame serializes one reading into a single datagram payload.
func EncodeFrame(reading types.SensorData) ([]byte, error) {
	name := string(reading.Sensor)
	size := fixedFrameSize + len(name) + 4*len(reading.Values)
	if size > MaxDatagramSize {
		return nil, fmt.Errorf("%s reading with %d values is %d bytes: %w",
			name, len(reading.Values), size, types.ErrFrameTooLarge)
	}

	frame := make([]byte, size)
	offset := 0

	binary.BigEndian.PutUint16(frame[offset:], uint16(len(name)))
	offset += 2
	offset += copy(frame[offset:], name)

	binary.BigEndian.PutUint16(frame[offset:], uint16(len(reading.Values)))
	offset += 2
	for _, v := range reading.Values {
		binary.BigEndian.PutUint32(frame[offset:], math.Float32bits(v))
		offset += 4
	}

	binary.BigEndian.PutUint64(frame[offset:], uint64(reading.Timestamp))
	offset += 8
	binary.BigEndian.PutUint32(frame[offset:], uint32(reading.Accuracy))

	return frame, nil
}

// DecodeFrame parses a datagram payload produced by EncodeFrame.
func DecodeFrame(frame []byte) (types.SensorData, error) {
	var reading types.SensorData

	if len(frame) < fixedFrameSize {
		return reading, fmt.Errorf("frame too short: %d bytes", len(frame))
	}

	offset := 0
	nameLen := int(binary.BigEndian.Uint16(frame[offset:]))
	offset += 2
	if len(frame) < fixedFrameSize+nameLen {
		return reading, fmt.Errorf("frame too short for sensor name of %d bytes", nameLen)
	}

	sensor, err := types.ParseSensorType(string(frame[offset : offset+nameLen]))
	if err != nil {
		return reading, err
	}
	offset += nameLen

	count := int(binary.BigEndian.Uint16(frame[offset:]))
	offset += 2
	if want := fixedFrameSize + nameLen + 4*count; len(frame) != want {
		return reading, fmt.Errorf("frame length %d does not match %d values (want %d bytes)", len(frame), count, want)
	}

	values := make([]float32, count)
	for i := range values {
		values[i] = math.Float32frombits(binary.BigEndian.Uint32(frame[offset:]))
		offset += 4
	}

	reading.Sensor = sensor
	reading.Values = values
	reading.Timestamp = int64(binary.BigEndian.Uint64(frame[offset:]))
	offset += 8
	reading.Accuracy = int32(binary.BigEndian.Uint32(frame[offset:]))

	return reading, nil
}
