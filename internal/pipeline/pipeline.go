// Package pipeline composes sensor data sinks into processing chains.
//
// Transforms are pure: they return a new reading and never touch their input.
// Readings are only cloned where a chain branches, in Splitter.
package pipeline

import "github.com/KevinKickass/OpenSensorCore/internal/types"

// SinkFunc adapts a function to types.DataSink.
type SinkFunc func(origin types.NetworkDevice, data types.SensorData, sensitivity float32)

func (f SinkFunc) OnData(origin types.NetworkDevice, data types.SensorData, sensitivity float32) {
	f(origin, data, sensitivity)
}

type Transform func(data types.SensorData) types.SensorData

// Filter applies a transform and hands the result to the next sink.
type Filter struct {
	transform Transform
	next      types.DataSink
}

func NewFilter(transform Transform, next types.DataSink) *Filter {
	return &Filter{transform: transform, next: next}
}

func (f *Filter) OnData(origin types.NetworkDevice, data types.SensorData, sensitivity float32) {
	if f.next == nil {
		return
	}
	f.next.OnData(origin, f.transform(data), sensitivity)
}

// Chain collects transforms in application order.
type Chain struct {
	transforms []Transform
}

func NewChain() *Chain {
	return &Chain{}
}

func (c *Chain) Then(t Transform) *Chain {
	c.transforms = append(c.transforms, t)
	return c
}

// Into links the transforms in front of sink and returns the head of the chain.
func (c *Chain) Into(sink types.DataSink) types.DataSink {
	head := sink
	for i := len(c.transforms) - 1; i >= 0; i-- {
		head = NewFilter(c.transforms[i], head)
	}
	return head
}

// Splitter hands every reading to several sinks, each with its own copy.
type Splitter struct {
	sinks []types.DataSink
}

func NewSplitter(sinks ...types.DataSink) *Splitter {
	return &Splitter{sinks: sinks}
}

func (s *Splitter) OnData(origin types.NetworkDevice, data types.SensorData, sensitivity float32) {
	for i, sink := range s.sinks {
		if i == len(s.sinks)-1 {
			sink.OnData(origin, data, sensitivity)
			return
		}
		sink.OnData(origin, data.Clone(), sensitivity)
	}
}

// Normalize multiplies every value by factor.
func Normalize(factor float32) Transform {
	return func(data types.SensorData) types.SensorData {
		values := make([]float32, len(data.Values))
		for i, v := range data.Values {
			values[i] = v * factor
		}
		data.Values = values
		return data
	}
}
