// Package routing fans sensor readings out to the sinks interested in them.
package routing

import (
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/KevinKickass/OpenSensorCore/internal/types"
	"go.uber.org/zap"
)

type route struct {
	sink   types.DataSink
	origin *types.NetworkDevice
}

func (r route) accepts(origin types.NetworkDevice) bool {
	return r.origin == nil || r.origin.Equal(origin)
}

// Router delivers each reading to every sink registered for its sensor type,
// optionally restricted to one origin device. Whenever the set of sensor types
// with at least one sink changes, the new set is pushed to the updater.
type Router struct {
	logger *zap.Logger

	// pushMu keeps requirement pushes in mutation order.
	pushMu  sync.Mutex
	updater types.SensorRequirementUpdater

	mu     sync.RWMutex
	routes map[types.SensorType][]route
}

func NewRouter(updater types.SensorRequirementUpdater, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:  logger.Named("router"),
		updater: updater,
		routes:  make(map[types.SensorType][]route),
	}
}

// SetUpdater replaces the receiver of requirement changes.
func (r *Router) SetUpdater(updater types.SensorRequirementUpdater) {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()
	r.updater = updater
}

// Register routes readings of sensor to sink. A nil origin accepts readings of every device.
// Sinks are compared by identity, so they must be of a comparable type.
func (r *Router) Register(sensor types.SensorType, origin *types.NetworkDevice, sink types.DataSink) error {
	if sink == nil {
		return fmt.Errorf("register %s: nil sink", sensor)
	}
	if s, ok := sink.(*Router); ok && s == r {
		return types.ErrSelfRegistration
	}
	if !reflect.TypeOf(sink).Comparable() {
		return fmt.Errorf("register %s: sink type %T is not comparable", sensor, sink)
	}
	if !sensor.Valid() {
		return fmt.Errorf("register: unknown sensor type %q", sensor)
	}

	if origin != nil {
		o := *origin
		origin = &o
	}

	r.mutate(func() {
		for _, existing := range r.routes[sensor] {
			if existing.sink == sink && sameOrigin(existing.origin, origin) {
				return
			}
		}
		r.routes[sensor] = append(r.routes[sensor], route{sink: sink, origin: origin})
	})
	return nil
}

// Unregister removes sink from every sensor type.
func (r *Router) Unregister(sink types.DataSink) {
	r.removeWhere(func(_ types.SensorType, rt route) bool {
		return rt.sink == sink
	})
}

// UnregisterSensor removes sink from one sensor type.
func (r *Router) UnregisterSensor(sink types.DataSink, sensor types.SensorType) {
	r.removeWhere(func(s types.SensorType, rt route) bool {
		return s == sensor && rt.sink == sink
	})
}

// RemoveOrigin drops every registration scoped to device.
func (r *Router) RemoveOrigin(device types.NetworkDevice) {
	r.removeWhere(func(_ types.SensorType, rt route) bool {
		return rt.origin != nil && rt.origin.Equal(device)
	})
}

// OnData implements types.DataSink.
func (r *Router) OnData(origin types.NetworkDevice, data types.SensorData, sensitivity float32) {
	r.mu.RLock()
	routes := append([]route(nil), r.routes[data.Sensor]...)
	r.mu.RUnlock()

	for _, rt := range routes {
		if rt.accepts(origin) {
			rt.sink.OnData(origin, data, sensitivity)
		}
	}
}

// RequiredSensors returns the sensor types that have at least one sink.
func (r *Router) RequiredSensors() []types.SensorType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.requiredLocked()
}

func (r *Router) requiredLocked() []types.SensorType {
	var required []types.SensorType
	for _, sensor := range types.AllSensorTypes() {
		if len(r.routes[sensor]) > 0 {
			required = append(required, sensor)
		}
	}
	return required
}

func (r *Router) removeWhere(match func(types.SensorType, route) bool) {
	r.mutate(func() {
		for sensor, routes := range r.routes {
			kept := routes[:0]
			for _, rt := range routes {
				if !match(sensor, rt) {
					kept = append(kept, rt)
				}
			}
			if len(kept) == 0 {
				delete(r.routes, sensor)
			} else {
				r.routes[sensor] = kept
			}
		}
	})
}

// mutate applies change and pushes the requirement set if it differs afterwards.
func (r *Router) mutate(change func()) {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()

	r.mu.Lock()
	before := r.requiredLocked()
	change()
	after := r.requiredLocked()
	r.mu.Unlock()

	if slices.Equal(before, after) || r.updater == nil {
		return
	}

	if err := r.updater.UpdateSensors(after); err != nil {
		r.logger.Warn("Pushing required sensors failed",
			zap.Int("sensors", len(after)),
			zap.Error(err))
	}
}

func sameOrigin(a, b *types.NetworkDevice) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
