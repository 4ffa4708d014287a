// Package registry implements the per-adapter peripheral registry (spec
// §4.5): a concurrent PeripheralId → Peripheral map plus the single
// multi-producer, lossy CentralEvent broadcast channel every subscriber of
// an Adapter's Events() stream reads from.
package registry

import (
	"fmt"

	"github.com/cornelk/hashmap"

	"github.com/srg/blecentral/central"
	"github.com/srg/blecentral/eventbus"
)

// DefaultEventBufferSize is the per-subscriber event queue depth (§4.5:
// "finite buffer (size 16, lossy for slow subscribers")").
const DefaultEventBufferSize = 16

// Registry owns the live peripheral map and event bus for one adapter.
// Peripherals reach it through their owning backend Adapter to call Emit.
type Registry struct {
	peripherals *hashmap.Map[string, central.Peripheral]
	bus         *eventbus.Bus[central.CentralEvent]
}

// New returns an empty registry whose event bus buffers up to
// DefaultEventBufferSize events per subscriber.
func New() *Registry {
	return NewWithBufferSize(DefaultEventBufferSize)
}

// NewWithBufferSize is New with an explicit per-subscriber buffer depth,
// exposed for tests that want to exercise overflow behavior deterministically.
func NewWithBufferSize(bufferSize int) *Registry {
	return &Registry{
		peripherals: hashmap.New[string, central.Peripheral](),
		bus:         eventbus.New[central.CentralEvent](bufferSize),
	}
}

// Get returns the live peripheral for id, if any.
func (r *Registry) Get(id central.PeripheralId) (central.Peripheral, bool) {
	return r.peripherals.Get(id.String())
}

// List returns a snapshot of all live peripherals. Order is unspecified.
func (r *Registry) List() []central.Peripheral {
	out := make([]central.Peripheral, 0, r.peripherals.Len())
	r.peripherals.Range(func(_ string, p central.Peripheral) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Len reports the number of live peripherals.
func (r *Registry) Len() int { return int(r.peripherals.Len()) }

// UpsertFromScan records a sighting of id during scanning. make is invoked
// to construct the peripheral only on first sighting. It returns the live
// peripheral handle and whether this is the peripheral's first sighting;
// callers use that to choose between emitting DeviceDiscovered and
// DeviceUpdated (§4.5: "the first emits DeviceDiscovered, subsequent emit
// DeviceUpdated").
func (r *Registry) UpsertFromScan(id central.PeripheralId, make func() central.Peripheral) (p central.Peripheral, firstSeen bool) {
	existing, found := r.peripherals.Get(id.String())
	if found {
		return existing, false
	}
	stored, alreadyInserted := r.peripherals.GetOrInsert(id.String(), make())
	return stored, !alreadyInserted
}

// AddPeripheral registers a peripheral the backend did not discover via
// scanning. It panics if id is already present: per §4.5 this path ("a
// subsequent add_peripheral(id, handle) for an already-present id") is a
// programming error, not a runtime condition callers can recover from.
func (r *Registry) AddPeripheral(id central.PeripheralId, p central.Peripheral) {
	_, alreadyInserted := r.peripherals.GetOrInsert(id.String(), p)
	if alreadyInserted {
		panic(fmt.Sprintf("registry: AddPeripheral called with already-present id %q", id.String()))
	}
}

// Remove drops id from the live registry. Subsequent Get/lookups fail with
// DeviceNotFound (enforced by callers) until a new advertisement re-adds it.
func (r *Registry) Remove(id central.PeripheralId) {
	r.peripherals.Del(id.String())
}

// Emit applies the DeviceDisconnected-removes-first rule and then
// broadcasts event to every current subscriber (§4.5, steps 1-2).
func (r *Registry) Emit(event central.CentralEvent) {
	if event.Kind == central.EventDeviceDisconnected || event.Kind == central.EventDeviceLost {
		if event.PeripheralId != nil {
			r.Remove(event.PeripheralId)
		}
	}
	r.bus.Publish(event)
}

// EventStream returns a fresh subscription (§4.5: "event_stream() returns a
// fresh subscription; if a subscriber lags it receives only the most recent
// buffered events"). The returned func unsubscribes and closes the channel.
func (r *Registry) EventStream() (<-chan central.CentralEvent, func()) {
	return r.bus.Subscribe()
}

// SubscriberCount reports the number of live Events() subscribers, for
// diagnostics.
func (r *Registry) SubscriberCount() int { return r.bus.SubscriberCount() }

// Close tears down the event bus, closing every live subscriber channel.
// The peripheral map is left intact; callers that own OS resources per
// peripheral are responsible for releasing them first.
func (r *Registry) Close() { r.bus.Close() }
