package relay

import (
	"context"
	"sync"
)

// MemoryBus an in-process stand-in for the broadcast channel, connecting the
// relays of multiple simulated instances. Used by unit tests and single-node
// runs.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandlerCB
}

// NewMemoryBus define a new in-process relay bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string]EventHandlerCB)}
}

// RelayForInstance an instance's view of the shared bus
func (b *MemoryBus) RelayForInstance(instance string) Relay {
	return &memoryRelayImpl{bus: b, instance: instance}
}

func (b *MemoryBus) publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for instance, handler := range b.handlers {
		if instance == event.Origin {
			continue
		}
		handler(event)
	}
}

// memoryRelayImpl implements Relay against a shared MemoryBus
type memoryRelayImpl struct {
	bus      *MemoryBus
	instance string
}

// Publish broadcast an event to all other subscribed instances
func (r *memoryRelayImpl) Publish(ctxt context.Context, event Event) error {
	event.Origin = r.instance
	r.bus.publish(event)
	return nil
}

// Subscribe register the handler for events from other instances
func (r *memoryRelayImpl) Subscribe(handler EventHandlerCB) error {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	r.bus.handlers[r.instance] = handler
	return nil
}

// Close tear down the subscription
func (r *memoryRelayImpl) Close() {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	delete(r.bus.handlers, r.instance)
}
