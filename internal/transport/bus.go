package transport

import (
	"fmt"
	"sync"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Bus connects several participants living in one process.
type Bus struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewBus creates an empty federation.
func NewBus() *Bus {
	return &Bus{endpoints: make(map[string]*Endpoint)}
}

// Endpoint is one participant's adapter on a Bus.
type Endpoint struct {
	*core
	bus *Bus
}

// Connect adds a participant to the bus.
func (b *Bus) Connect(name string) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.endpoints[name]; ok {
		return nil, fmt.Errorf("%w: participant %q already connected", types.ErrResourceInUse, name)
	}
	ep := &Endpoint{bus: b}
	ep.core = newCore(name, b.broadcast)
	b.endpoints[name] = ep
	return ep, nil
}

// Close disconnects the endpoint and stops its delivery goroutine.
func (e *Endpoint) Close() error {
	e.bus.mu.Lock()
	delete(e.bus.endpoints, e.name)
	e.bus.mu.Unlock()
	e.d.close()
	return nil
}

func (b *Bus) broadcast(env envelope) error {
	b.mu.RLock()
	targets := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		targets = append(targets, ep)
	}
	b.mu.RUnlock()

	for _, ep := range targets {
		ep.receive(env)
	}
	return nil
}
