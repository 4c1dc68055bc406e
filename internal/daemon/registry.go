package daemon

import (
	"fmt"
	"slices"
	"sync"
)

// Registry tracks live connections by ID. Only the daemon mutates it.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	nextSeq uint64
}

func newRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// register adds c. It fails if the ID is already present.
func (r *Registry) register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, c.id)
	}
	r.nextSeq++
	c.seq = r.nextSeq
	r.conns[c.id] = c
	return nil
}

// unregister removes id. Removing an unknown id is a no-op.
func (r *Registry) unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Get returns the connection with the given ID.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the registered connections in registration order. The
// slice is a copy and is not affected by later changes to the registry.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(conns, func(a, b *Connection) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return conns
}
