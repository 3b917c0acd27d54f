package collector

import (
	"sync"

	"github.com/probeline/probeline/internal/resolver"
)

// FunctionRegistry maps small-integer ids to function metadata for one
// session. Producers record only the id; the drain loop resolves it
// back. Ids are never reused, so entries for removed hooks simply go
// missing and the drain skips them.
type FunctionRegistry struct {
	mu     sync.RWMutex
	nextID uint32
	byID   map[uint32]resolver.FunctionTarget
	byAddr map[uint64]uint32
}

// NewFunctionRegistry creates an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{
		nextID: 1,
		byID:   make(map[uint32]resolver.FunctionTarget),
		byAddr: make(map[uint64]uint32),
	}
}

// Register assigns an id to a target, or returns the existing id if the
// target's address is already registered.
func (r *FunctionRegistry) Register(t resolver.FunctionTarget) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byAddr[t.Address]; ok {
		return id
	}
	id := r.nextID
	r.nextID++
	r.byID[id] = t
	r.byAddr[t.Address] = id
	return id
}

// Lookup resolves an id to its target. Returns false for orphaned ids
// (hook removed after entries were produced).
func (r *FunctionRegistry) Lookup(id uint32) (resolver.FunctionTarget, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	return t, ok
}

// IDForAddress returns the registered id for an address.
func (r *FunctionRegistry) IDForAddress(addr uint64) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr]
	return id, ok
}

// Remove orphans the entries for the given addresses. In-flight ring
// entries keep their ids; the drain tolerates the miss.
func (r *FunctionRegistry) Remove(addrs []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range addrs {
		if id, ok := r.byAddr[a]; ok {
			delete(r.byID, id)
			delete(r.byAddr, a)
		}
	}
}

// Len returns the number of live entries.
func (r *FunctionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
