package ringbuf

import (
	"sync"
	"time"
)

// InstallSpec describes one hook to install in the embedded collector.
type InstallSpec struct {
	// Address is the runtime address of the function entry. A zero
	// address is unpatchable and skipped; install is per-function, not
	// all-or-nothing.
	Address uint64
	FuncID  uint32
	Mode    HookMode
}

type hook struct {
	funcID uint32
	mode   HookMode
}

// Embedded is the collector running inside the target process: it owns
// the producer side of the ring buffer and the table of installed
// hooks. The hook bodies (OnEnter/OnExit) are invoked by the
// instrumentation engine on every intercepted call.
type Embedded struct {
	buf *Buffer

	mu     sync.RWMutex
	hooks  map[uint64]hook
	depths map[uint32]uint16 // open full-mode frames per thread
}

// NewEmbedded creates a collector producing into buf.
func NewEmbedded(buf *Buffer) *Embedded {
	return &Embedded{
		buf:    buf,
		hooks:  make(map[uint64]hook),
		depths: make(map[uint32]uint16),
	}
}

// Buffer returns the shared region this collector produces into.
func (c *Embedded) Buffer() *Buffer {
	return c.buf
}

// Install adds hooks and returns how many were actually installed.
// Unpatchable targets are skipped, already-hooked addresses are
// re-pointed at the new spec.
func (c *Embedded) Install(specs []InstallSpec) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	installed := 0
	for _, s := range specs {
		if s.Address == 0 {
			continue
		}
		c.hooks[s.Address] = hook{funcID: s.FuncID, mode: s.Mode}
		installed++
	}
	return installed
}

// Remove uninstalls hooks by address. Unknown addresses are ignored.
func (c *Embedded) Remove(addrs []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range addrs {
		delete(c.hooks, a)
	}
}

// ActiveCount returns the number of installed hooks.
func (c *Embedded) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hooks)
}

// OnEnter is the entry hook body. Full-mode hooks always reserve a
// slot and open a frame; light-mode hooks record enter-only, gated by
// the sampling interval, and never open a frame.
func (c *Embedded) OnEnter(addr uint64, tid uint32, arg0, arg1 uint64) {
	c.mu.Lock()
	h, ok := c.hooks[addr]
	if !ok {
		c.mu.Unlock()
		return
	}
	depth := c.depths[tid]
	if h.mode == ModeFull {
		c.depths[tid] = depth + 1
	}
	c.mu.Unlock()

	e := RawEntry{
		Timestamp: uint64(time.Now().UnixNano()),
		Arg0:      arg0,
		Arg1:      arg1,
		FuncID:    h.funcID,
		ThreadID:  tid,
		Depth:     depth,
		Kind:      KindEnter,
	}

	switch h.mode {
	case ModeFull:
		c.buf.Write(&e)
	case ModeLight:
		c.buf.WriteSampled(&e)
	}
}

// OnExit is the exit hook body; only full-mode hooks have one. The
// recorded depth matches the corresponding enter.
func (c *Embedded) OnExit(addr uint64, tid uint32, ret uint64) {
	c.mu.Lock()
	h, ok := c.hooks[addr]
	if !ok || h.mode != ModeFull {
		c.mu.Unlock()
		return
	}
	depth := c.depths[tid]
	if depth > 0 {
		depth--
		c.depths[tid] = depth
	}
	c.mu.Unlock()

	e := RawEntry{
		Timestamp: uint64(time.Now().UnixNano()),
		Ret:       ret,
		FuncID:    h.funcID,
		ThreadID:  tid,
		Depth:     depth,
		Kind:      KindExit,
	}
	c.buf.Write(&e)
}
