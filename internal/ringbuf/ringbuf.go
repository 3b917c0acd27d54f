// Package ringbuf implements the shared ring buffer protocol between the
// embedded collector in the target process and the drain loop in the
// controller. Multiple producers reserve slots with a single atomic
// increment; one consumer drains. Indices never wrap: slot position is
// index & mask. A far-behind consumer loses overwritten slots instead of
// blocking producers; overflow_count records how often that happened.
package ringbuf

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var errShortEntry = errors.New("ringbuf: entry buffer shorter than 48 bytes")

// Buffer is the shared region: atomic header words followed by a
// power-of-two ring of fixed-size RawEntry slots.
type Buffer struct {
	writeIndex     atomic.Uint64 // incremented by every producer call site
	readIndex      atomic.Uint64 // owned by the single consumer
	overflowCount  atomic.Uint64 // diagnostic only
	sampleInterval atomic.Uint32 // consumer-written, producer-read
	globalCounter  atomic.Uint64 // light-mode sampling modulus

	mask uint64
	data []byte
}

// New creates a buffer with the given capacity, which must be a power
// of two.
func New(capacity uint64) (*Buffer, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("ringbuf: capacity must be a power of two, got %d", capacity)
	}
	b := &Buffer{
		mask: capacity - 1,
		data: make([]byte, capacity*EntrySize),
	}
	b.sampleInterval.Store(1)
	return b, nil
}

// Capacity returns the number of slots in the ring.
func (b *Buffer) Capacity() uint64 {
	return b.mask + 1
}

// Write reserves the next slot and encodes the entry into it. Used by
// full-mode hooks and by light-mode hooks that passed the sampling
// check. If the consumer is more than a full ring behind, the slot
// being overwritten was never read and overflow_count is bumped;
// producers never block.
func (b *Buffer) Write(e *RawEntry) {
	slot := b.writeIndex.Add(1) - 1
	if slot-b.readIndex.Load() >= b.Capacity() {
		b.overflowCount.Add(1)
	}
	off := (slot & b.mask) * EntrySize
	e.encode(b.data[off : off+EntrySize])
}

// WriteSampled applies the light-mode sampling gate, then records the
// entry if this call is selected. Every call increments the global
// counter regardless of outcome. Returns true if the entry was written.
func (b *Buffer) WriteSampled(e *RawEntry) bool {
	n := b.globalCounter.Add(1)
	interval := uint64(b.sampleInterval.Load())
	if interval > 1 && n%interval != 0 {
		return false
	}
	e.Sampled = interval > 1
	b.Write(e)
	return true
}

// Pending returns how many entries are available to drain, capped at
// capacity: production may have run arbitrarily far ahead, but only the
// last capacity slots still hold unread data.
func (b *Buffer) Pending() uint64 {
	w := b.writeIndex.Load()
	r := b.readIndex.Load()
	if w < r {
		return 0
	}
	n := w - r
	if n > b.Capacity() {
		n = b.Capacity()
	}
	return n
}

// ReadIndex returns the consumer's current absolute index.
func (b *Buffer) ReadIndex() uint64 {
	return b.readIndex.Load()
}

// WriteIndex returns the producers' current absolute index.
func (b *Buffer) WriteIndex() uint64 {
	return b.writeIndex.Load()
}

// ReadAt decodes the slot at absolute index i. Only the consumer may
// call this, and only for indices in [ReadIndex, ReadIndex+Pending).
// A torn read of a slot being concurrently overwritten is an accepted
// consequence of the overwrite-on-overflow design.
func (b *Buffer) ReadAt(i uint64, e *RawEntry) {
	off := (i & b.mask) * EntrySize
	e.decode(b.data[off : off+EntrySize])
}

// AdvanceRead moves the consumer index forward by n after a drain
// cycle consumed n entries.
func (b *Buffer) AdvanceRead(n uint64) {
	b.readIndex.Add(n)
}

// OverflowCount returns the number of writes that landed on an unread
// slot. Diagnostic only; never surfaced as an error.
func (b *Buffer) OverflowCount() uint64 {
	return b.overflowCount.Load()
}

// SampleInterval returns the current light-mode sampling interval.
func (b *Buffer) SampleInterval() uint32 {
	return b.sampleInterval.Load()
}

// SetSampleInterval publishes a new light-mode sampling interval.
// Written by the drain side only; producers observe it on their next
// call.
func (b *Buffer) SetSampleInterval(n uint32) {
	if n < 1 {
		n = 1
	}
	b.sampleInterval.Store(n)
}

// GlobalCounter returns the light-mode call counter.
func (b *Buffer) GlobalCounter() uint64 {
	return b.globalCounter.Load()
}
