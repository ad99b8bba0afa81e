// Package buffer provides a lock-free ring of recently committed frames so the
// status endpoint can read a snapshot without blocking the owner goroutine
// that commits them. Each slot stores an atomic pointer so readers either see
// a complete entry or the previous one, never a partially written structure.
package buffer

import (
	"sync/atomic"
	"unsafe"

	"fightlink/telemetry"
)

// Entry is one committed frame as stored in the ring.
type Entry struct {
	ID    uint64
	Kind  telemetry.SessionKind
	Frame telemetry.Frame
}

// RingBuffer is a thread-safe circular buffer of recent frames. The single
// writer publishes completed entries; readers walk backwards from the newest
// ID to gather a snapshot.
type RingBuffer struct {
	// Each slot is an atomic pointer so the writer can publish a fully built entry in one step.
	slots    []atomic.Pointer[Entry]
	capacity int
	total    atomic.Uint64 // Total entries added (may exceed capacity)
}

// NewRingBuffer allocates a ring buffer with the specified capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		slots:    make([]atomic.Pointer[Entry], capacity),
		capacity: capacity,
	}
}

// Add appends a frame to the ring, assigning a monotonic ID so readers can
// skip over stale entries when the buffer wraps. The frame's fighter slice
// is copied.
func (rb *RingBuffer) Add(kind telemetry.SessionKind, f telemetry.Frame) {
	newID := rb.total.Add(1)
	e := &Entry{
		ID:   newID,
		Kind: kind,
		Frame: telemetry.Frame{
			Index:    f.Index,
			Fighters: append([]telemetry.FighterState(nil), f.Fighters...),
		},
	}
	idx := (newID - 1) % uint64(rb.capacity)
	rb.slots[idx].Store(e)
}

// GetRecent returns the N most recent entries (up to capacity), newest first.
func (rb *RingBuffer) GetRecent(n int) []*Entry {
	if n <= 0 {
		return []*Entry{}
	}

	total := rb.total.Load()
	available := int(total)
	if available > rb.capacity {
		available = rb.capacity
	}
	if n > available {
		n = available
	}

	result := make([]*Entry, 0, n)
	if total == 0 {
		return result
	}
	minIndex := total - uint64(available)
	for idx := total; idx > minIndex && len(result) < n; {
		idx--
		slot := idx % uint64(rb.capacity)
		// ID check skips over slots that have been overwritten after wraparound
		if e := rb.slots[slot].Load(); e != nil && e.ID == idx+1 {
			result = append(result, e)
		}
	}
	return result
}

// GetCount returns the total number of frames added (may be > capacity)
func (rb *RingBuffer) GetCount() int {
	return int(rb.total.Load())
}

// GetSizeKB returns an approximate size of the ring buffer in kilobytes.
func (rb *RingBuffer) GetSizeKB() int {
	ptrSize := int(unsafe.Sizeof(uintptr(0)))
	backingBytes := rb.capacity * ptrSize

	stored := int(rb.total.Load())
	if stored > rb.capacity {
		stored = rb.capacity
	}
	// two fighters per frame is the common case
	perEntry := int(unsafe.Sizeof(Entry{})) + 2*int(unsafe.Sizeof(telemetry.FighterState{}))
	return (backingBytes + stored*perEntry) / 1024
}
