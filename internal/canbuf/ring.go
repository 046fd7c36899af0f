// Package canbuf provides the fixed-size receive queue sitting between the CAN
// RX loop and the frame consumers.
//
// A Ring holds Capacity frames in FIFO order. When it is full, Push evicts the
// oldest unread frame and raises a sticky data-lost flag; the flag stays set
// until the consumer clears it.
//
// Concurrency: exactly one goroutine may call Push and exactly one other
// goroutine may call Pop/TryPop. All other methods may be called from any
// goroutine; their answers are a snapshot and may be stale by the time the
// caller acts on them. No method blocks or allocates.
package canbuf

import (
	"encoding/binary"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/kstaniek/go-canbuf/internal/can"
)

// Capacity is the number of frame slots in a Ring.
const Capacity = 100

// slot stores one frame in its 11-byte flat layout: bytes 0..7 in lo, 8..10 in hi.
type slot struct {
	lo atomic.Uint64
	hi atomic.Uint64
}

func (s *slot) store(f can.Frame) {
	b := can.Encode(f)
	s.lo.Store(binary.LittleEndian.Uint64(b[0:8]))
	s.hi.Store(uint64(b[8]) | uint64(b[9])<<8 | uint64(b[10])<<16)
}

func frameFromWords(lo, hi uint64) can.Frame {
	var b [can.FrameSize]byte
	binary.LittleEndian.PutUint64(b[0:8], lo)
	b[8], b[9], b[10] = byte(hi), byte(hi>>8), byte(hi>>16)
	f, _ := can.Decode(b[:])
	return f
}

// Stats are monotonically increasing counters since construction.
type Stats struct {
	Pushed      uint64
	Popped      uint64
	Overwritten uint64
}

// Ring is a single-producer/single-consumer drop-oldest frame queue.
// The zero value is an empty ring ready for use. A Ring must not be copied.
type Ring struct {
	// head counts frames that left the ring (popped or overwritten).
	// Both sides advance it, always by compare-and-swap.
	head atomic.Uint64

	_ cpu.CacheLinePad

	// tail counts frames written; only the producer advances it.
	tail atomic.Uint64

	_ cpu.CacheLinePad

	dataLost    atomic.Bool
	overwritten atomic.Uint64

	_ cpu.CacheLinePad

	popped atomic.Uint64

	_ cpu.CacheLinePad

	slots [Capacity]slot
}

// New returns an empty ring with the data-lost flag clear.
func New() *Ring { return &Ring{} }

// Len returns the number of queued frames.
func (r *Ring) Len() int {
	// tail first: head can only grow afterwards, so tail-head never exceeds Capacity.
	tail := r.tail.Load()
	head := r.head.Load()
	if head >= tail {
		return 0
	}
	n := tail - head
	if n > Capacity {
		n = Capacity
	}
	return int(n)
}

// IsEmpty reports whether no frame is queued.
func (r *Ring) IsEmpty() bool { return r.Len() == 0 }

// IsFull reports whether Capacity frames are queued.
func (r *Ring) IsFull() bool { return r.Len() == Capacity }

// Push copies f into the ring. It never fails: if the ring is full the oldest
// frame is discarded first and the data-lost flag is set. Producer only.
func (r *Ring) Push(f can.Frame) {
	tail := r.tail.Load()
	for {
		head := r.head.Load()
		if tail-head < Capacity {
			break
		}
		// Full. Losing the CAS means the consumer just freed a slot.
		if r.head.CompareAndSwap(head, head+1) {
			r.overwritten.Add(1)
			r.dataLost.Store(true)
			break
		}
	}
	r.slots[tail%Capacity].store(f)
	r.tail.Store(tail + 1)
}

// TryPop removes and returns the oldest frame. ok is false when the ring is
// empty. Consumer only.
func (r *Ring) TryPop() (f can.Frame, ok bool) {
	for {
		head := r.head.Load()
		if head == r.tail.Load() {
			return can.Empty, false
		}
		s := &r.slots[head%Capacity]
		lo, hi := s.lo.Load(), s.hi.Load()
		// A failed CAS means the producer evicted this slot (and may be
		// rewriting it); whatever was read is discarded.
		if r.head.CompareAndSwap(head, head+1) {
			r.popped.Add(1)
			return frameFromWords(lo, hi), true
		}
	}
}

// Pop removes and returns the oldest frame, or can.Empty when the ring is
// empty. Callers that must tell an all-zero frame from "nothing queued"
// should use TryPop or check IsEmpty first. Consumer only.
func (r *Ring) Pop() can.Frame {
	f, _ := r.TryPop()
	return f
}

// DataLost reports whether a frame was overwritten since construction or the
// last ClearDataLost.
func (r *Ring) DataLost() bool { return r.dataLost.Load() }

// ClearDataLost resets the data-lost flag.
func (r *Ring) ClearDataLost() { r.dataLost.Store(false) }

// TakeDataLost clears the data-lost flag and reports whether it was set.
func (r *Ring) TakeDataLost() bool { return r.dataLost.Swap(false) }

// Stats returns a snapshot of the ring counters.
func (r *Ring) Stats() Stats {
	return Stats{
		Pushed:      r.tail.Load(),
		Popped:      r.popped.Load(),
		Overwritten: r.overwritten.Load(),
	}
}
