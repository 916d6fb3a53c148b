package acquisition

import "fmt"

// DefaultRingCapacity is the number of frame slots a source rotates through
// unless configured otherwise.
const DefaultRingCapacity = 3

// RingBuffer is a fixed-capacity rotation buffer. Capacity is immutable after
// construction and RotateRight is the only way the current slot changes.
//
// A RingBuffer is owned by its producer and is not safe for concurrent
// rotation; the slots themselves carry whatever locking they need.
type RingBuffer[T any] struct {
	slots  []T
	cursor int
}

// NewRingBuffer allocates capacity slots using newSlot. Capacity must be at
// least 2 so the producer always has a slot that is not the consumer's.
func NewRingBuffer[T any](capacity int, newSlot func(i int) T) (*RingBuffer[T], error) {
	if capacity < 2 {
		return nil, fmt.Errorf("ring buffer capacity must be >= 2, got %d", capacity)
	}
	slots := make([]T, capacity)
	for i := range slots {
		slots[i] = newSlot(i)
	}
	return &RingBuffer[T]{slots: slots}, nil
}

// Cap returns the number of slots.
func (r *RingBuffer[T]) Cap() int { return len(r.slots) }

// Current returns the active slot.
func (r *RingBuffer[T]) Current() T { return r.slots[r.cursor] }

// RotateRight advances the cursor by n slots, wrapping at capacity.
func (r *RingBuffer[T]) RotateRight(n int) {
	c := len(r.slots)
	r.cursor = ((r.cursor+n)%c + c) % c
}
