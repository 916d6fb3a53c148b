// Package acquisition produces one Frame per polling tick from an external
// source and hands it to a consumer without blocking the producer.
//
// A source owns exactly one RingBuffer of frames. On each tick it fills the
// current slot under the slot lock, rotates the ring and raises a
// DataAvailable notification carrying the slot it just filled. Consumers read
// the frame under its read lock; the producer will not touch that slot again
// until the ring has come all the way round.
package acquisition

import (
	"fmt"
	"sync"
)

// Frame is one polling tick's worth of analog and digital samples.
//
// Analog is channels × samples-per-tick and Digital holds one line word per
// sample. Only the first Len samples of each row are valid; a short frame is
// produced when a local source reaches the end of its backing store.
type Frame struct {
	mu sync.RWMutex

	Analog  [][]float64
	Digital []uint16
	Len     int

	// FirstSample is the stream position of Analog[*][0]. It increases
	// monotonically for the life of a source, across dataset wrap-around.
	FirstSample int64
	// Seq is the tick number that produced this frame.
	Seq uint64
}

// NewFrame allocates a frame with the given shape.
func NewFrame(channels, samplesPerTick int) *Frame {
	analog := make([][]float64, channels)
	for ch := range analog {
		analog[ch] = make([]float64, samplesPerTick)
	}
	return &Frame{
		Analog:  analog,
		Digital: make([]uint16, samplesPerTick),
	}
}

// Lock acquires the slot for writing. Only the producer calls it.
func (f *Frame) Lock() { f.mu.Lock() }

// Unlock releases the write lock.
func (f *Frame) Unlock() { f.mu.Unlock() }

// RLock acquires the slot for reading.
func (f *Frame) RLock() { f.mu.RLock() }

// RUnlock releases the read lock.
func (f *Frame) RUnlock() { f.mu.RUnlock() }

// Channels returns the number of analog rows.
func (f *Frame) Channels() int { return len(f.Analog) }

// Capacity returns the number of samples per tick the frame was sized for.
func (f *Frame) Capacity() int { return len(f.Digital) }

// Valid reports whether the frame has analog and digital content. The caller
// must hold a lock on the frame.
func (f *Frame) Valid() bool {
	if f == nil || len(f.Analog) == 0 || f.Digital == nil || f.Len <= 0 {
		return false
	}
	if f.Len > len(f.Digital) {
		return false
	}
	for _, row := range f.Analog {
		if len(row) < f.Len {
			return false
		}
	}
	return true
}

// EventMarker is a discrete digital-line event.
type EventMarker struct {
	// Code is the digital line word that became active.
	Code int
	// Timestamp is the sample offset of the transition within its frame.
	Timestamp int
	// Sample is the absolute stream position of the transition.
	Sample int64
}

func (e EventMarker) String() string {
	return fmt.Sprintf("event(code=%d, sample=%d)", e.Code, e.Sample)
}
