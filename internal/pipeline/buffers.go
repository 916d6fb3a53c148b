// Package pipeline runs ordered processing and analysis stages over named
// per-tick buffers.
//
// The terminal copies each frame into the "raw" buffer. The processing
// pipeline copies raw into "processed" and runs its stages over it in place;
// analysis stages then read processed (or each other's outputs) and write the
// buffers they declared at Init.
package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Well-known buffer names.
const (
	RawBuffer       = "raw"
	ProcessedBuffer = "processed"
)

// SignalBuffer is a channels × capacity sample block. Only the first Len
// samples of each row are valid for the current tick.
type SignalBuffer struct {
	mu   sync.Mutex
	name string
	data [][]float64
	n    int

	firstSample int64
}

// NewSignalBuffer allocates a zeroed buffer.
func NewSignalBuffer(name string, channels, capacity int) *SignalBuffer {
	data := make([][]float64, channels)
	for ch := range data {
		data[ch] = make([]float64, capacity)
	}
	return &SignalBuffer{name: name, data: data}
}

func (b *SignalBuffer) Lock()   { b.mu.Lock() }
func (b *SignalBuffer) Unlock() { b.mu.Unlock() }

func (b *SignalBuffer) Name() string  { return b.name }
func (b *SignalBuffer) Channels() int { return len(b.data) }

func (b *SignalBuffer) Capacity() int {
	if len(b.data) == 0 {
		return 0
	}
	return len(b.data[0])
}

// Rows returns the backing rows. The caller must hold the lock.
func (b *SignalBuffer) Rows() [][]float64 { return b.data }

// Row returns the valid part of one channel. The caller must hold the lock.
func (b *SignalBuffer) Row(ch int) []float64 { return b.data[ch][:b.n] }

// Len returns the number of valid samples. The caller must hold the lock.
func (b *SignalBuffer) Len() int { return b.n }

// FirstSample returns the stream position of the first valid sample.
func (b *SignalBuffer) FirstSample() int64 { return b.firstSample }

// SetLen marks n samples starting at stream position first as valid. The
// caller must hold the lock.
func (b *SignalBuffer) SetLen(n int, first int64) {
	if n > b.Capacity() {
		n = b.Capacity()
	}
	b.n = n
	b.firstSample = first
}

// CopyFrom copies the valid region of src into b. Both locks are taken in
// turn, never together.
func (b *SignalBuffer) CopyFrom(src *SignalBuffer) {
	src.Lock()
	n, first := src.n, src.firstSample
	scratch := make([][]float64, len(src.data))
	for ch, row := range src.data {
		scratch[ch] = append([]float64(nil), row[:n]...)
	}
	src.Unlock()

	b.Lock()
	defer b.Unlock()
	for ch := range b.data {
		if ch < len(scratch) {
			copy(b.data[ch], scratch[ch])
		}
	}
	b.SetLen(n, first)
}

// EventBuffer holds per-channel detections for one tick: a sample offset and
// a fixed-length waveform snippet per event.
type EventBuffer struct {
	mu         sync.Mutex
	name       string
	snippetLen int

	timestamps  [][]int
	snippets    [][][]float64
	firstSample int64
}

// NewEventBuffer allocates an empty event buffer.
func NewEventBuffer(name string, channels, snippetLen int) *EventBuffer {
	return &EventBuffer{
		name:       name,
		snippetLen: snippetLen,
		timestamps: make([][]int, channels),
		snippets:   make([][][]float64, channels),
	}
}

func (b *EventBuffer) Lock()   { b.mu.Lock() }
func (b *EventBuffer) Unlock() { b.mu.Unlock() }

func (b *EventBuffer) Name() string       { return b.name }
func (b *EventBuffer) Channels() int      { return len(b.timestamps) }
func (b *EventBuffer) SnippetLen() int    { return b.snippetLen }
func (b *EventBuffer) FirstSample() int64 { return b.firstSample }

// Reset clears all events and sets the stream position of the tick. The
// caller must hold the lock.
func (b *EventBuffer) Reset(first int64) {
	for ch := range b.timestamps {
		b.timestamps[ch] = b.timestamps[ch][:0]
		b.snippets[ch] = b.snippets[ch][:0]
	}
	b.firstSample = first
}

// Add records an event at sample offset ts. snippet is copied and padded or
// truncated to the buffer's snippet length. The caller must hold the lock.
func (b *EventBuffer) Add(ch, ts int, snippet []float64) {
	s := make([]float64, b.snippetLen)
	copy(s, snippet)
	b.timestamps[ch] = append(b.timestamps[ch], ts)
	b.snippets[ch] = append(b.snippets[ch], s)
}

// Timestamps returns the event offsets of one channel. The caller must hold
// the lock.
func (b *EventBuffer) Timestamps(ch int) []int { return b.timestamps[ch] }

// Snippets returns the waveforms of one channel. The caller must hold the
// lock.
func (b *EventBuffer) Snippets(ch int) [][]float64 { return b.snippets[ch] }

// Count returns the total number of events. The caller must hold the lock.
func (b *EventBuffer) Count() int {
	total := 0
	for _, ts := range b.timestamps {
		total += len(ts)
	}
	return total
}

// Buffers is the registry of named buffers shared by all stages of a
// terminal. It is only mutated during pipeline construction.
type Buffers struct {
	channels       int
	samplesPerTick int
	signals        map[string]*SignalBuffer
	events         map[string]*EventBuffer
}

// NewBuffers creates a registry holding the raw buffer.
func NewBuffers(channels, samplesPerTick int) *Buffers {
	b := &Buffers{
		channels:       channels,
		samplesPerTick: samplesPerTick,
		signals:        make(map[string]*SignalBuffer),
		events:         make(map[string]*EventBuffer),
	}
	b.signals[RawBuffer] = NewSignalBuffer(RawBuffer, channels, samplesPerTick)
	return b
}

// Channels returns the acquisition channel count.
func (b *Buffers) Channels() int { return b.channels }

// SamplesPerTick returns the acquisition frame length.
func (b *Buffers) SamplesPerTick() int { return b.samplesPerTick }

// AddSignal declares a new signal buffer.
func (b *Buffers) AddSignal(name string, channels, capacity int) (*SignalBuffer, error) {
	if err := b.checkFree(name); err != nil {
		return nil, err
	}
	if channels <= 0 || capacity <= 0 {
		return nil, fmt.Errorf("buffer %q: invalid shape %dx%d", name, channels, capacity)
	}
	buf := NewSignalBuffer(name, channels, capacity)
	b.signals[name] = buf
	return buf, nil
}

// AddEvents declares a new event buffer.
func (b *Buffers) AddEvents(name string, channels, snippetLen int) (*EventBuffer, error) {
	if err := b.checkFree(name); err != nil {
		return nil, err
	}
	if channels <= 0 || snippetLen < 0 {
		return nil, fmt.Errorf("event buffer %q: invalid shape %dx%d", name, channels, snippetLen)
	}
	buf := NewEventBuffer(name, channels, snippetLen)
	b.events[name] = buf
	return buf, nil
}

func (b *Buffers) checkFree(name string) error {
	if name == "" {
		return fmt.Errorf("buffer name must not be empty")
	}
	if _, ok := b.signals[name]; ok {
		return fmt.Errorf("buffer %q already declared", name)
	}
	if _, ok := b.events[name]; ok {
		return fmt.Errorf("buffer %q already declared", name)
	}
	return nil
}

// Signal looks up a signal buffer by name.
func (b *Buffers) Signal(name string) (*SignalBuffer, bool) {
	buf, ok := b.signals[name]
	return buf, ok
}

// Events looks up an event buffer by name.
func (b *Buffers) Events(name string) (*EventBuffer, bool) {
	buf, ok := b.events[name]
	return buf, ok
}

// Names returns all declared buffer names, sorted.
func (b *Buffers) Names() []string {
	names := make([]string, 0, len(b.signals)+len(b.events))
	for n := range b.signals {
		names = append(names, n)
	}
	for n := range b.events {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
