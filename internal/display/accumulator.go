// Package display collects per-tick pipeline output across several ticks and
// hands complete windows to a slower consumer.
//
// The terminal calls Accumulate once per tick from its owner goroutine. A
// consumer reads a full accumulator through Snapshot from its own goroutine.
// The source buffer lock and the accumulator lock are never held together:
// samples are copied out of the source first, then into the accumulator.
//
// An accumulator that is full when Accumulate is called again starts over
// from empty. A consumer that has not taken its snapshot by then loses that
// window; there is no backpressure on the acquisition side. Samples of a tick
// that did not fit in the previous window open the next one, so consecutive
// windows are contiguous.
package display

import (
	"fmt"
	"sync"

	"github.com/banshee-data/ephys.loop/internal/pipeline"
)

// Snapshot is a copy of an accumulator window.
type Snapshot struct {
	Buffer string
	// FirstSample is the stream position of Data[*][0].
	FirstSample int64
	// Samples is the number of valid samples per channel.
	Samples int
	Data    [][]float64
}

// Accumulator ring-accumulates one signal buffer until capacity samples have
// been collected.
type Accumulator struct {
	source   *pipeline.SignalBuffer
	capacity int

	// scratch is only touched by the goroutine calling Accumulate.
	scratch [][]float64

	mu          sync.Mutex
	data        [][]float64
	fill        int
	firstSample int64

	// carry holds the samples that overflowed the last full window,
	// starting at stream position carryFirst.
	carry      [][]float64
	carryFirst int64
}

// NewAccumulator creates an accumulator over source. The accumulator does
// not own source.
func NewAccumulator(source *pipeline.SignalBuffer, capacity int) (*Accumulator, error) {
	if source == nil {
		return nil, fmt.Errorf("display: nil source buffer")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("display: capacity must be positive, got %d", capacity)
	}
	channels := source.Channels()
	data := make([][]float64, channels)
	scratch := make([][]float64, channels)
	carry := make([][]float64, channels)
	for ch := range data {
		data[ch] = make([]float64, capacity)
		scratch[ch] = make([]float64, 0, source.Capacity())
		carry[ch] = make([]float64, 0, capacity)
	}
	return &Accumulator{
		source:   source,
		capacity: capacity,
		scratch:  scratch,
		data:     data,
		carry:    carry,
	}, nil
}

func (a *Accumulator) Source() string { return a.source.Name() }
func (a *Accumulator) Capacity() int  { return a.capacity }
func (a *Accumulator) Channels() int  { return len(a.data) }

// Accumulate appends the newest period samples of the source, or everything
// valid in it when period is zero or larger than what is available. It
// reports whether the accumulator is now full. Samples that do not fit in
// the remaining space are kept and open the next window; if they alone
// exceed a window only the newest capacity samples are kept.
func (a *Accumulator) Accumulate(period int) bool {
	a.source.Lock()
	n := a.source.Len()
	take := n
	if period > 0 && period < n {
		take = period
	}
	first := a.source.FirstSample() + int64(n-take)
	for ch := range a.scratch {
		a.scratch[ch] = append(a.scratch[ch][:0], a.source.Row(ch)[n-take:n]...)
	}
	a.source.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fill >= a.capacity {
		a.resetLocked()
		if rowLen(a.carry) > 0 {
			a.appendLocked(a.carry, a.carryFirst)
			a.clearCarryLocked()
		}
	}
	a.appendLocked(a.scratch, first)
	return a.fill >= a.capacity
}

// appendLocked copies rows starting at stream position first into the
// window and moves whatever does not fit into carry.
func (a *Accumulator) appendLocked(rows [][]float64, first int64) {
	n := rowLen(rows)
	if n == 0 {
		return
	}
	if a.fill == 0 {
		a.firstSample = first
	}
	fit := min(n, a.capacity-a.fill)
	for ch, row := range a.data {
		copy(row[a.fill:a.fill+fit], rows[ch][:fit])
	}
	a.fill += fit
	if fit == n {
		return
	}
	rest := n - fit
	skip := fit + max(0, rest-a.capacity)
	a.carryFirst = first + int64(skip)
	for ch := range a.carry {
		a.carry[ch] = append(a.carry[ch][:0], rows[ch][skip:]...)
	}
}

func rowLen(rows [][]float64) int {
	if len(rows) == 0 {
		return 0
	}
	return len(rows[0])
}

func (a *Accumulator) clearCarryLocked() {
	for ch := range a.carry {
		a.carry[ch] = a.carry[ch][:0]
	}
}

// Reset zeroes the content and the fill index and discards any carried
// samples.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	a.clearCarryLocked()
}

func (a *Accumulator) resetLocked() {
	for _, row := range a.data {
		clear(row)
	}
	a.fill = 0
	a.firstSample = 0
}

// Len returns the fill index.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fill
}

func (a *Accumulator) IsFull() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fill >= a.capacity
}

// Snapshot copies the valid part of the accumulator.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := Snapshot{
		Buffer:      a.source.Name(),
		FirstSample: a.firstSample,
		Samples:     a.fill,
		Data:        make([][]float64, len(a.data)),
	}
	for ch, row := range a.data {
		out.Data[ch] = append([]float64(nil), row[:a.fill]...)
	}
	return out
}
