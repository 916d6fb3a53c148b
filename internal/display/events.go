package display

import (
	"fmt"
	"sync"

	"github.com/banshee-data/ephys.loop/internal/pipeline"
)

// EventSnapshot is a copy of an event accumulator window. Timestamps are
// sample offsets from FirstSample and increase across the ticks of a window.
type EventSnapshot struct {
	Buffer      string
	FirstSample int64
	Window      int
	Timestamps  [][]int
	Snippets    [][][]float64
}

// Count returns the number of events in the snapshot.
func (s EventSnapshot) Count() int {
	n := 0
	for _, ts := range s.Timestamps {
		n += len(ts)
	}
	return n
}

// EventAccumulator collects per-channel detections and their waveform
// snippets over a window of window samples. Each tick is one round; the
// tick's event offsets are shifted by the number of samples already covered
// by the window.
type EventAccumulator struct {
	source *pipeline.EventBuffer
	window int

	// scratch is only touched by the goroutine calling Accumulate.
	scratchTS       [][]int
	scratchSnippets [][][]float64

	mu          sync.Mutex
	offset      int
	firstSample int64
	timestamps  [][]int
	snippets    [][][]float64
}

// NewEventAccumulator creates an accumulator over source covering window
// samples.
func NewEventAccumulator(source *pipeline.EventBuffer, window int) (*EventAccumulator, error) {
	if source == nil {
		return nil, fmt.Errorf("display: nil event buffer")
	}
	if window <= 0 {
		return nil, fmt.Errorf("display: event window must be positive, got %d", window)
	}
	ch := source.Channels()
	return &EventAccumulator{
		source:          source,
		window:          window,
		scratchTS:       make([][]int, ch),
		scratchSnippets: make([][][]float64, ch),
		timestamps:      make([][]int, ch),
		snippets:        make([][][]float64, ch),
	}, nil
}

func (a *EventAccumulator) Source() string { return a.source.Name() }
func (a *EventAccumulator) Window() int    { return a.window }

// Accumulate adds the source's events for one tick of samples samples and
// reports whether the window is now covered. Calling it on a full window
// starts a new one.
func (a *EventAccumulator) Accumulate(samples int) bool {
	a.source.Lock()
	first := a.source.FirstSample()
	for ch := range a.scratchTS {
		a.scratchTS[ch] = append(a.scratchTS[ch][:0], a.source.Timestamps(ch)...)
		a.scratchSnippets[ch] = append(a.scratchSnippets[ch][:0], a.source.Snippets(ch)...)
	}
	a.source.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.offset >= a.window {
		a.resetLocked()
	}
	if a.offset == 0 {
		a.firstSample = first
	}
	for ch, ts := range a.scratchTS {
		for i, t := range ts {
			if a.offset+t >= a.window {
				break
			}
			a.timestamps[ch] = append(a.timestamps[ch], a.offset+t)
			a.snippets[ch] = append(a.snippets[ch], append([]float64(nil), a.scratchSnippets[ch][i]...))
		}
	}
	a.offset += max(samples, 0)
	return a.offset >= a.window
}

func (a *EventAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *EventAccumulator) resetLocked() {
	for ch := range a.timestamps {
		a.timestamps[ch] = nil
		a.snippets[ch] = nil
	}
	a.offset = 0
	a.firstSample = 0
}

func (a *EventAccumulator) IsFull() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset >= a.window
}

// Snapshot copies the events collected so far.
func (a *EventAccumulator) Snapshot() EventSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := EventSnapshot{
		Buffer:      a.source.Name(),
		FirstSample: a.firstSample,
		Window:      a.window,
		Timestamps:  make([][]int, len(a.timestamps)),
		Snippets:    make([][][]float64, len(a.snippets)),
	}
	for ch := range a.timestamps {
		out.Timestamps[ch] = append([]int(nil), a.timestamps[ch]...)
		out.Snippets[ch] = append([][]float64(nil), a.snippets[ch]...)
	}
	return out
}
