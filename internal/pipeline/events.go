package pipeline

import "github.com/banshee-data/ephys.loop/internal/acquisition"

// EventFinder turns changes of the digital line word into EventMarkers. A
// change to a non-zero word is reported with that word as its code. A change
// to zero is reported only when falling edges are enabled, with the negated
// previous word as its code. The line value is carried across frames, so a
// word that stays high over a frame boundary is reported once.
type EventFinder struct {
	includeFalling bool
	last           uint16
}

// NewEventFinder creates a finder whose line starts low.
func NewEventFinder(includeFalling bool) *EventFinder {
	return &EventFinder{includeFalling: includeFalling}
}

// Find appends the events in digital to dst and returns it. first is the
// stream position of digital[0].
func (f *EventFinder) Find(dst []acquisition.EventMarker, digital []uint16, first int64) []acquisition.EventMarker {
	last := f.last
	for i, v := range digital {
		if v == last {
			continue
		}
		switch {
		case v != 0:
			dst = append(dst, acquisition.EventMarker{Code: int(v), Timestamp: i, Sample: first + int64(i)})
		case f.includeFalling:
			dst = append(dst, acquisition.EventMarker{Code: -int(last), Timestamp: i, Sample: first + int64(i)})
		}
		last = v
	}
	f.last = last
	return dst
}

// Reset forgets the carried line value.
func (f *EventFinder) Reset() { f.last = 0 }
