package acquisition

import (
	"context"
	"fmt"
	"sync"
)

// LocalSource replays a Dataset at the polling rate. When the backing store
// is exhausted it wraps to the start and resets its marker cursor, so a
// dataset of length L read in chunks of C wraps after ceil(L/C) ticks. The
// last chunk before a wrap is short; stream positions keep increasing so
// emitted timestamps never repeat.
type LocalSource struct {
	*Loop
	reader *datasetReader
}

// NewLocalSource builds a paced dataset replay source.
func NewLocalSource(ds *Dataset, cfg LoopConfig) (*LocalSource, error) {
	if ds == nil {
		return nil, fmt.Errorf("local source: nil dataset")
	}
	if cfg.Channels == 0 {
		cfg.Channels = ds.Channels()
	}
	r := &datasetReader{ds: ds}
	loop, err := NewLoop("local", r, cfg)
	if err != nil {
		return nil, err
	}
	return &LocalSource{Loop: loop, reader: r}, nil
}

// Position returns the dataset offset the next tick will read from.
func (s *LocalSource) Position() int {
	s.reader.mu.Lock()
	defer s.reader.mu.Unlock()
	return s.reader.pos
}

// Wraps returns how many times the dataset has been replayed to the end.
func (s *LocalSource) Wraps() int {
	s.reader.mu.Lock()
	defer s.reader.mu.Unlock()
	return s.reader.wraps
}

type datasetReader struct {
	ds *Dataset

	mu           sync.Mutex
	pos          int
	markerCursor int
	wraps        int
}

func (r *datasetReader) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.ds.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.pos, r.markerCursor = 0, 0
	r.mu.Unlock()
	return nil
}

func (r *datasetReader) Disconnect() error { return nil }

func (r *datasetReader) Fill(f *Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	length := r.ds.Len()
	n := f.Capacity()
	if remaining := length - r.pos; remaining < n {
		n = remaining
	}

	for ch, row := range f.Analog {
		if ch < len(r.ds.Analog) {
			copy(row[:n], r.ds.Analog[ch][r.pos:r.pos+n])
		} else {
			clear(row[:n])
		}
	}

	digital := f.Digital[:n]
	if r.ds.Digital != nil {
		copy(digital, r.ds.Digital[r.pos:r.pos+n])
	} else {
		clear(digital)
	}
	end := r.pos + n
	for r.markerCursor < len(r.ds.Markers) && r.ds.Markers[r.markerCursor].Position < end {
		m := r.ds.Markers[r.markerCursor]
		if m.Position >= r.pos {
			digital[m.Position-r.pos] = m.Code
		}
		r.markerCursor++
	}

	f.Len = n
	r.pos = end
	if r.pos >= length {
		r.pos = 0
		r.markerCursor = 0
		r.wraps++
	}
	return nil
}
