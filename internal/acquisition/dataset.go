package acquisition

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Marker is an event rendered onto the digital line by the local source as a
// one-sample pulse.
type Marker struct {
	Position int
	Code     uint16
}

// Dataset is the backing store of a LocalSource.
type Dataset struct {
	// Analog is channels × length.
	Analog [][]float64
	// Digital is optional; nil replays a zero line.
	Digital []uint16
	// Markers must be sorted by Position.
	Markers []Marker
}

// Channels returns the number of analog rows.
func (d *Dataset) Channels() int { return len(d.Analog) }

// Len returns the number of samples per channel.
func (d *Dataset) Len() int {
	if len(d.Analog) == 0 {
		return len(d.Digital)
	}
	return len(d.Analog[0])
}

// Validate checks the dataset has a consistent, non-empty shape.
func (d *Dataset) Validate() error {
	n := d.Len()
	if n == 0 {
		return errors.New("dataset is empty")
	}
	for ch, row := range d.Analog {
		if len(row) != n {
			return fmt.Errorf("dataset channel %d has %d samples, want %d", ch, len(row), n)
		}
	}
	if d.Digital != nil && len(d.Digital) != n {
		return fmt.Errorf("dataset digital line has %d samples, want %d", len(d.Digital), n)
	}
	if !sort.SliceIsSorted(d.Markers, func(i, j int) bool { return d.Markers[i].Position < d.Markers[j].Position }) {
		return errors.New("dataset markers are not sorted by position")
	}
	for _, m := range d.Markers {
		if m.Position < 0 || m.Position >= n {
			return fmt.Errorf("dataset marker at %d outside [0,%d)", m.Position, n)
		}
	}
	return nil
}

// LoadCSVFile reads a dataset from a CSV file. See LoadCSV.
func LoadCSVFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()
	return LoadCSV(f)
}

// LoadCSV reads one row per sample: one column per analog channel followed by
// a final integer digital-line column. A header row is skipped when its first
// field is not numeric.
func LoadCSV(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset CSV: %w", err)
	}
	if len(records) > 0 {
		if _, err := strconv.ParseFloat(strings.TrimSpace(records[0][0]), 64); err != nil {
			records = records[1:]
		}
	}
	if len(records) == 0 {
		return nil, errors.New("dataset CSV has no samples")
	}

	cols := len(records[0])
	if cols < 2 {
		return nil, fmt.Errorf("dataset CSV needs at least one analog and one digital column, got %d", cols)
	}
	channels := cols - 1
	ds := &Dataset{
		Analog:  make([][]float64, channels),
		Digital: make([]uint16, len(records)),
	}
	for ch := range ds.Analog {
		ds.Analog[ch] = make([]float64, len(records))
	}
	for i, rec := range records {
		if len(rec) != cols {
			return nil, fmt.Errorf("dataset row %d has %d columns, want %d", i+1, len(rec), cols)
		}
		for ch := 0; ch < channels; ch++ {
			v, err := strconv.ParseFloat(rec[ch], 64)
			if err != nil {
				return nil, fmt.Errorf("dataset row %d channel %d: %w", i+1, ch, err)
			}
			ds.Analog[ch][i] = v
		}
		d, err := strconv.ParseUint(rec[channels], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("dataset row %d digital: %w", i+1, err)
		}
		ds.Digital[i] = uint16(d)
	}
	return ds, nil
}

// Synthetic generates a dataset of sinusoids plus gaussian noise, with an
// event marker every markerEvery samples (0 disables markers). Used when the
// service runs without a recorded dataset.
func Synthetic(channels, length int, sampleRate float64, markerEvery int, seed int64) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	ds := &Dataset{Analog: make([][]float64, channels)}
	for ch := range ds.Analog {
		row := make([]float64, length)
		freq := 8 + 4*float64(ch)
		for i := range row {
			t := float64(i) / sampleRate
			row[i] = 50*math.Sin(2*math.Pi*freq*t) + 5*rng.NormFloat64()
		}
		ds.Analog[ch] = row
	}
	if markerEvery > 0 {
		code := uint16(1)
		for p := markerEvery / 2; p < length; p += markerEvery {
			ds.Markers = append(ds.Markers, Marker{Position: p, Code: code})
			code = code%8 + 1
		}
	}
	return ds
}
