package pipeline

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

func decodeStage(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid stage parameters: %w", err)
	}
	return nil
}

// car subtracts the common average across channels from every channel.
type car struct {
	buf  *SignalBuffer
	mean []float64
}

func newCAR(raw json.RawMessage) (Stage, error) {
	return &car{}, decodeStage(raw, &struct{}{})
}

func (s *car) Name() string { return "car" }

func (s *car) Init(b *Buffers) error {
	buf, ok := b.Signal(ProcessedBuffer)
	if !ok {
		return fmt.Errorf("no %q buffer", ProcessedBuffer)
	}
	if buf.Channels() < 2 {
		return fmt.Errorf("common average reference needs at least 2 channels, have %d", buf.Channels())
	}
	s.buf = buf
	s.mean = make([]float64, buf.Capacity())
	return nil
}

func (s *car) Process() error {
	s.buf.Lock()
	defer s.buf.Unlock()
	n := s.buf.Len()
	mean := s.mean[:n]
	clear(mean)
	for ch := 0; ch < s.buf.Channels(); ch++ {
		floats.Add(mean, s.buf.Row(ch))
	}
	floats.Scale(1/float64(s.buf.Channels()), mean)
	for ch := 0; ch < s.buf.Channels(); ch++ {
		floats.Sub(s.buf.Row(ch), mean)
	}
	return nil
}

// gain scales every processed sample.
type gain struct {
	Gain float64 `json:"gain"`
	buf  *SignalBuffer
}

func newGain(raw json.RawMessage) (Stage, error) {
	s := &gain{Gain: 1}
	if err := decodeStage(raw, s); err != nil {
		return nil, err
	}
	if math.IsNaN(s.Gain) || math.IsInf(s.Gain, 0) {
		return nil, fmt.Errorf("gain must be finite")
	}
	return s, nil
}

func (s *gain) Name() string { return "gain" }

func (s *gain) Init(b *Buffers) error {
	buf, ok := b.Signal(ProcessedBuffer)
	if !ok {
		return fmt.Errorf("no %q buffer", ProcessedBuffer)
	}
	s.buf = buf
	return nil
}

func (s *gain) Process() error {
	s.buf.Lock()
	defer s.buf.Unlock()
	for ch := 0; ch < s.buf.Channels(); ch++ {
		floats.Scale(s.Gain, s.buf.Row(ch))
	}
	return nil
}

// rms writes the per-channel root mean square of its input into a
// channels × 1 output buffer.
type rms struct {
	Input  string `json:"input"`
	Output string `json:"output"`

	in, out *SignalBuffer
	scratch [][]float64
}

func newRMS(raw json.RawMessage) (Stage, error) {
	s := &rms{Input: ProcessedBuffer, Output: "rms"}
	if err := decodeStage(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *rms) Name() string { return "rms(" + s.Output + ")" }

func (s *rms) Init(b *Buffers) error {
	in, ok := b.Signal(s.Input)
	if !ok {
		return fmt.Errorf("input buffer %q is not declared", s.Input)
	}
	out, err := b.AddSignal(s.Output, in.Channels(), 1)
	if err != nil {
		return err
	}
	s.in, s.out = in, out
	s.scratch = make([][]float64, in.Channels())
	for ch := range s.scratch {
		s.scratch[ch] = make([]float64, in.Capacity())
	}
	return nil
}

func (s *rms) Process() error {
	s.in.Lock()
	n, first := s.in.Len(), s.in.FirstSample()
	for ch := range s.scratch {
		copy(s.scratch[ch], s.in.Row(ch))
	}
	s.in.Unlock()

	s.out.Lock()
	defer s.out.Unlock()
	for ch, row := range s.out.Rows() {
		if n == 0 {
			row[0] = 0
			continue
		}
		row[0] = floats.Norm(s.scratch[ch][:n], 2) / math.Sqrt(float64(n))
	}
	s.out.SetLen(1, first)
	return nil
}

// threshold detects crossings of a per-channel threshold and captures a
// waveform snippet starting at each crossing. With SDFactor set the
// threshold adapts each tick to SDFactor × the channel's standard deviation
// around its mean; otherwise Threshold is absolute. A negative threshold
// detects downward crossings.
type threshold struct {
	Input          string  `json:"input"`
	Output         string  `json:"output"`
	Threshold      float64 `json:"threshold"`
	SDFactor       float64 `json:"sd_factor"`
	SnippetSamples int     `json:"snippet_samples"`
	DeadSamples    int     `json:"dead_samples"`

	in   *SignalBuffer
	out  *EventBuffer
	rows [][]float64

	// previous tick's last sample and remaining dead time, per channel
	last   []float64
	primed bool
	dead   []int
}

func newThreshold(raw json.RawMessage) (Stage, error) {
	s := &threshold{Input: ProcessedBuffer, Output: "events", SnippetSamples: 16}
	if err := decodeStage(raw, s); err != nil {
		return nil, err
	}
	if s.Threshold == 0 && s.SDFactor == 0 {
		return nil, fmt.Errorf("one of threshold or sd_factor must be set")
	}
	if s.SnippetSamples < 0 || s.DeadSamples < 0 {
		return nil, fmt.Errorf("snippet_samples and dead_samples must not be negative")
	}
	if s.DeadSamples == 0 {
		s.DeadSamples = s.SnippetSamples
	}
	return s, nil
}

func (s *threshold) Name() string { return "threshold(" + s.Output + ")" }

func (s *threshold) Init(b *Buffers) error {
	in, ok := b.Signal(s.Input)
	if !ok {
		return fmt.Errorf("input buffer %q is not declared", s.Input)
	}
	out, err := b.AddEvents(s.Output, in.Channels(), s.SnippetSamples)
	if err != nil {
		return err
	}
	s.in, s.out = in, out
	s.rows = make([][]float64, in.Channels())
	for ch := range s.rows {
		s.rows[ch] = make([]float64, in.Capacity())
	}
	s.last = make([]float64, in.Channels())
	s.dead = make([]int, in.Channels())
	return nil
}

func (s *threshold) level(row []float64) float64 {
	if s.SDFactor == 0 {
		return s.Threshold
	}
	mean, sd := stat.MeanStdDev(row, nil)
	return mean + s.SDFactor*sd
}

func crossed(prev, cur, level float64) bool {
	if level < 0 {
		return prev > level && cur <= level
	}
	return prev < level && cur >= level
}

func (s *threshold) Process() error {
	s.in.Lock()
	n, first := s.in.Len(), s.in.FirstSample()
	for ch := range s.rows {
		copy(s.rows[ch], s.in.Row(ch))
	}
	s.in.Unlock()

	s.out.Lock()
	defer s.out.Unlock()
	s.out.Reset(first)
	if n == 0 {
		return nil
	}
	for ch, full := range s.rows {
		row := full[:n]
		level := s.level(row)
		prev := s.last[ch]
		if !s.primed {
			prev = row[0]
		}
		for i, v := range row {
			if s.dead[ch] > 0 {
				s.dead[ch]--
			} else if crossed(prev, v, level) {
				s.out.Add(ch, i, row[i:min(i+s.SnippetSamples, n)])
				s.dead[ch] = s.DeadSamples
			}
			prev = v
		}
		s.last[ch] = prev
	}
	s.primed = true
	return nil
}
