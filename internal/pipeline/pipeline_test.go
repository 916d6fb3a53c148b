package pipeline

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ephys.loop/internal/acquisition"
	"github.com/banshee-data/ephys.loop/internal/config"
)

func specs(t *testing.T, raw ...string) []config.StageSpec {
	t.Helper()
	out := make([]config.StageSpec, len(raw))
	for i, r := range raw {
		require.NoError(t, json.Unmarshal([]byte(r), &out[i]))
	}
	return out
}

func TestEventFinder_RisingEdgesAcrossFrames(t *testing.T) {
	t.Parallel()

	f := NewEventFinder(false)
	got := f.Find(nil, []uint16{0, 0, 3, 3, 0, 5}, 100)
	got = f.Find(got, []uint16{5, 5, 0, 2}, 106)

	want := []acquisition.EventMarker{
		{Code: 3, Timestamp: 2, Sample: 102},
		{Code: 5, Timestamp: 5, Sample: 105},
		{Code: 2, Timestamp: 3, Sample: 109},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestEventFinder_FallingEdges(t *testing.T) {
	t.Parallel()

	f := NewEventFinder(true)
	got := f.Find(nil, []uint16{4, 4, 0, 1, 6}, 0)
	want := []acquisition.EventMarker{
		{Code: 4, Timestamp: 0, Sample: 0},
		{Code: -4, Timestamp: 2, Sample: 2},
		{Code: 1, Timestamp: 3, Sample: 3},
		{Code: 6, Timestamp: 4, Sample: 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	f.Reset()
	assert.Len(t, f.Find(nil, []uint16{0, 0}, 5), 0, "no edge after reset to a low line")
}

func TestProcessingPipeline_CARThenGain(t *testing.T) {
	t.Parallel()

	b := NewBuffers(2, 4)
	p, err := NewProcessingPipeline(specs(t, `{"type":"car"}`, `{"type":"gain","gain":2}`), b)
	require.NoError(t, err)
	assert.Equal(t, []string{"car", "gain"}, p.Stages())

	b.LoadFrame([][]float64{{1, 2, 3, 9}, {3, 2, 1, 9}}, 3, 40)
	n, err := p.Run()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	processed, ok := b.Signal(ProcessedBuffer)
	require.True(t, ok)
	processed.Lock()
	defer processed.Unlock()
	assert.Equal(t, []float64{-2, 0, 2}, processed.Row(0))
	assert.Equal(t, []float64{2, 0, -2}, processed.Row(1))
	assert.Equal(t, int64(40), processed.FirstSample())

	raw, _ := b.Signal(RawBuffer)
	raw.Lock()
	assert.Equal(t, []float64{1, 2, 3}, raw.Row(0), "raw is left untouched")
	raw.Unlock()
}

func TestProcessingPipeline_ConfigurationErrors(t *testing.T) {
	t.Parallel()

	var ce *config.ConfigurationError

	_, err := NewProcessingPipeline(specs(t, `{"type":"wavelet"}`), NewBuffers(2, 4))
	require.True(t, errors.As(err, &ce), "unknown type")

	_, err = NewProcessingPipeline(specs(t, `{"type":"car"}`), NewBuffers(1, 4))
	require.True(t, errors.As(err, &ce), "car needs two channels")
	assert.Equal(t, "processing", ce.Component)

	_, err = NewProcessingPipeline(specs(t, `{"type":"gain","gain":"loud"}`), NewBuffers(2, 4))
	assert.True(t, errors.As(err, &ce), "bad parameters")
}

func TestAnalysisPipeline_RMS(t *testing.T) {
	t.Parallel()

	b := NewBuffers(2, 4)
	p, err := NewProcessingPipeline(nil, b)
	require.NoError(t, err)
	a, err := NewAnalysisPipeline(specs(t, `{"type":"rms","output":"power"}`), b)
	require.NoError(t, err)

	b.LoadFrame([][]float64{{3, -3, 3, -3}, {0, 0, 0, 0}}, 4, 0)
	_, err = p.Run()
	require.NoError(t, err)
	require.NoError(t, a.Run())

	out, ok := b.Signal("power")
	require.True(t, ok)
	out.Lock()
	defer out.Unlock()
	assert.InDelta(t, 3.0, out.Row(0)[0], 1e-12)
	assert.InDelta(t, 0.0, out.Row(1)[0], 1e-12)
}

func TestAnalysisPipeline_MissingInput(t *testing.T) {
	t.Parallel()

	b := NewBuffers(2, 4)
	_, err := NewAnalysisPipeline(specs(t, `{"type":"rms","input":"filtered"}`), b)
	var ce *config.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "analysis", ce.Component)
	assert.Contains(t, ce.Reason, "filtered")
}

func TestAnalysisPipeline_DuplicateOutput(t *testing.T) {
	t.Parallel()

	b := NewBuffers(1, 4)
	_, err := NewProcessingPipeline(nil, b)
	require.NoError(t, err)
	_, err = NewAnalysisPipeline(specs(t,
		`{"type":"rms","output":"x"}`,
		`{"type":"threshold","output":"x","threshold":1}`), b)
	assert.Error(t, err)
}

func TestThreshold_DetectsAcrossTicksWithSnippets(t *testing.T) {
	t.Parallel()

	b := NewBuffers(1, 6)
	p, err := NewProcessingPipeline(nil, b)
	require.NoError(t, err)
	a, err := NewAnalysisPipeline(specs(t,
		`{"type":"threshold","output":"spikes","threshold":-5,"snippet_samples":3,"dead_samples":1}`), b)
	require.NoError(t, err)
	spikes, ok := b.Events("spikes")
	require.True(t, ok)

	tick := func(row []float64, first int64) ([]int, [][]float64) {
		b.LoadFrame([][]float64{row}, len(row), first)
		_, err := p.Run()
		require.NoError(t, err)
		require.NoError(t, a.Run())
		spikes.Lock()
		defer spikes.Unlock()
		assert.Equal(t, first, spikes.FirstSample())
		return append([]int(nil), spikes.Timestamps(0)...), append([][]float64(nil), spikes.Snippets(0)...)
	}

	ts, snips := tick([]float64{0, -6, -7, 0, 0, -1}, 0)
	assert.Equal(t, []int{1}, ts)
	assert.Equal(t, [][]float64{{-6, -7, 0}}, snips)

	// crossing on the first sample of the next tick uses the carried value
	ts, snips = tick([]float64{-9, 0, 0, 0, 0, -5}, 6)
	assert.Equal(t, []int{0, 5}, ts)
	assert.Equal(t, [][]float64{{-9, 0, 0}, {-5, 0, 0}}, snips, "snippets are zero padded at the frame end")
}

func TestThreshold_SDFactor(t *testing.T) {
	t.Parallel()

	b := NewBuffers(1, 8)
	_, err := NewProcessingPipeline(nil, b)
	require.NoError(t, err)
	a, err := NewAnalysisPipeline(specs(t, `{"type":"threshold","sd_factor":-2,"snippet_samples":1}`), b)
	require.NoError(t, err)

	b.LoadFrame([][]float64{{1, -1, 1, -1, -40, 1, -1, 1}}, 8, 0)
	processed, _ := b.Signal(ProcessedBuffer)
	processed.CopyFrom(mustSignal(t, b, RawBuffer))
	require.NoError(t, a.Run())

	events, _ := b.Events("events")
	events.Lock()
	defer events.Unlock()
	assert.Equal(t, []int{4}, events.Timestamps(0))
}

func TestThreshold_RequiresLevel(t *testing.T) {
	t.Parallel()

	_, err := NewAnalysisPipeline(specs(t, `{"type":"threshold"}`), NewBuffers(1, 4))
	assert.Error(t, err)
}

func TestBuffers_Names(t *testing.T) {
	t.Parallel()

	b := NewBuffers(2, 4)
	_, err := NewProcessingPipeline(nil, b)
	require.NoError(t, err)
	_, err = b.AddEvents("spikes", 2, 8)
	require.NoError(t, err)
	_, err = b.AddSignal("", 1, 1)
	assert.Error(t, err)
	assert.Equal(t, []string{"processed", "raw", "spikes"}, b.Names())
	assert.Equal(t, []string{"car", "gain"}, ProcessingTypes())
	assert.Equal(t, []string{"rms", "threshold"}, AnalysisTypes())
}

func mustSignal(t *testing.T, b *Buffers, name string) *SignalBuffer {
	t.Helper()
	s, ok := b.Signal(name)
	require.True(t, ok)
	return s
}

func TestSignalBuffer_SetLenClamps(t *testing.T) {
	t.Parallel()

	s := NewSignalBuffer("x", 1, 4)
	s.Lock()
	s.SetLen(10, 3)
	assert.Equal(t, 4, s.Len())
	s.Unlock()
	assert.Equal(t, int64(3), s.FirstSample())
}
