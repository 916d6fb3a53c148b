package acquisition

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ephys.loop/internal/timeutil"
)

func TestRingBuffer_RotationIsCyclic(t *testing.T) {
	t.Parallel()

	for _, capacity := range []int{2, 3, 5} {
		ring, err := NewRingBuffer(capacity, func(int) *Frame { return NewFrame(1, 4) })
		require.NoError(t, err)

		first := ring.Current()
		seen := map[*Frame]bool{first: true}
		for i := 1; i < capacity; i++ {
			ring.RotateRight(1)
			seen[ring.Current()] = true
			assert.NotSame(t, first, ring.Current())
		}
		ring.RotateRight(1)
		assert.Same(t, first, ring.Current(), "capacity %d", capacity)
		assert.Len(t, seen, capacity)
	}
}

func TestRingBuffer_RejectsSmallCapacity(t *testing.T) {
	t.Parallel()

	_, err := NewRingBuffer(1, func(int) int { return 0 })
	assert.Error(t, err)
}

func TestFrame_Valid(t *testing.T) {
	t.Parallel()

	f := NewFrame(2, 8)
	assert.False(t, f.Valid(), "zero-length frame")
	f.Len = 8
	assert.True(t, f.Valid())
	f.Len = 9
	assert.False(t, f.Valid(), "length beyond capacity")

	var nilFrame *Frame
	assert.False(t, nilFrame.Valid())
	assert.False(t, (&Frame{Len: 1, Digital: []uint16{0}}).Valid(), "no analog content")
}

type collector struct {
	mu     sync.Mutex
	lens   []int
	starts []int64
	seqs   []uint64
	digits [][]uint16
}

func (c *collector) record(f *Frame) {
	f.RLock()
	defer f.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lens = append(c.lens, f.Len)
	c.starts = append(c.starts, f.FirstSample)
	c.seqs = append(c.seqs, f.Seq)
	c.digits = append(c.digits, append([]uint16(nil), f.Digital[:f.Len]...))
}

// runFrames stops src once n frames have been delivered and waits for the loop.
func runFrames(t *testing.T, src *LocalSource, n int) *collector {
	t.Helper()
	c := &collector{}
	count := 0
	src.OnDataAvailable(func(f *Frame) {
		c.record(f)
		count++
		if count == n {
			src.StopAcquisition()
		}
	})
	require.NoError(t, src.StartAcquisition(context.Background()))
	select {
	case <-src.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("acquisition did not stop")
	}
	return c
}

func TestLocalSource_WrapAround(t *testing.T) {
	t.Parallel()

	const length, chunk = 100, 30
	ds := Synthetic(2, length, 1000, 0, 1)
	ds.Markers = []Marker{{Position: 5, Code: 3}, {Position: 95, Code: 7}}

	src, err := NewLocalSource(ds, LoopConfig{
		SamplesPerTick: chunk,
		PollingPeriod:  time.Millisecond,
		Clock:          timeutil.NewMockClock(time.Unix(0, 0)),
	})
	require.NoError(t, err)

	c := runFrames(t, src, 8)

	assert.Equal(t, []int{30, 30, 30, 10, 30, 30, 30, 10}, c.lens)
	assert.Equal(t, []int64{0, 30, 60, 90, 100, 130, 160, 190}, c.starts, "stream positions must have no gaps or repeats")
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8}, c.seqs)
	assert.Equal(t, 2, src.Wraps())
	assert.Equal(t, 0, src.Position())

	// markers replay after the wrap because the cursor resets
	assert.Equal(t, uint16(3), c.digits[0][5])
	assert.Equal(t, uint16(7), c.digits[3][5])
	assert.Equal(t, uint16(3), c.digits[4][5])
	assert.Equal(t, uint16(7), c.digits[7][5])

	assert.Equal(t, StatusIdle, src.Status())
}

func TestLoop_PacesToPollingPeriod(t *testing.T) {
	t.Parallel()

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src, err := NewLocalSource(Synthetic(1, 64, 1000, 0, 1), LoopConfig{
		SamplesPerTick: 16,
		PollingPeriod:  10 * time.Millisecond,
		Clock:          clock,
	})
	require.NoError(t, err)

	runFrames(t, src, 3)

	// Fill takes no mock time, so every tick sleeps the full period.
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond}, clock.Sleeps())
}

type faultyReader struct {
	connectErr error
	failAfter  int
	fills      int
}

func (r *faultyReader) Connect(context.Context) error { return r.connectErr }
func (r *faultyReader) Disconnect() error             { return nil }
func (r *faultyReader) Fill(f *Frame) error {
	r.fills++
	if r.fills > r.failAfter {
		return errors.New("usb transfer stalled")
	}
	f.Len = f.Capacity()
	return nil
}

func TestLoop_ConnectionFailureLeavesIdle(t *testing.T) {
	t.Parallel()

	loop, err := NewLoop("daq", &faultyReader{connectErr: errors.New("no device")}, LoopConfig{Channels: 1, SamplesPerTick: 4})
	require.NoError(t, err)

	err = loop.StartAcquisition(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "daq", ce.Source)
	assert.Equal(t, StatusIdle, loop.Status())
}

func TestLoop_DeviceFaultStopsLoop(t *testing.T) {
	t.Parallel()

	loop, err := NewLoop("daq", &faultyReader{failAfter: 2}, LoopConfig{Channels: 1, SamplesPerTick: 4})
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		frames int
		ended  []error
	)
	loop.OnDataAvailable(func(*Frame) { mu.Lock(); frames++; mu.Unlock() })
	loop.OnAcquisitionEnded(func(err error) { mu.Lock(); ended = append(ended, err); mu.Unlock() })

	require.NoError(t, loop.StartAcquisition(context.Background()))
	<-loop.Done()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, frames)
	require.Len(t, ended, 1, "AcquisitionEnded must fire exactly once")
	var fault *DeviceFault
	require.ErrorAs(t, ended[0], &fault)
	assert.Contains(t, fault.Error(), "usb transfer stalled")
	assert.Equal(t, StatusIdle, loop.Status())
}

func TestLoop_StartTwiceAndClose(t *testing.T) {
	t.Parallel()

	src, err := NewLocalSource(Synthetic(1, 32, 1000, 0, 1), LoopConfig{SamplesPerTick: 8, PollingPeriod: time.Millisecond})
	require.NoError(t, err)

	started := make(chan struct{}, 1)
	src.OnAcquisitionStarted(func() { started <- struct{}{} })

	require.NoError(t, src.StartAcquisition(context.Background()))
	<-started
	assert.ErrorIs(t, src.StartAcquisition(context.Background()), ErrAlreadyRunning)

	require.NoError(t, src.Close())
	assert.Equal(t, StatusInvalid, src.Status())
	assert.ErrorIs(t, src.StartAcquisition(context.Background()), ErrInvalidSource)
}

func TestLoadCSV(t *testing.T) {
	t.Parallel()

	in := "ch0,ch1,digital\n1.5,2,0\n-1,0.25,4\n3,3,0\n"
	ds, err := LoadCSV(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Channels())
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, []float64{1.5, -1, 3}, ds.Analog[0])
	assert.Equal(t, []uint16{0, 4, 0}, ds.Digital)
	assert.NoError(t, ds.Validate())

	_, err = LoadCSV(strings.NewReader("1,2,0\n1,2\n"))
	assert.Error(t, err)
	_, err = LoadCSV(strings.NewReader("1\n"))
	assert.Error(t, err)
}

func TestDataset_ValidateMarkers(t *testing.T) {
	t.Parallel()

	ds := &Dataset{Analog: [][]float64{{0, 0, 0}}, Markers: []Marker{{Position: 2}, {Position: 1}}}
	assert.Error(t, ds.Validate())
	ds.Markers = []Marker{{Position: 3}}
	assert.Error(t, ds.Validate())
}
