package acquisition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/ephys.loop/internal/monitoring"
	"github.com/banshee-data/ephys.loop/internal/notify"
	"github.com/banshee-data/ephys.loop/internal/timeutil"
)

// Reader is the device-facing half of a source. The Loop owns the tick
// cadence, ring rotation and notifications; the Reader only knows how to fill
// one frame.
type Reader interface {
	// Connect prepares the device. Errors are reported to the caller of
	// StartAcquisition as connection failures.
	Connect(ctx context.Context) error
	// Fill writes one tick of samples into f and sets f.Len. It is called
	// with the frame's write lock held. Any error is treated as a device
	// fault and stops the loop.
	Fill(f *Frame) error
	Disconnect() error
}

// LoopConfig describes the frame shape and tick cadence.
type LoopConfig struct {
	Channels       int
	SamplesPerTick int
	RingCapacity   int
	// PollingPeriod is the target tick period. Each tick sleeps for
	// PollingPeriod minus the time spent filling the frame. Zero disables
	// pacing for readers that block on the device themselves.
	PollingPeriod time.Duration
	Clock         timeutil.Clock
}

// Loop drives a Reader on its own goroutine and implements Source.
type Loop struct {
	name   string
	reader Reader
	cfg    LoopConfig
	ring   *RingBuffer[*Frame]

	status atomic.Int32

	startMu sync.Mutex
	done    chan struct{}

	seq        uint64
	nextSample int64

	dataAvailable notify.List[*Frame]
	started       notify.List[struct{}]
	ended         notify.List[error]
}

// NewLoop builds a Loop and its frame ring.
func NewLoop(name string, reader Reader, cfg LoopConfig) (*Loop, error) {
	if reader == nil {
		return nil, fmt.Errorf("acquisition %s: nil reader", name)
	}
	if cfg.Channels <= 0 || cfg.SamplesPerTick <= 0 {
		return nil, fmt.Errorf("acquisition %s: invalid frame shape %dx%d", name, cfg.Channels, cfg.SamplesPerTick)
	}
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = DefaultRingCapacity
	}
	if cfg.PollingPeriod < 0 {
		return nil, fmt.Errorf("acquisition %s: negative polling period %v", name, cfg.PollingPeriod)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	ring, err := NewRingBuffer(cfg.RingCapacity, func(int) *Frame {
		return NewFrame(cfg.Channels, cfg.SamplesPerTick)
	})
	if err != nil {
		return nil, fmt.Errorf("acquisition %s: %w", name, err)
	}
	done := make(chan struct{})
	close(done)
	return &Loop{
		name:   name,
		reader: reader,
		cfg:    cfg,
		ring:   ring,
		done:   done,
	}, nil
}

// Name identifies the source in logs and recordings.
func (l *Loop) Name() string { return l.name }

// Config returns the loop's frame shape and cadence.
func (l *Loop) Config() LoopConfig { return l.cfg }

func (l *Loop) Status() Status { return Status(l.status.Load()) }

func (l *Loop) OnDataAvailable(fn func(*Frame)) { l.dataAvailable.Add(fn) }

func (l *Loop) OnAcquisitionStarted(fn func()) {
	if fn == nil {
		return
	}
	l.started.Add(func(struct{}) { fn() })
}

func (l *Loop) OnAcquisitionEnded(fn func(error)) { l.ended.Add(fn) }

// StartAcquisition connects the reader and starts the tick goroutine.
func (l *Loop) StartAcquisition(ctx context.Context) error {
	l.startMu.Lock()
	defer l.startMu.Unlock()

	switch l.Status() {
	case StatusInvalid:
		return ErrInvalidSource
	case StatusIdle:
	default:
		return ErrAlreadyRunning
	}

	if err := l.reader.Connect(ctx); err != nil {
		monitoring.Opsf("acquisition %s: connect failed: %v", l.name, err)
		return &ConnectionError{Source: l.name, Err: err}
	}

	l.status.Store(int32(StatusRunning))
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
	return nil
}

// StopAcquisition moves a running loop to TerminationPending. The loop stops
// at the top of its next iteration, never mid-frame.
func (l *Loop) StopAcquisition() {
	l.status.CompareAndSwap(int32(StatusRunning), int32(StatusTerminationPending))
}

// Done returns a channel closed when the current run has fully stopped.
func (l *Loop) Done() <-chan struct{} {
	l.startMu.Lock()
	defer l.startMu.Unlock()
	return l.done
}

// Close stops the loop, waits for it to exit and marks the source invalid.
func (l *Loop) Close() error {
	l.StopAcquisition()
	<-l.Done()
	l.status.Store(int32(StatusInvalid))
	return nil
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	var fault error
	defer func() {
		if err := l.reader.Disconnect(); err != nil {
			monitoring.Opsf("acquisition %s: disconnect: %v", l.name, err)
		}
		l.status.Store(int32(StatusIdle))
		if fault != nil {
			monitoring.Opsf("acquisition %s ended: %v", l.name, fault)
		} else {
			monitoring.Opsf("acquisition %s ended", l.name)
		}
		l.ended.Notify(fault)
		close(done)
	}()

	monitoring.Opsf("acquisition %s started (%d ch × %d samples, period %v)",
		l.name, l.cfg.Channels, l.cfg.SamplesPerTick, l.cfg.PollingPeriod)
	l.started.Notify(struct{}{})

	for {
		if l.Status() != StatusRunning {
			return
		}
		if ctx.Err() != nil {
			return
		}

		start := l.cfg.Clock.Now()
		frame := l.ring.Current()

		frame.Lock()
		err := l.reader.Fill(frame)
		if err == nil {
			l.seq++
			frame.Seq = l.seq
			frame.FirstSample = l.nextSample
			l.nextSample += int64(frame.Len)
		}
		frame.Unlock()

		if err != nil {
			fault = &DeviceFault{Source: l.name, Err: err}
			return
		}

		l.ring.RotateRight(1)
		l.dataAvailable.Notify(frame)

		if l.cfg.PollingPeriod > 0 {
			if wait := l.cfg.PollingPeriod - l.cfg.Clock.Since(start); wait > 0 {
				l.cfg.Clock.Sleep(wait)
			}
		}
	}
}
