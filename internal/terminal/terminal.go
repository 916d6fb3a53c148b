// Package terminal owns the acquisition pipeline of one recording rig.
//
// A Terminal is an active object: frames from the acquisition source and
// every control call are serialized onto a single owner goroutine by a
// Dispatcher. Each frame is processed in a fixed order:
//
//  1. validate the frame, dropping it if empty
//  2. notify input-received observers
//  3. find digital events; record them with the raw samples
//  4. run the processing pipeline
//  5. run the analysis pipeline
//  6. tick the running protocol
//  7. update display accumulators and push full ones to the consumer
//  8. record the processed samples
//
// so a protocol always decides on fully analyzed data for the same tick.
package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/ephys.loop/internal/acquisition"
	"github.com/banshee-data/ephys.loop/internal/config"
	"github.com/banshee-data/ephys.loop/internal/display"
	"github.com/banshee-data/ephys.loop/internal/monitoring"
	"github.com/banshee-data/ephys.loop/internal/notify"
	"github.com/banshee-data/ephys.loop/internal/pipeline"
	"github.com/banshee-data/ephys.loop/internal/protocol"
	"github.com/banshee-data/ephys.loop/internal/recording"
	"github.com/banshee-data/ephys.loop/internal/stimulator"
)

// Recording source names. Events are tagged SourceRaw, like the raw
// samples of the frame they were found in.
const (
	SourceRaw       = "raw"
	SourceProcessed = "processed"
)

const (
	storeQueueSize = 256
	closeTimeout   = 5 * time.Second
)

var (
	ErrNoProtocol = errors.New("no protocol attached")
	ErrNoRecorder = errors.New("no recorder configured")
	ErrNoDevice   = errors.New("no stimulator configured")
)

// SessionStore persists protocol runs. *db.DB implements it.
type SessionStore interface {
	StartSession(ctx context.Context, protocol, recording string) (string, error)
	RecordTrial(ctx context.Context, sessionID string, index int, frequency float64) error
	EndSession(ctx context.Context, sessionID string, completed bool, total int) error
}

// Config is the frame shape, cadence and pipeline layout.
type Config struct {
	Channels            int
	SamplesPerTick      int
	SampleRate          float64
	PollingPeriod       time.Duration
	IncludeFallingEdges bool
	Processing          []config.StageSpec
	Analysis            []config.StageSpec
	// QueueSize bounds the owner queue; frames arriving while it is full
	// are dropped.
	QueueSize int
}

// ConfigFromSettings maps loaded settings onto a terminal Config.
func ConfigFromSettings(s *config.Settings) Config {
	return Config{
		Channels:            s.GetChannels(),
		SamplesPerTick:      s.GetSamplesPerTick(),
		SampleRate:          s.GetSampleRate(),
		PollingPeriod:       s.GetPollingPeriod(),
		IncludeFallingEdges: s.GetIncludeFallingEdges(),
		Processing:          s.Processing,
		Analysis:            s.Analysis,
	}
}

// Options are the terminal's collaborators. Only Source is required.
type Options struct {
	Source   acquisition.Source
	Device   stimulator.Device
	Recorder recording.Sink
	Store    SessionStore
}

// Stats are counters safe to read from any goroutine.
type Stats struct {
	Frames        int64           `json:"frames"`
	DroppedFrames int64           `json:"dropped_frames"`
	Faults        int64           `json:"faults"`
	Events        int64           `json:"events"`
	RecordDrops   int64           `json:"record_drops"`
	Dispatcher    DispatcherStats `json:"dispatcher"`
}

// Status is a snapshot of the owner state.
type Status struct {
	Acquisition     string   `json:"acquisition"`
	Protocol        string   `json:"protocol,omitempty"`
	ProtocolState   string   `json:"protocol_state,omitempty"`
	ProtocolRunning bool     `json:"protocol_running"`
	Trial           int      `json:"trial"`
	Trials          int      `json:"trials"`
	Recording       bool     `json:"recording"`
	RecordingDir    string   `json:"recording_dir,omitempty"`
	RecordingName   string   `json:"recording_name,omitempty"`
	Processing      []string `json:"processing"`
	Analysis        []string `json:"analysis"`
	Buffers         []string `json:"buffers"`
}

// protocolRun tracks one protocol run for the session store. sessionID is
// only touched on the store dispatcher.
type protocolRun struct {
	sessionID string
	completed bool
}

// Terminal executes the per-tick pipeline for one acquisition source.
type Terminal struct {
	cfg        Config
	sourceName string
	source     acquisition.Source
	dev        stimulator.Device
	sink       recording.Sink
	store      SessionStore

	d        *Dispatcher
	storeQ   *Dispatcher
	lifetime context.Context
	cancel   context.CancelFunc
	once     sync.Once

	// owner state
	buffers      *pipeline.Buffers
	finder       *pipeline.EventFinder
	processing   *pipeline.ProcessingPipeline
	analysis     *pipeline.AnalysisPipeline
	proto        protocol.Protocol
	protoLog     *protocol.Log
	run          *protocolRun
	accumulators []*display.Accumulator
	eventAccs    []*display.EventAccumulator
	consumer     display.Consumer
	events       []acquisition.EventMarker
	codes        []int
	torndown     bool

	inputReceived      notify.List[*acquisition.Frame]
	eventsFound        notify.List[[]acquisition.EventMarker]
	processingComplete notify.List[int]
	analysisComplete   notify.List[struct{}]
	faults             notify.List[error]
	trialCompleted     notify.List[protocol.TrialResult]

	frames      atomic.Int64
	dropped     atomic.Int64
	faultCount  atomic.Int64
	eventCount  atomic.Int64
	recordDrops atomic.Int64
}

// New builds the pipelines and subscribes to the source. Invalid stage
// configuration is returned as a *config.ConfigurationError.
func New(cfg Config, opts Options) (*Terminal, error) {
	if opts.Source == nil {
		return nil, config.Errorf("terminal", "no acquisition source")
	}
	if cfg.Channels <= 0 || cfg.SamplesPerTick <= 0 {
		return nil, config.Errorf("terminal", "invalid frame shape %dx%d", cfg.Channels, cfg.SamplesPerTick)
	}
	buffers := pipeline.NewBuffers(cfg.Channels, cfg.SamplesPerTick)
	processing, err := pipeline.NewProcessingPipeline(cfg.Processing, buffers)
	if err != nil {
		return nil, err
	}
	analysis, err := pipeline.NewAnalysisPipeline(cfg.Analysis, buffers)
	if err != nil {
		return nil, err
	}

	name := "acquisition"
	if n, ok := opts.Source.(interface{ Name() string }); ok {
		name = n.Name()
	}
	lifetime, cancel := context.WithCancel(context.Background())
	t := &Terminal{
		cfg:        cfg,
		sourceName: name,
		source:     opts.Source,
		dev:        opts.Device,
		sink:       opts.Recorder,
		store:      opts.Store,
		d:          NewDispatcher("terminal", cfg.QueueSize),
		storeQ:     NewDispatcher("terminal store", storeQueueSize),
		lifetime:   lifetime,
		cancel:     cancel,
		buffers:    buffers,
		finder:     pipeline.NewEventFinder(cfg.IncludeFallingEdges),
		processing: processing,
		analysis:   analysis,
	}
	opts.Source.OnDataAvailable(t.ProcessInput)
	opts.Source.OnAcquisitionEnded(t.onAcquisitionEnded)
	monitoring.Opsf("terminal: %s %d ch × %d samples, processing %v, analysis %v",
		name, cfg.Channels, cfg.SamplesPerTick, processing.Stages(), analysis.Stages())
	return t, nil
}

// Buffers returns the pipeline buffer registry. Buffers are locked
// individually; the registry itself is fixed after New.
func (t *Terminal) Buffers() *pipeline.Buffers { return t.buffers }

// OnInputReceived observers run on the owner goroutine with the frame read
// locked.
func (t *Terminal) OnInputReceived(fn func(*acquisition.Frame)) { t.inputReceived.Add(fn) }

// OnEventsFound observers must not retain the slice.
func (t *Terminal) OnEventsFound(fn func([]acquisition.EventMarker)) { t.eventsFound.Add(fn) }

// OnProcessingComplete observers receive the tick's sample count.
func (t *Terminal) OnProcessingComplete(fn func(samples int)) { t.processingComplete.Add(fn) }

func (t *Terminal) OnAnalysisComplete(fn func()) {
	if fn != nil {
		t.analysisComplete.Add(func(struct{}) { fn() })
	}
}

// OnFault observers receive errors that stopped a run.
func (t *Terminal) OnFault(fn func(error)) { t.faults.Add(fn) }

func (t *Terminal) OnTrialCompleted(fn func(protocol.TrialResult)) { t.trialCompleted.Add(fn) }

// ProcessInput queues f for the tick pipeline. It is registered as the
// source's data observer and runs on the producer goroutine, so it never
// blocks: when the owner is behind the frame is dropped and counted.
func (t *Terminal) ProcessInput(f *acquisition.Frame) {
	if f == nil {
		t.dropped.Add(1)
		return
	}
	seq := f.Seq
	if err := t.d.TryPost(func(context.Context) { t.tick(f, seq) }); err != nil {
		t.dropped.Add(1)
		monitoring.Tracef("terminal: frame %d dropped: %v", seq, err)
	}
}

func (t *Terminal) tick(f *acquisition.Frame, seq uint64) {
	if t.torndown {
		return
	}

	f.RLock()
	// the slot was refilled while this tick waited in the queue
	if f.Seq != seq || !f.Valid() {
		f.RUnlock()
		t.dropped.Add(1)
		return
	}
	t.frames.Add(1)
	t.inputReceived.Notify(f)

	rec := t.sink != nil && t.sink.IsRecording()
	t.events = t.finder.Find(t.events[:0], f.Digital[:f.Len], f.FirstSample)
	if len(t.events) > 0 {
		t.eventCount.Add(int64(len(t.events)))
		t.eventsFound.Notify(t.events)
		if t.consumer != nil {
			t.codes = t.codes[:0]
			for _, e := range t.events {
				t.codes = append(t.codes, e.Code)
			}
			t.consumer.UpdateEvents(t.codes)
		}
		if rec {
			t.record(t.sink.WriteEvents(SourceRaw, t.events))
			t.record(t.sink.WriteData(SourceRaw, f.Seq, f.FirstSample, f.Analog, f.Len))
		}
	}
	t.buffers.LoadFrame(f.Analog, f.Len, f.FirstSample)
	f.RUnlock()

	n, err := t.processing.Run()
	if err != nil {
		t.fault(fmt.Errorf("processing: %w", err))
		return
	}
	t.processingComplete.Notify(n)

	if err := t.analysis.Run(); err != nil {
		t.fault(fmt.Errorf("analysis: %w", err))
		return
	}
	t.analysisComplete.Notify(struct{}{})

	if t.proto != nil && t.proto.IsRunning() {
		if err := t.proto.ProcessBlock(); err != nil {
			t.fault(fmt.Errorf("protocol %s: %w", t.proto.Kind(), err))
			return
		}
	}

	for _, a := range t.accumulators {
		if a.Accumulate(0) && t.consumer != nil {
			t.consumer.UpdateData(a.Snapshot())
		}
	}
	for _, a := range t.eventAccs {
		if a.Accumulate(n) && t.consumer != nil {
			if sc, ok := t.consumer.(display.SnippetConsumer); ok {
				sc.UpdateSnippets(a.Snapshot())
			}
		}
	}

	if rec {
		processed, _ := t.buffers.Signal(pipeline.ProcessedBuffer)
		processed.Lock()
		t.record(t.sink.WriteData(SourceProcessed, seq, processed.FirstSample(), processed.Rows(), processed.Len()))
		processed.Unlock()
	}
}

func (t *Terminal) record(err error) {
	switch {
	case err == nil:
	case errors.Is(err, recording.ErrQueueFull):
		t.recordDrops.Add(1)
	default:
		monitoring.Diagf("terminal: record: %v", err)
	}
}

// fault stops the run: the protocol, then acquisition.
func (t *Terminal) fault(err error) {
	t.faultCount.Add(1)
	monitoring.Opsf("terminal: fault, stopping run: %v", err)
	t.stopProtocol()
	t.source.StopAcquisition()
	t.faults.Notify(err)
}

func (t *Terminal) onAcquisitionEnded(err error) {
	if postErr := t.d.Post(t.lifetime, func(context.Context) {
		if t.torndown {
			return
		}
		t.stopProtocol()
		if err != nil {
			t.faultCount.Add(1)
			t.faults.Notify(err)
		}
	}); postErr != nil {
		monitoring.Diagf("terminal: acquisition ended after close: %v", err)
	}
}

// StartAcquisition starts the source. A connection failure is returned as a
// *acquisition.ConnectionError and leaves the source idle.
func (t *Terminal) StartAcquisition(ctx context.Context) error {
	return t.d.Call(ctx, func(ctx context.Context) error {
		if t.torndown {
			return ErrClosed
		}
		t.finder.Reset()
		// the loop outlives the request that started it
		return t.source.StartAcquisition(t.lifetime)
	})
}

// StopAcquisition requests the source to stop at its next tick boundary.
func (t *Terminal) StopAcquisition(ctx context.Context) error {
	return t.d.Call(ctx, func(ctx context.Context) error {
		t.source.StopAcquisition()
		return nil
	})
}

// AttachProtocol parses a protocol configuration and makes it the active
// protocol, replacing an idle one. A protocol that reads analysis output is
// bound to the terminal's buffers.
func (t *Terminal) AttachProtocol(ctx context.Context, raw json.RawMessage) error {
	return t.d.Call(ctx, func(ctx context.Context) error {
		if t.torndown {
			return ErrClosed
		}
		if t.proto != nil && t.proto.IsRunning() {
			return protocol.ErrRunning
		}
		if t.dev == nil {
			return ErrNoDevice
		}
		p, err := protocol.New(raw, t.dev, t.cfg.PollingPeriod)
		if err != nil {
			return err
		}
		if b, ok := p.(protocol.FeedbackBinder); ok {
			if err := b.Bind(t.buffers); err != nil {
				return err
			}
		}
		t.detachProtocol()
		t.hookProtocol(p)
		t.proto = p
		if t.protoLog != nil {
			p.SetLog(t.protoLog)
		}
		monitoring.Opsf("terminal: attached %s protocol", p.Kind())
		return nil
	})
}

func (t *Terminal) hookProtocol(p protocol.Protocol) {
	p.OnStarted(func() {
		run := &protocolRun{}
		t.run = run
		recName := ""
		if t.sink != nil && t.sink.IsRecording() {
			_, recName = t.sink.GetPath()
		}
		kind := string(p.Kind())
		t.storeTask(func(ctx context.Context) error {
			id, err := t.store.StartSession(ctx, kind, recName)
			run.sessionID = id
			return err
		})
	})
	p.OnTrialStarted(func(current, total int) {
		if t.consumer != nil {
			t.consumer.UpdateTrialIndicator(current, total)
		}
	})
	p.OnTrialCompleted(func(r protocol.TrialResult) {
		t.trialCompleted.Notify(r)
		run := t.run
		if run == nil {
			return
		}
		t.storeTask(func(ctx context.Context) error {
			if run.sessionID == "" {
				return nil
			}
			return t.store.RecordTrial(ctx, run.sessionID, r.Index, r.Frequency)
		})
	})
	p.OnCompleted(func() {
		if t.run != nil {
			t.run.completed = true
		}
	})
	p.OnEnded(func() {
		run := t.run
		t.run = nil
		if run == nil {
			return
		}
		completed := run.completed
		_, total := p.Progress()
		t.storeTask(func(ctx context.Context) error {
			if run.sessionID == "" {
				return nil
			}
			return t.store.EndSession(ctx, run.sessionID, completed, total)
		})
	})
}

// storeTask runs fn on the store goroutine, off the tick path.
func (t *Terminal) storeTask(fn func(ctx context.Context) error) {
	if t.store == nil {
		return
	}
	err := t.storeQ.TryPost(func(context.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			monitoring.Diagf("terminal: session store: %v", err)
		}
	})
	if err != nil {
		monitoring.Diagf("terminal: session store update dropped: %v", err)
	}
}

// DetachProtocol stops and removes the active protocol.
func (t *Terminal) DetachProtocol(ctx context.Context) error {
	return t.d.Call(ctx, func(ctx context.Context) error {
		t.detachProtocol()
		return nil
	})
}

func (t *Terminal) detachProtocol() {
	if t.proto == nil {
		return
	}
	t.stopProtocol()
	t.proto.SetLog(nil)
	monitoring.Opsf("terminal: detached %s protocol", t.proto.Kind())
	t.proto = nil
}

// StartProtocol starts the attached protocol. Its first tick is the next
// frame.
func (t *Terminal) StartProtocol(ctx context.Context) error {
	return t.d.Call(ctx, func(ctx context.Context) error {
		if t.torndown {
			return ErrClosed
		}
		if t.proto == nil {
			return ErrNoProtocol
		}
		return t.proto.Start()
	})
}

// StopProtocol returns the attached protocol to idle.
func (t *Terminal) StopProtocol(ctx context.Context) error {
	return t.d.Call(ctx, func(ctx context.Context) error {
		if t.proto == nil {
			return ErrNoProtocol
		}
		return t.proto.Stop()
	})
}

func (t *Terminal) stopProtocol() {
	if t.proto == nil || !t.proto.IsRunning() {
		return
	}
	if err := t.proto.Stop(); err != nil {
		monitoring.Opsf("terminal: stopping %s protocol: %v", t.proto.Kind(), err)
	}
}

// StartRecording starts the recorder and opens the protocol log next to it.
// An empty name is replaced by a timestamp.
func (t *Terminal) StartRecording(ctx context.Context, name string) error {
	return t.d.Call(ctx, func(ctx context.Context) error {
		if t.torndown {
			return ErrClosed
		}
		if t.sink == nil {
			return ErrNoRecorder
		}
		meta := recording.Metadata{
			Channels:       t.cfg.Channels,
			SamplesPerTick: t.cfg.SamplesPerTick,
			SampleRate:     t.cfg.SampleRate,
			PollingPeriod:  t.cfg.PollingPeriod.String(),
			Source:         t.sourceName,
		}
		if t.proto != nil {
			meta.Protocol = string(t.proto.Kind())
		}
		if err := t.sink.Start(name, meta); err != nil {
			return err
		}
		dir, recName := t.sink.GetPath()
		f, err := os.OpenFile(recording.ProtocolLogPath(dir, recName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			monitoring.Opsf("terminal: protocol log disabled: %v", err)
			return nil
		}
		t.protoLog = protocol.NewLog(f)
		// a running protocol already wrote its header elsewhere
		if t.proto != nil && !t.proto.IsRunning() {
			t.proto.SetLog(t.protoLog)
		}
		return nil
	})
}

// StopRecording closes the protocol log and stops the recorder.
func (t *Terminal) StopRecording(ctx context.Context) error {
	return t.d.Call(ctx, func(ctx context.Context) error {
		return t.stopRecording()
	})
}

func (t *Terminal) stopRecording() error {
	if t.sink == nil {
		return ErrNoRecorder
	}
	if t.protoLog != nil {
		if t.proto != nil {
			t.proto.SetLog(nil)
		}
		if err := t.protoLog.Close(); err != nil {
			monitoring.Opsf("terminal: closing protocol log: %v", err)
		}
		t.protoLog = nil
	}
	return t.sink.Stop()
}

// AddAccumulator attaches a display accumulator over a signal buffer.
func (t *Terminal) AddAccumulator(ctx context.Context, buffer string, capacity int) (*display.Accumulator, error) {
	var acc *display.Accumulator
	err := t.d.Call(ctx, func(ctx context.Context) error {
		src, ok := t.buffers.Signal(buffer)
		if !ok {
			return config.Errorf("display", "no signal buffer %q (have %v)", buffer, t.buffers.Names())
		}
		a, err := display.NewAccumulator(src, capacity)
		if err != nil {
			return config.Errorf("display", "%v", err)
		}
		t.accumulators = append(t.accumulators, a)
		acc = a
		return nil
	})
	return acc, err
}

// AddEventAccumulator attaches an event accumulator over an event buffer.
func (t *Terminal) AddEventAccumulator(ctx context.Context, buffer string, window int) (*display.EventAccumulator, error) {
	var acc *display.EventAccumulator
	err := t.d.Call(ctx, func(ctx context.Context) error {
		src, ok := t.buffers.Events(buffer)
		if !ok {
			return config.Errorf("display", "no event buffer %q (have %v)", buffer, t.buffers.Names())
		}
		a, err := display.NewEventAccumulator(src, window)
		if err != nil {
			return config.Errorf("display", "%v", err)
		}
		t.eventAccs = append(t.eventAccs, a)
		acc = a
		return nil
	})
	return acc, err
}

// SetConsumer replaces the UI consumer. nil detaches it.
func (t *Terminal) SetConsumer(ctx context.Context, c display.Consumer) error {
	return t.d.Call(ctx, func(ctx context.Context) error {
		t.consumer = c
		return nil
	})
}

// Status snapshots the owner state.
func (t *Terminal) Status(ctx context.Context) (Status, error) {
	var s Status
	err := t.d.Call(ctx, func(ctx context.Context) error {
		s = Status{
			Acquisition: t.source.Status().String(),
			Buffers:     t.buffers.Names(),
		}
		if t.processing != nil {
			s.Processing = t.processing.Stages()
		}
		if t.analysis != nil {
			s.Analysis = t.analysis.Stages()
		}
		if t.proto != nil {
			s.Protocol = string(t.proto.Kind())
			s.ProtocolState = t.proto.State()
			s.ProtocolRunning = t.proto.IsRunning()
			s.Trial, s.Trials = t.proto.Progress()
		}
		if t.sink != nil {
			s.Recording = t.sink.IsRecording()
			s.RecordingDir, s.RecordingName = t.sink.GetPath()
		}
		return nil
	})
	return s, err
}

// Stats returns the terminal counters without going through the owner.
func (t *Terminal) Stats() Stats {
	return Stats{
		Frames:        t.frames.Load(),
		DroppedFrames: t.dropped.Load(),
		Faults:        t.faultCount.Load(),
		Events:        t.eventCount.Load(),
		RecordDrops:   t.recordDrops.Load(),
		Dispatcher:    t.d.Stats(),
	}
}

// Close tears the terminal down: stop acquisition, detach the protocol,
// release the pipelines and accumulators, stop recording. Queued frames and
// calls are dropped and later calls return ErrClosed.
func (t *Terminal) Close() error {
	var err error
	t.once.Do(func() {
		err = t.d.Call(context.Background(), func(ctx context.Context) error {
			return t.teardown()
		})
		t.cancel()
		t.d.Close()
		if w, ok := t.source.(interface{ Done() <-chan struct{} }); ok {
			select {
			case <-w.Done():
			case <-time.After(closeTimeout):
				monitoring.Opsf("terminal: source did not stop within %v", closeTimeout)
			}
		}
		// flush session updates queued by the teardown
		_ = t.storeQ.Call(context.Background(), func(context.Context) error { return nil })
		t.storeQ.Close()
	})
	return err
}

func (t *Terminal) teardown() error {
	t.source.StopAcquisition()
	t.detachProtocol()
	t.processing = nil
	t.analysis = nil
	t.accumulators = nil
	t.eventAccs = nil
	t.consumer = nil
	t.torndown = true

	var err error
	if t.sink != nil && t.sink.IsRecording() {
		err = t.stopRecording()
	}
	monitoring.Opsf("terminal: closed")
	return err
}
