package protocol

import (
	"github.com/banshee-data/ephys.loop/internal/monitoring"
	"github.com/banshee-data/ephys.loop/internal/notify"
	"github.com/banshee-data/ephys.loop/internal/pipeline"
)

// Trigger codes emitted on the stimulator's trigger lines.
const (
	TriggerPrestimulus  byte = 1
	TriggerStimulus     byte = 2
	TriggerPoststimulus byte = 3
	TriggerTrialEnd     byte = 4
	TriggerGated        byte = 5
)

// Protocol is a running stimulation protocol. All methods are called from
// the terminal's owner goroutine.
type Protocol interface {
	Kind() Kind
	// Start resets trial progress and leaves Idle.
	Start() error
	// ProcessBlock delivers one tick.
	ProcessBlock() error
	// Stop returns to Idle if running.
	Stop() error
	IsRunning() bool
	// Progress returns the index of the current trial and the run length.
	// Total is 0 for open-ended protocols.
	Progress() (current, total int)
	// State names the current state for status reporting.
	State() string

	// SetLog attaches or, with nil, detaches the trial log.
	SetLog(l *Log)

	OnStarted(fn func())
	OnEnded(fn func())
	// OnCompleted fires when a run finishes on its own, before OnEnded.
	OnCompleted(fn func())
	OnTrialStarted(fn func(current, total int))
	OnTrialCompleted(fn func(TrialResult))
}

// FeedbackBinder is implemented by protocols that read analysis output.
// The terminal binds them once the pipelines are built.
type FeedbackBinder interface {
	Bind(b *pipeline.Buffers) error
}

// hooks carries the observer lists and trial log shared by all protocols.
type hooks struct {
	started        notify.List[struct{}]
	ended          notify.List[struct{}]
	completed      notify.List[struct{}]
	trialStarted   notify.List[[2]int]
	trialCompleted notify.List[TrialResult]

	log *Log
}

func (h *hooks) OnStarted(fn func()) {
	if fn != nil {
		h.started.Add(func(struct{}) { fn() })
	}
}

func (h *hooks) OnEnded(fn func()) {
	if fn != nil {
		h.ended.Add(func(struct{}) { fn() })
	}
}

func (h *hooks) OnCompleted(fn func()) {
	if fn != nil {
		h.completed.Add(func(struct{}) { fn() })
	}
}

func (h *hooks) OnTrialStarted(fn func(current, total int)) {
	if fn != nil {
		h.trialStarted.Add(func(p [2]int) { fn(p[0], p[1]) })
	}
}

func (h *hooks) OnTrialCompleted(fn func(TrialResult)) { h.trialCompleted.Add(fn) }

func (h *hooks) SetLog(l *Log) { h.log = l }

// beginLog writes the log header; a failing log is detached rather than
// failing the run.
func (h *hooks) beginLog(total int) {
	if h.log == nil {
		return
	}
	if err := h.log.Begin(total); err != nil {
		monitoring.Opsf("protocol: trial log disabled: %v", err)
		h.log = nil
	}
}

func (h *hooks) trialDone(r TrialResult) {
	if h.log != nil {
		if err := h.log.WriteTrial(r); err != nil {
			monitoring.Opsf("protocol: trial log disabled: %v", err)
			h.log = nil
		}
	}
	h.trialCompleted.Notify(r)
}
