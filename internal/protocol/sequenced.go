package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/ephys.loop/internal/monitoring"
	"github.com/banshee-data/ephys.loop/internal/stimulator"
)

// SequencedState is a state of the trial-sequenced protocol.
type SequencedState int

const (
	Idle SequencedState = iota
	Prestimulus
	Stimulus
	Poststimulus
	Intertrial
)

func (s SequencedState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Prestimulus:
		return "prestimulus"
	case Stimulus:
		return "stimulus"
	case Poststimulus:
		return "poststimulus"
	case Intertrial:
		return "intertrial"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SequencedConfig configures a trial-sequenced run.
type SequencedConfig struct {
	Kind            Kind    `json:"kind"`
	TickPeriod      string  `json:"tick_period"`
	IntertrialTicks int     `json:"intertrial_ticks"`
	Randomize       bool    `json:"randomize"`
	Seed            int64   `json:"seed"`
	Trials          []Trial `json:"trials"`
}

// Sequenced runs an expanded, optionally shuffled trial list through the
// phases Prestimulus, Stimulus, Poststimulus and Intertrial. Each phase
// lasts exactly its configured number of ticks.
type Sequenced struct {
	hooks
	cfg    SequencedConfig
	dev    stimulator.Device
	m      *Machine[SequencedState]
	trials []Trial
	index  int

	// completing is set when the last trial finishes so that entering Idle
	// can tell natural completion from Stop.
	completing bool
}

func parseSequenced(raw json.RawMessage, dev stimulator.Device, tick time.Duration) (Protocol, error) {
	var cfg SequencedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := checkTickPeriod(cfg.TickPeriod, tick); err != nil {
		return nil, err
	}
	return NewSequenced(cfg, dev), nil
}

// NewSequenced builds the protocol. Timing is not checked; use New to
// construct from configuration.
func NewSequenced(cfg SequencedConfig, dev stimulator.Device) *Sequenced {
	p := &Sequenced{cfg: cfg, dev: dev, index: -1}
	m := NewMachine(Idle)

	m.Define(Idle, State[SequencedState]{
		Transition: func(ev Event) (SequencedState, bool) {
			if ev != EventStart {
				return Idle, false
			}
			p.trials = Expand(p.cfg.Trials)
			if p.cfg.Randomize {
				Shuffle(p.trials, p.cfg.Seed)
			}
			p.index = -1
			p.completing = false
			p.beginLog(len(p.trials))
			return Intertrial, true
		},
		Enter: func() error {
			err := p.dev.Reset()
			if p.completing {
				p.completing = false
				p.completed.Notify(struct{}{})
			}
			p.ended.Notify(struct{}{})
			return err
		},
	})

	m.Define(Prestimulus, State[SequencedState]{
		Transition: func(ev Event) (SequencedState, bool) {
			if ev != EventNewBlock {
				return Idle, false
			}
			return m.Elapse(Stimulus)
		},
		Enter: func() error {
			m.SetCounter(p.current().PreTicks - 1)
			p.trialStarted.Notify([2]int{p.index, len(p.trials)})
			return p.dev.EmitTrigger(TriggerPrestimulus)
		},
	})

	m.Define(Stimulus, State[SequencedState]{
		Transition: func(ev Event) (SequencedState, bool) {
			if ev != EventNewBlock {
				return Idle, false
			}
			return m.Elapse(Poststimulus)
		},
		Enter: func() error {
			t := p.current()
			m.SetCounter(t.StimTicks - 1)
			if err := p.dev.SetFrequency(t.Frequency); err != nil {
				return err
			}
			return p.dev.EmitTrigger(TriggerStimulus)
		},
		Exit: func() error { return p.dev.Off() },
	})

	m.Define(Poststimulus, State[SequencedState]{
		Transition: func(ev Event) (SequencedState, bool) {
			if ev != EventNewBlock {
				return Idle, false
			}
			return m.Elapse(Intertrial)
		},
		Enter: func() error {
			m.SetCounter(p.current().PostTicks - 1)
			return p.dev.EmitTrigger(TriggerPoststimulus)
		},
		Exit: func() error { return p.dev.EmitTrigger(TriggerTrialEnd) },
	})

	m.Define(Intertrial, State[SequencedState]{
		Transition: func(ev Event) (SequencedState, bool) {
			if ev != EventNewBlock {
				return Idle, false
			}
			if _, ok := m.Elapse(Prestimulus); !ok {
				return Idle, false
			}
			return p.advance(), true
		},
		Enter: func() error {
			// Entered from Idle there is no finished trial to wait after.
			if p.index < 0 || p.cfg.IntertrialTicks <= 0 {
				m.Request(p.advance())
				return nil
			}
			m.SetCounter(p.cfg.IntertrialTicks - 1)
			return nil
		},
	})

	m.OnTransition(func(from, to SequencedState) {
		monitoring.Tracef("protocol %s: %v -> %v (trial %d/%d)", KindTrialSequenced, from, to, p.index+1, len(p.trials))
	})
	p.m = m
	return p
}

// advance logs the finished trial, if any, and picks the next state.
func (p *Sequenced) advance() SequencedState {
	if p.index >= 0 && p.index < len(p.trials) {
		p.trialDone(TrialResult{Index: p.index, Total: len(p.trials), Frequency: p.trials[p.index].Frequency})
	}
	p.index++
	if p.index < len(p.trials) {
		return Prestimulus
	}
	p.completing = true
	monitoring.Opsf("protocol %s: run complete after %d trials", KindTrialSequenced, len(p.trials))
	return Idle
}

func (p *Sequenced) current() Trial { return p.trials[p.index] }

func (p *Sequenced) Kind() Kind { return KindTrialSequenced }

func (p *Sequenced) Start() error {
	if p.IsRunning() {
		return ErrRunning
	}
	p.started.Notify(struct{}{})
	return p.m.Fire(EventStart)
}

func (p *Sequenced) ProcessBlock() error {
	if !p.IsRunning() {
		return nil
	}
	return p.m.Fire(EventNewBlock)
}

func (p *Sequenced) Stop() error {
	p.completing = false
	return p.m.Fire(EventStop)
}

func (p *Sequenced) IsRunning() bool { return !p.m.IsIdle() }

func (p *Sequenced) Progress() (int, int) {
	if p.index < 0 {
		return 0, len(p.trials)
	}
	return p.index, len(p.trials)
}

func (p *Sequenced) State() string { return p.m.State().String() }

// Machine exposes the underlying state machine for inspection.
func (p *Sequenced) Machine() *Machine[SequencedState] { return p.m }

// Trials returns the expanded trial list of the current run.
func (p *Sequenced) Trials() []Trial { return append([]Trial(nil), p.trials...) }
