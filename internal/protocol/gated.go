package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/ephys.loop/internal/config"
	"github.com/banshee-data/ephys.loop/internal/monitoring"
	"github.com/banshee-data/ephys.loop/internal/pipeline"
	"github.com/banshee-data/ephys.loop/internal/stimulator"
)

// GatedState is a state of the threshold-gated protocol.
type GatedState int

const (
	GatedIdle GatedState = iota
	Monitoring
	Stimulating
	Refractory
)

func (s GatedState) String() string {
	switch s {
	case GatedIdle:
		return "idle"
	case Monitoring:
		return "monitoring"
	case Stimulating:
		return "stimulating"
	case Refractory:
		return "refractory"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// GatedConfig configures a threshold-gated run.
type GatedConfig struct {
	Kind       Kind   `json:"kind"`
	TickPeriod string `json:"tick_period"`
	// Input names a signal buffer; the last valid sample of Channel is
	// compared with Threshold once per tick.
	Input           string  `json:"input"`
	Channel         int     `json:"channel"`
	Threshold       float64 `json:"threshold"`
	StimTicks       int     `json:"stim_ticks"`
	RefractoryTicks int     `json:"refractory_ticks"`
	Frequency       float64 `json:"frequency"`
	// MaxStimulations ends the run after that many stimulations; 0 runs
	// until stopped.
	MaxStimulations int `json:"max_stimulations"`
}

// Gated stimulates whenever a live analysis value reaches a threshold, then
// waits out a refractory period before monitoring again.
type Gated struct {
	hooks
	cfg   GatedConfig
	dev   stimulator.Device
	m     *Machine[GatedState]
	input *pipeline.SignalBuffer
	count int

	completing bool
}

func parseGated(raw json.RawMessage, dev stimulator.Device, tick time.Duration) (Protocol, error) {
	var cfg GatedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := checkTickPeriod(cfg.TickPeriod, tick); err != nil {
		return nil, err
	}
	return NewGated(cfg, dev), nil
}

// NewGated builds the protocol. It must be bound to the analysis buffers
// before it can start.
func NewGated(cfg GatedConfig, dev stimulator.Device) *Gated {
	p := &Gated{cfg: cfg, dev: dev}
	m := NewMachine(GatedIdle)

	m.Define(GatedIdle, State[GatedState]{
		Transition: func(ev Event) (GatedState, bool) {
			if ev != EventStart {
				return GatedIdle, false
			}
			p.count = 0
			p.completing = false
			p.beginLog(p.cfg.MaxStimulations)
			return Monitoring, true
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

	m.Define(Monitoring, State[GatedState]{
		Transition: func(ev Event) (GatedState, bool) {
			if ev != EventNewBlock {
				return GatedIdle, false
			}
			if v, ok := p.feedback(); ok && v >= p.cfg.Threshold {
				return Stimulating, true
			}
			return GatedIdle, false
		},
	})

	m.Define(Stimulating, State[GatedState]{
		Transition: func(ev Event) (GatedState, bool) {
			if ev != EventNewBlock {
				return GatedIdle, false
			}
			return m.Elapse(Refractory)
		},
		Enter: func() error {
			m.SetCounter(p.cfg.StimTicks - 1)
			p.trialStarted.Notify([2]int{p.count, p.cfg.MaxStimulations})
			if err := p.dev.SetFrequency(p.cfg.Frequency); err != nil {
				return err
			}
			return p.dev.EmitTrigger(TriggerGated)
		},
		Exit: func() error { return p.dev.Off() },
	})

	m.Define(Refractory, State[GatedState]{
		Transition: func(ev Event) (GatedState, bool) {
			if ev != EventNewBlock {
				return GatedIdle, false
			}
			if _, ok := m.Elapse(Monitoring); !ok {
				return GatedIdle, false
			}
			return p.finishStimulation(), true
		},
		Enter: func() error {
			if p.cfg.RefractoryTicks <= 0 {
				m.Request(p.finishStimulation())
				return nil
			}
			m.SetCounter(p.cfg.RefractoryTicks - 1)
			return nil
		},
	})

	m.OnTransition(func(from, to GatedState) {
		monitoring.Tracef("protocol %s: %v -> %v (stimulation %d)", KindThresholdGated, from, to, p.count)
	})
	p.m = m
	return p
}

func (p *Gated) finishStimulation() GatedState {
	p.trialDone(TrialResult{Index: p.count, Total: p.cfg.MaxStimulations, Frequency: p.cfg.Frequency})
	p.count++
	if p.cfg.MaxStimulations > 0 && p.count >= p.cfg.MaxStimulations {
		p.completing = true
		return GatedIdle
	}
	return Monitoring
}

func (p *Gated) feedback() (float64, bool) {
	if p.input == nil {
		return 0, false
	}
	p.input.Lock()
	defer p.input.Unlock()
	n := p.input.Len()
	if n == 0 {
		return 0, false
	}
	return p.input.Row(p.cfg.Channel)[n-1], true
}

// Bind resolves the feedback buffer.
func (p *Gated) Bind(b *pipeline.Buffers) error {
	buf, ok := b.Signal(p.cfg.Input)
	if !ok {
		return config.Errorf("protocol", "feedback buffer %q is not produced by any pipeline stage", p.cfg.Input)
	}
	if p.cfg.Channel < 0 || p.cfg.Channel >= buf.Channels() {
		return config.Errorf("protocol", "feedback channel %d outside buffer %q with %d channels", p.cfg.Channel, p.cfg.Input, buf.Channels())
	}
	p.input = buf
	return nil
}

func (p *Gated) Kind() Kind { return KindThresholdGated }

func (p *Gated) Start() error {
	if p.IsRunning() {
		return ErrRunning
	}
	if p.input == nil {
		return ErrUnbound
	}
	p.started.Notify(struct{}{})
	return p.m.Fire(EventStart)
}

func (p *Gated) ProcessBlock() error {
	if !p.IsRunning() {
		return nil
	}
	return p.m.Fire(EventNewBlock)
}

func (p *Gated) Stop() error {
	p.completing = false
	return p.m.Fire(EventStop)
}

func (p *Gated) IsRunning() bool { return !p.m.IsIdle() }

func (p *Gated) Progress() (int, int) { return p.count, p.cfg.MaxStimulations }

func (p *Gated) State() string { return p.m.State().String() }
