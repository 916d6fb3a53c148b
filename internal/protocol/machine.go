// Package protocol drives a stimulation device from per-tick events.
//
// Every protocol is a Machine over its own closed set of states. The
// terminal delivers one NewBlock event per processed frame; that event is
// the only thing that advances phase counters. Start leaves Idle and Stop
// returns to Idle from anywhere.
package protocol

import (
	"errors"
	"fmt"
)

// Event is an input to a Machine.
type Event int

const (
	EventStart Event = iota
	EventNewBlock
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventNewBlock:
		return "new-block"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// maxSettle bounds the chain of transitions requested from enter actions
// while handling a single event.
const maxSettle = 16

var errUnsettled = errors.New("protocol: transitions requested from enter actions did not settle")

// State describes one state of a Machine. All fields are optional.
type State[S comparable] struct {
	// Transition maps an event to the next state. ok=false stays put.
	Transition func(ev Event) (next S, ok bool)
	Enter      func() error
	Exit       func() error
}

// Machine is a finite-state engine with per-state enter and exit actions and
// a single countdown shared by all states. It is not safe for concurrent
// use; the terminal only drives it from its owner goroutine.
type Machine[S comparable] struct {
	idle    S
	current S
	states  map[S]State[S]
	counter int

	pending    S
	hasPending bool

	onTransition func(from, to S)
}

// NewMachine creates a machine resting in idle.
func NewMachine[S comparable](idle S) *Machine[S] {
	return &Machine[S]{
		idle:    idle,
		current: idle,
		states:  make(map[S]State[S]),
	}
}

// Define registers the behaviour of state s.
func (m *Machine[S]) Define(s S, def State[S]) { m.states[s] = def }

// OnTransition registers a hook called after every state change.
func (m *Machine[S]) OnTransition(fn func(from, to S)) { m.onTransition = fn }

// State returns the current state.
func (m *Machine[S]) State() S { return m.current }

// IsIdle reports whether the machine rests in its idle state.
func (m *Machine[S]) IsIdle() bool { return m.current == m.idle }

// Counter returns the countdown of the current state.
func (m *Machine[S]) Counter() int { return m.counter }

// SetCounter arms the countdown. Enter actions call it with a phase timeout.
func (m *Machine[S]) SetCounter(n int) { m.counter = n }

// Request asks for a transition to next once the current enter action
// returns. Only meaningful from inside an enter action.
func (m *Machine[S]) Request(next S) {
	m.pending = next
	m.hasPending = true
}

// Elapse is the common countdown transition: with the counter at zero it
// moves to target, otherwise it decrements and stays. A counter of k
// therefore transitions on the (k+1)th call.
func (m *Machine[S]) Elapse(target S) (S, bool) {
	if m.counter <= 0 {
		return target, true
	}
	m.counter--
	var zero S
	return zero, false
}

// Fire delivers ev. A Stop in any non-idle state moves to idle regardless of
// the state's own transition function.
func (m *Machine[S]) Fire(ev Event) error {
	if ev == EventStop {
		if m.current == m.idle {
			return nil
		}
		return m.transition(m.idle)
	}
	def := m.states[m.current]
	if def.Transition == nil {
		return nil
	}
	next, ok := def.Transition(ev)
	if !ok {
		return nil
	}
	return m.transition(next)
}

// transition always completes the state change; action errors are collected
// and returned once the chain settles.
func (m *Machine[S]) transition(next S) error {
	var errs []error
	for i := 0; ; i++ {
		if i == maxSettle {
			return errors.Join(append(errs, errUnsettled)...)
		}
		from := m.current
		if def := m.states[from]; def.Exit != nil {
			if err := def.Exit(); err != nil {
				errs = append(errs, fmt.Errorf("leaving %v: %w", from, err))
			}
		}
		m.current = next
		m.counter = 0
		m.hasPending = false
		if m.onTransition != nil {
			m.onTransition(from, next)
		}
		if def := m.states[next]; def.Enter != nil {
			if err := def.Enter(); err != nil {
				errs = append(errs, fmt.Errorf("entering %v: %w", next, err))
			}
		}
		if !m.hasPending {
			return errors.Join(errs...)
		}
		next = m.pending
		m.hasPending = false
	}
}
