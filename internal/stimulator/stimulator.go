// Package stimulator controls the stimulation hardware.
//
// The serial stimulator speaks a line protocol: "T<code>" pulses the trigger
// lines, "F<hz>" arms the stimulus at a frequency, "O" switches the output
// off and "R" resets to power-on parameters. The device acknowledges with
// "OK" and reports faults with "ERR <reason>".
package stimulator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/banshee-data/ephys.loop/internal/monitoring"
	"github.com/banshee-data/ephys.loop/internal/notify"
	"github.com/banshee-data/ephys.loop/internal/serialmux"
)

// Device is the control surface protocols drive.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect() error
	// Reset restores neutral parameters with the output off.
	Reset() error
	// EmitTrigger pulses the trigger lines with code.
	EmitTrigger(code byte) error
	// SetFrequency starts stimulating at hz.
	SetFrequency(hz float64) error
	// Off stops stimulating.
	Off() error
}

var (
	ErrNotConnected = errors.New("stimulator not connected")
	ErrFaulted      = errors.New("stimulator reported a fault")
)

// Serial drives a stimulator over a serialmux port.
type Serial struct {
	mux serialmux.SerialMuxInterface

	mu        sync.Mutex
	connected bool
	fault     error
	cancel    context.CancelFunc
	subID     string
	done      chan struct{}

	faults notify.List[error]
}

// NewSerial wraps mux. The mux is not started until Connect.
func NewSerial(mux serialmux.SerialMuxInterface) *Serial {
	return &Serial{mux: mux}
}

// OnFault registers fn to be called, from the reader goroutine, whenever the
// device reports an error line.
func (s *Serial) OnFault(fn func(error)) { s.faults.Add(fn) }

// Connect starts reading device replies and resets the device.
func (s *Serial) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	id, lines := s.mux.Subscribe()
	s.cancel, s.subID, s.done = cancel, id, make(chan struct{})
	s.connected, s.fault = true, nil
	s.mu.Unlock()

	go func() {
		if err := s.mux.Monitor(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Opsf("stimulator: monitor stopped: %v", err)
		}
	}()
	go s.watch(lines, s.done)

	if err := s.Reset(); err != nil {
		s.Disconnect()
		return err
	}
	monitoring.Opsf("stimulator connected")
	return nil
}

func (s *Serial) watch(lines chan string, done chan struct{}) {
	defer close(done)
	for line := range lines {
		switch serialmux.ClassifyReply(line) {
		case serialmux.ReplyError:
			err := fmt.Errorf("%w: %s", ErrFaulted, serialmux.ReplyDetail(line))
			s.mu.Lock()
			if s.fault == nil {
				s.fault = err
			}
			s.mu.Unlock()
			monitoring.Opsf("stimulator: %v", err)
			s.faults.Notify(err)
		case serialmux.ReplyInfo:
			monitoring.Diagf("stimulator: %s", line)
		default:
			monitoring.Tracef("stimulator: %s", line)
		}
	}
}

// Disconnect switches the output off and stops reading replies.
func (s *Serial) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	offErr := s.mux.SendCommand("O")

	s.mu.Lock()
	s.connected = false
	cancel, id, done := s.cancel, s.subID, s.done
	s.mu.Unlock()

	cancel()
	s.mux.Unsubscribe(id)
	<-done
	monitoring.Opsf("stimulator disconnected")
	return offErr
}

// Fault returns the first error the device reported since Connect.
func (s *Serial) Fault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *Serial) send(command string) error {
	s.mu.Lock()
	connected, fault := s.connected, s.fault
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if fault != nil {
		return fault
	}
	if err := s.mux.SendCommand(command); err != nil {
		return fmt.Errorf("stimulator %q: %w", command, err)
	}
	return nil
}

func (s *Serial) Reset() error { return s.send("R") }

func (s *Serial) EmitTrigger(code byte) error { return s.send("T" + strconv.Itoa(int(code))) }

func (s *Serial) SetFrequency(hz float64) error {
	if hz < 0 {
		return fmt.Errorf("stimulator: negative frequency %v", hz)
	}
	return s.send("F" + strconv.FormatFloat(hz, 'f', -1, 64))
}

func (s *Serial) Off() error { return s.send("O") }

// Close disconnects and closes the port.
func (s *Serial) Close() error {
	return errors.Join(s.Disconnect(), s.mux.Close())
}
