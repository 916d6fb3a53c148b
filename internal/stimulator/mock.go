package stimulator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Mock is an in-memory Device that records every call, in order, as a short
// command string ("connect", "reset", "trigger 3", "freq 20", "off",
// "disconnect"). Err, when set, is returned by every subsequent call.
type Mock struct {
	mu    sync.Mutex
	calls []string
	Err   error
}

// NewMock returns an empty mock device.
func NewMock() *Mock { return &Mock{} }

func (m *Mock) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.calls = append(m.calls, call)
	return nil
}

// SetErr makes subsequent calls fail with err.
func (m *Mock) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// Calls returns the recorded calls.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Triggers returns the codes of all recorded trigger calls.
func (m *Mock) Triggers() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var codes []byte
	for _, c := range m.calls {
		var code int
		if _, err := fmt.Sscanf(c, "trigger %d", &code); err == nil {
			codes = append(codes, byte(code))
		}
	}
	return codes
}

// Clear forgets recorded calls.
func (m *Mock) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Mock) Connect(context.Context) error { return m.record("connect") }
func (m *Mock) Disconnect() error             { return m.record("disconnect") }
func (m *Mock) Reset() error                  { return m.record("reset") }
func (m *Mock) EmitTrigger(code byte) error   { return m.record("trigger " + strconv.Itoa(int(code))) }
func (m *Mock) SetFrequency(hz float64) error {
	return m.record("freq " + strconv.FormatFloat(hz, 'f', -1, 64))
}
func (m *Mock) Off() error { return m.record("off") }
