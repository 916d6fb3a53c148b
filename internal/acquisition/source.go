package acquisition

import (
	"context"
	"errors"
	"fmt"
)

// Status is the lifecycle state of an acquisition source.
type Status int32

const (
	StatusIdle Status = iota
	StatusRunning
	// StatusTerminationPending is a stop request the read loop observes at
	// the top of its next iteration.
	StatusTerminationPending
	// StatusInvalid marks a source that has been closed and cannot restart.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusTerminationPending:
		return "termination-pending"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Source is implemented by anything that produces frames on a polling tick:
// a hardware driver callback or the local dataset replay.
type Source interface {
	// StartAcquisition connects and starts the tick loop. A connection
	// failure is returned as a *ConnectionError and leaves the source Idle.
	StartAcquisition(ctx context.Context) error
	// StopAcquisition requests termination and returns immediately.
	StopAcquisition()
	Status() Status

	// OnDataAvailable registers an observer for every filled frame. It runs
	// on the producer goroutine and must not block.
	OnDataAvailable(fn func(*Frame))
	OnAcquisitionStarted(fn func())
	// OnAcquisitionEnded observers receive nil on a clean stop and a
	// *DeviceFault when the loop stopped because the device failed.
	OnAcquisitionEnded(fn func(error))
}

var (
	// ErrConnection is matched by every *ConnectionError.
	ErrConnection = errors.New("acquisition source connection failed")
	// ErrAlreadyRunning is returned when starting a source that is not Idle.
	ErrAlreadyRunning = errors.New("acquisition already running")
	// ErrInvalidSource is returned when starting a closed source.
	ErrInvalidSource = errors.New("acquisition source is invalid")
)

// ConnectionError reports a recoverable connect failure. The source remains
// Idle and the caller may retry.
type ConnectionError struct {
	Source string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Source, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConnection) hold for any ConnectionError.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// DeviceFault is an unrecoverable device error raised from inside the tick
// loop. It stops the loop; it is delivered once through AcquisitionEnded.
type DeviceFault struct {
	Source string
	Err    error
}

func (e *DeviceFault) Error() string {
	return fmt.Sprintf("device fault on %s: %v", e.Source, e.Err)
}

func (e *DeviceFault) Unwrap() error { return e.Err }
