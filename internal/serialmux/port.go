package serialmux

import (
	"fmt"
	"io"

	"go.bug.st/serial"

	"github.com/banshee-data/ephys.loop/internal/monitoring"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// OpenPort opens the serial device at path with the given options and wraps
// it in a SerialMux.
func OpenPort(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s (%s): %w", path, opts, err)
	}
	monitoring.Opsf("serialmux: opened %s at %s", path, opts)

	return NewSerialMux[serial.Port](port), nil
}
