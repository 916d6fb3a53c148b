package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// Log writes the plain-text trial log kept next to a recording:
//
//	Trials,<N>
//	Fields,2
//
//	Trial,StimFreq
//	<index+1>,<frequency>
//
// with one data line per completed trial.
type Log struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	begun  bool
}

// NewLog wraps w. If w is an io.Closer, Close closes it.
func NewLog(w io.Writer) *Log {
	l := &Log{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		l.closer = c
	}
	return l
}

// Begin writes the header for a run of total trials. Calling it again starts
// a new section for the next run.
func (l *Log) Begin(total int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.begun {
		if _, err := l.w.WriteString("\n"); err != nil {
			return err
		}
	}
	l.begun = true
	if _, err := fmt.Fprintf(l.w, "Trials,%d\nFields,2\n\nTrial,StimFreq\n", total); err != nil {
		return err
	}
	return l.w.Flush()
}

// WriteTrial appends one completed trial.
func (l *Log) WriteTrial(r TrialResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.w, "%d,%s\n", r.Index+1, strconv.FormatFloat(r.Frequency, 'f', -1, 64)); err != nil {
		return err
	}
	return l.w.Flush()
}

// Close flushes and closes the underlying writer.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
