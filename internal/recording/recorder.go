// Package recording persists processed analog data and detected events while
// an experiment is running.
//
// A recording is a directory <base>/<name>/ holding header.json, data.bin
// and events.bin. The binary files are sequences of length-delimited
// protobuf-wire records. The protocol trial log, when a protocol runs
// during the recording, sits alongside as <name>_protocol.txt.
//
// Every block and event carries a source tag naming the stage of the stream
// it was taken from, such as "raw" or "processed". Events share the tag of the
// samples they were detected in, so a reader pairs them by tag and sample
// position. The acquisition device itself is named once, in the header.
package recording

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/ephys.loop/internal/acquisition"
	"github.com/banshee-data/ephys.loop/internal/monitoring"
	"github.com/banshee-data/ephys.loop/internal/security"
)

// File names inside a recording directory.
const (
	HeaderFile = "header.json"
	DataFile   = "data.bin"
	EventsFile = "events.bin"
)

// DefaultQueueSize is the number of pending writes the recorder accepts
// before it starts dropping.
const DefaultQueueSize = 1024

var (
	ErrNotRecording     = errors.New("recording not started")
	ErrAlreadyRecording = errors.New("recording already started")
	// ErrQueueFull is returned when the writer goroutine has fallen behind.
	// The record is dropped; the caller is never blocked.
	ErrQueueFull = errors.New("recording queue full, record dropped")
)

// Sink receives recorded data from the terminal's owner goroutine. Writes
// must not block on I/O.
type Sink interface {
	Start(name string, meta Metadata) error
	Stop() error
	IsRecording() bool
	WriteEvents(source string, events []acquisition.EventMarker) error
	// WriteData records one tick. data is channels × n and may be reused by
	// the caller once WriteData returns.
	WriteData(source string, seq uint64, first int64, data [][]float64, n int) error
	// GetPath returns the directory and name of the current or last
	// recording.
	GetPath() (dir, name string)
}

// Metadata describes the acquisition setup of a recording.
type Metadata struct {
	Channels       int     `json:"channels"`
	SamplesPerTick int     `json:"samples_per_tick"`
	SampleRate     float64 `json:"sample_rate"`
	PollingPeriod  string  `json:"polling_period"`
	Source         string  `json:"source,omitempty"`
	Protocol       string  `json:"protocol,omitempty"`
}

// Header is the content of header.json.
type Header struct {
	Version   string    `json:"version"`
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Metadata
	Blocks  uint64 `json:"blocks"`
	Events  uint64 `json:"events"`
	Dropped uint64 `json:"dropped"`
}

const headerVersion = "1"

// ProtocolLogPath returns the path of the trial log of recording name in dir.
func ProtocolLogPath(dir, name string) string {
	return filepath.Join(dir, name+"_protocol.txt")
}

type record struct {
	block *Block
	event *Event
}

// FileRecorder is the on-disk Sink. Records are encoded and written by a
// single writer goroutine fed through a bounded queue.
type FileRecorder struct {
	base      string
	queueSize int

	mu      sync.Mutex
	header  Header
	dir     string
	queue   chan record
	done    chan struct{}
	dataF   *os.File
	eventsF *os.File
	werr    error

	blocks  atomic.Uint64
	events  atomic.Uint64
	dropped atomic.Uint64
}

// NewFileRecorder creates a recorder that writes below base.
func NewFileRecorder(base string) *FileRecorder {
	return &FileRecorder{base: base, queueSize: DefaultQueueSize}
}

// SetQueueSize changes the queue length for subsequent recordings.
func (r *FileRecorder) SetQueueSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > 0 {
		r.queueSize = n
	}
}

// Start creates <base>/<name>/ and starts the writer. An empty name is
// replaced with a timestamp; other names are reduced to one safe path
// element.
func (r *FileRecorder) Start(name string, meta Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue != nil {
		return ErrAlreadyRecording
	}
	now := time.Now().UTC()
	if name == "" {
		name = now.Format("20060102_150405")
	}
	name = security.SanitizeName(name)
	if err := os.MkdirAll(r.base, 0o755); err != nil {
		return fmt.Errorf("failed to create recording root: %w", err)
	}
	dir := filepath.Join(r.base, name)
	if err := security.ValidatePathWithinDirectory(dir, r.base); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create recording directory: %w", err)
	}
	dataF, err := os.Create(filepath.Join(dir, DataFile))
	if err != nil {
		return fmt.Errorf("failed to create data file: %w", err)
	}
	eventsF, err := os.Create(filepath.Join(dir, EventsFile))
	if err != nil {
		dataF.Close()
		return fmt.Errorf("failed to create events file: %w", err)
	}

	r.header = Header{
		Version:   headerVersion,
		ID:        uuid.NewString(),
		Name:      name,
		StartedAt: now,
		Metadata:  meta,
	}
	if err := writeHeader(dir, r.header); err != nil {
		dataF.Close()
		eventsF.Close()
		return err
	}

	r.dir = dir
	r.dataF, r.eventsF = dataF, eventsF
	r.werr = nil
	r.blocks.Store(0)
	r.events.Store(0)
	r.dropped.Store(0)
	r.queue = make(chan record, r.queueSize)
	r.done = make(chan struct{})
	go r.writer(r.queue, r.done, dataF, eventsF)

	monitoring.Opsf("recording %s started in %s", r.header.ID, dir)
	return nil
}

func (r *FileRecorder) writer(queue <-chan record, done chan<- struct{}, dataF, eventsF *os.File) {
	defer close(done)
	dw := bufio.NewWriterSize(dataF, 64*1024)
	ew := bufio.NewWriter(eventsF)
	var buf []byte
	var werr error
	for rec := range queue {
		if werr != nil {
			continue
		}
		buf = buf[:0]
		switch {
		case rec.block != nil:
			buf = appendBlock(buf, *rec.block)
			_, werr = dw.Write(buf)
		case rec.event != nil:
			buf = appendEvent(buf, *rec.event)
			_, werr = ew.Write(buf)
		}
		if werr != nil {
			monitoring.Opsf("recording: write failed, discarding further records: %v", werr)
		}
	}
	werr = errors.Join(werr, dw.Flush(), ew.Flush())
	r.mu.Lock()
	r.werr = werr
	r.mu.Unlock()
}

// Stop drains the queue, closes the files and finalises header.json.
func (r *FileRecorder) Stop() error {
	r.mu.Lock()
	if r.queue == nil {
		r.mu.Unlock()
		return ErrNotRecording
	}
	close(r.queue)
	done := r.done
	r.queue = nil
	r.mu.Unlock()

	<-done

	r.mu.Lock()
	defer r.mu.Unlock()
	errs := []error{r.werr, r.dataF.Close(), r.eventsF.Close()}
	r.dataF, r.eventsF = nil, nil

	r.header.StoppedAt = time.Now().UTC()
	r.header.Blocks = r.blocks.Load()
	r.header.Events = r.events.Load()
	r.header.Dropped = r.dropped.Load()
	errs = append(errs, writeHeader(r.dir, r.header))
	monitoring.Opsf("recording %s stopped: %d blocks, %d events, %d dropped",
		r.header.ID, r.header.Blocks, r.header.Events, r.header.Dropped)
	return errors.Join(errs...)
}

func (r *FileRecorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue != nil
}

// Header returns the header of the current or last recording.
func (r *FileRecorder) Header() Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.header
	h.Blocks = r.blocks.Load()
	h.Events = r.events.Load()
	h.Dropped = r.dropped.Load()
	return h
}

func (r *FileRecorder) GetPath() (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dir, r.header.Name
}

func (r *FileRecorder) WriteEvents(source string, events []acquisition.EventMarker) error {
	for _, e := range events {
		if err := r.enqueue(record{event: &Event{Source: source, EventMarker: e}}); err != nil {
			return err
		}
		r.events.Add(1)
	}
	return nil
}

func (r *FileRecorder) WriteData(source string, seq uint64, first int64, data [][]float64, n int) error {
	b := &Block{Source: source, Seq: seq, FirstSample: first, Data: make([][]float64, len(data))}
	for ch, row := range data {
		b.Data[ch] = append([]float64(nil), row[:n]...)
	}
	if err := r.enqueue(record{block: b}); err != nil {
		return err
	}
	r.blocks.Add(1)
	return nil
}

func (r *FileRecorder) enqueue(rec record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queue == nil {
		return ErrNotRecording
	}
	select {
	case r.queue <- rec:
		return nil
	default:
		r.dropped.Add(1)
		return ErrQueueFull
	}
}

func writeHeader(dir string, h Header) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, HeaderFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}
