package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/ephys.loop/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical settings defaults file.
const DefaultConfigPath = "config/ephys.defaults.json"

// Settings is the root configuration of an acquisition terminal. Every scalar
// is optional; the Get* accessors supply defaults for omitted fields so a
// partial file is always safe.
type Settings struct {
	// Acquisition
	PollingPeriod  *string  `json:"polling_period,omitempty"` // duration string like "10ms"
	Channels       *int     `json:"channels,omitempty"`
	SamplesPerTick *int     `json:"samples_per_tick,omitempty"`
	SampleRate     *float64 `json:"sample_rate,omitempty"` // Hz
	RingCapacity   *int     `json:"ring_capacity,omitempty"`

	// Event detection
	IncludeFallingEdges *bool `json:"include_falling_edges,omitempty"`

	// Pipelines, in declared order.
	Processing []StageSpec `json:"processing,omitempty"`
	Analysis   []StageSpec `json:"analysis,omitempty"`

	Display *DisplaySettings `json:"display,omitempty"`

	// Protocol is parsed by the protocol package, which dispatches on its
	// "kind" field.
	Protocol json.RawMessage `json:"protocol,omitempty"`

	Stimulator *StimulatorSettings `json:"stimulator,omitempty"`

	RecordingDir *string `json:"recording_dir,omitempty"`
	DBPath       *string `json:"db_path,omitempty"`
}

// StageSpec names a pipeline stage by its "type" discriminator and keeps the
// full JSON object for the stage's typed parser.
type StageSpec struct {
	Type string
	Raw  json.RawMessage
}

func (s *StageSpec) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.Type == "" {
		return fmt.Errorf("stage is missing its \"type\" field")
	}
	s.Type = head.Type
	s.Raw = append(json.RawMessage(nil), data...)
	return nil
}

func (s StageSpec) MarshalJSON() ([]byte, error) {
	if len(s.Raw) > 0 {
		return s.Raw, nil
	}
	return json.Marshal(map[string]string{"type": s.Type})
}

// DisplaySettings configures the display accumulators.
type DisplaySettings struct {
	Buffer          *string `json:"buffer,omitempty"`
	CapacitySamples *int    `json:"capacity_samples,omitempty"`

	// EventBuffer names an analysis event buffer; empty disables the event
	// accumulator.
	EventBuffer          *string `json:"event_buffer,omitempty"`
	EventCapacitySamples *int    `json:"event_capacity_samples,omitempty"`
}

// StimulatorSettings configures the serial stimulation device.
type StimulatorSettings struct {
	Port string `json:"port"`
	serialmux.PortOptions
}

// EmptySettings returns Settings with every field unset.
func EmptySettings() *Settings {
	return &Settings{}
}

// LoadSettings loads Settings from a JSON file.
// The file must have a .json extension and be under the max file size.
func LoadSettings(path string) (*Settings, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings decodes and validates settings JSON.
func ParseSettings(data []byte) (*Settings, error) {
	cfg := EmptySettings()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid and mutually
// consistent.
func (c *Settings) Validate() error {
	if c.PollingPeriod != nil && *c.PollingPeriod != "" {
		d, err := time.ParseDuration(*c.PollingPeriod)
		if err != nil {
			return fmt.Errorf("invalid polling_period '%s': %w", *c.PollingPeriod, err)
		}
		if d <= 0 {
			return fmt.Errorf("polling_period must be positive, got %v", d)
		}
	}
	if c.Channels != nil && *c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", *c.Channels)
	}
	if c.SamplesPerTick != nil && *c.SamplesPerTick <= 0 {
		return fmt.Errorf("samples_per_tick must be positive, got %d", *c.SamplesPerTick)
	}
	if c.SampleRate != nil && *c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %f", *c.SampleRate)
	}
	if c.RingCapacity != nil && *c.RingCapacity < 2 {
		return fmt.Errorf("ring_capacity must be >= 2, got %d", *c.RingCapacity)
	}

	// samples_per_tick / sample_rate must describe the same tick as
	// polling_period.
	tick := time.Duration(float64(c.GetSamplesPerTick()) / c.GetSampleRate() * float64(time.Second))
	if diff := math.Abs(float64(tick - c.GetPollingPeriod())); diff > float64(time.Microsecond) {
		return Errorf("acquisition", "%d samples at %.1f Hz is %v per tick, polling period is %v",
			c.GetSamplesPerTick(), c.GetSampleRate(), tick, c.GetPollingPeriod())
	}

	if d := c.Display; d != nil {
		if d.CapacitySamples != nil && *d.CapacitySamples <= 0 {
			return fmt.Errorf("display.capacity_samples must be positive, got %d", *d.CapacitySamples)
		}
		if d.EventCapacitySamples != nil && *d.EventCapacitySamples <= 0 {
			return fmt.Errorf("display.event_capacity_samples must be positive, got %d", *d.EventCapacitySamples)
		}
	}
	if s := c.Stimulator; s != nil && s.Port != "" {
		if _, err := s.PortOptions.Normalize(); err != nil {
			return fmt.Errorf("stimulator: %w", err)
		}
	}
	return nil
}

// GetPollingPeriod returns the polling period or the 10ms default.
func (c *Settings) GetPollingPeriod() time.Duration {
	if c.PollingPeriod == nil || *c.PollingPeriod == "" {
		return 10 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.PollingPeriod)
	if err != nil {
		return 10 * time.Millisecond
	}
	return d
}

// GetChannels returns the analog channel count or the default.
func (c *Settings) GetChannels() int {
	if c.Channels == nil {
		return 4
	}
	return *c.Channels
}

// GetSamplesPerTick returns the frame length or the default.
func (c *Settings) GetSamplesPerTick() int {
	if c.SamplesPerTick == nil {
		return 30
	}
	return *c.SamplesPerTick
}

// GetSampleRate returns the sample rate in Hz or the default.
func (c *Settings) GetSampleRate() float64 {
	if c.SampleRate == nil {
		return 3000
	}
	return *c.SampleRate
}

// GetRingCapacity returns the frame ring capacity or the default.
func (c *Settings) GetRingCapacity() int {
	if c.RingCapacity == nil {
		return 3
	}
	return *c.RingCapacity
}

// GetIncludeFallingEdges returns whether transitions to a zero line word are
// reported as events.
func (c *Settings) GetIncludeFallingEdges() bool {
	if c.IncludeFallingEdges == nil {
		return false
	}
	return *c.IncludeFallingEdges
}

// GetDisplayBuffer returns the buffer the display accumulator reads.
func (c *Settings) GetDisplayBuffer() string {
	if c.Display == nil || c.Display.Buffer == nil || *c.Display.Buffer == "" {
		return "processed"
	}
	return *c.Display.Buffer
}

// GetDisplayCapacity returns the display accumulator length in samples,
// one second of signal by default.
func (c *Settings) GetDisplayCapacity() int {
	if c.Display == nil || c.Display.CapacitySamples == nil {
		return int(c.GetSampleRate())
	}
	return *c.Display.CapacitySamples
}

// GetDisplayEventBuffer returns the event buffer feeding the event
// accumulator, or "" when none is configured.
func (c *Settings) GetDisplayEventBuffer() string {
	if c.Display == nil || c.Display.EventBuffer == nil {
		return ""
	}
	return *c.Display.EventBuffer
}

// GetDisplayEventCapacity returns the event accumulator window in samples.
func (c *Settings) GetDisplayEventCapacity() int {
	if c.Display == nil || c.Display.EventCapacitySamples == nil {
		return c.GetDisplayCapacity()
	}
	return *c.Display.EventCapacitySamples
}

// GetRecordingDir returns the recording root directory.
func (c *Settings) GetRecordingDir() string {
	if c.RecordingDir == nil || *c.RecordingDir == "" {
		return "recordings"
	}
	return *c.RecordingDir
}

// GetDBPath returns the run store path.
func (c *Settings) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "ephys.db"
	}
	return *c.DBPath
}
