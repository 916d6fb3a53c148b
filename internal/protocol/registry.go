package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/banshee-data/ephys.loop/internal/config"
	"github.com/banshee-data/ephys.loop/internal/stimulator"
)

// Kind is the "kind" discriminator of a protocol configuration.
type Kind string

const (
	KindTrialSequenced Kind = "trial-sequenced"
	KindThresholdGated Kind = "threshold-gated"
)

var (
	ErrRunning = errors.New("protocol already running")
	ErrUnbound = errors.New("protocol feedback input is not bound")
)

// Constructor parses a validated configuration for one kind. tick is the
// acquisition polling period the protocol will be driven at.
type Constructor func(raw json.RawMessage, dev stimulator.Device, tick time.Duration) (Protocol, error)

type kindEntry struct {
	schema string
	build  Constructor
}

var registry = map[Kind]kindEntry{
	KindTrialSequenced: {schema: "schemas/trial-sequenced.json", build: parseSequenced},
	KindThresholdGated: {schema: "schemas/threshold-gated.json", build: parseGated},
}

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemasOnce sync.Once
	schemas     map[Kind]*jsonschema.Schema
	schemasErr  error
)

func compileSchemas() (map[Kind]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiled := make(map[Kind]*jsonschema.Schema, len(registry))
		for kind, e := range registry {
			data, err := schemaFS.ReadFile(e.schema)
			if err != nil {
				schemasErr = fmt.Errorf("read schema for %s: %w", kind, err)
				return
			}
			url := "mem://protocol/" + e.schema
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("add schema resource for %s: %w", kind, err)
				return
			}
			s, err := compiler.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema for %s: %w", kind, err)
				return
			}
			compiled[kind] = s
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

// Kinds lists the registered protocol kinds.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// PeekKind reads the discriminator of a protocol configuration.
func PeekKind(raw json.RawMessage) (Kind, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", config.Errorf("protocol", "invalid JSON: %v", err)
	}
	if head.Kind == "" {
		return "", config.Errorf("protocol", "missing \"kind\"")
	}
	return head.Kind, nil
}

// New validates raw against the schema of its kind and builds the protocol.
// Every failure is a *config.ConfigurationError and nothing is started.
func New(raw json.RawMessage, dev stimulator.Device, tick time.Duration) (Protocol, error) {
	kind, err := PeekKind(raw)
	if err != nil {
		return nil, err
	}
	entry, ok := registry[kind]
	if !ok {
		return nil, config.Errorf("protocol", "unknown kind %q (have %v)", kind, Kinds())
	}
	if dev == nil {
		return nil, config.Errorf("protocol", "%s needs a stimulation device", kind)
	}

	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, config.Errorf("protocol", "invalid JSON: %v", err)
	}
	if err := compiled[kind].Validate(doc); err != nil {
		return nil, config.Errorf("protocol", "%s: %v", kind, err)
	}

	p, err := entry.build(raw, dev, tick)
	if err != nil {
		var ce *config.ConfigurationError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, config.Errorf("protocol", "%s: %v", kind, err)
	}
	return p, nil
}

// checkTickPeriod rejects a protocol whose tick resolution differs from the
// acquisition polling period.
func checkTickPeriod(period string, tick time.Duration) error {
	d, err := time.ParseDuration(period)
	if err != nil {
		return config.Errorf("protocol", "invalid tick_period %q: %v", period, err)
	}
	if d != tick {
		return config.Errorf("protocol", "tick_period %v does not match the acquisition polling period %v", d, tick)
	}
	return nil
}
