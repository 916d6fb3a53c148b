package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/banshee-data/ephys.loop/internal/config"
)

// Stage is one step of a processing or analysis pipeline.
type Stage interface {
	// Name identifies the stage in logs and errors.
	Name() string
	// Init looks up input buffers and declares outputs. A missing input or
	// an incompatible shape is a configuration error.
	Init(b *Buffers) error
	// Process runs once per tick. It must not retain buffer locks.
	Process() error
}

// Factory builds a stage from its JSON configuration.
type Factory func(raw json.RawMessage) (Stage, error)

var processingTypes = map[string]Factory{
	"car":  newCAR,
	"gain": newGain,
}

var analysisTypes = map[string]Factory{
	"rms":       newRMS,
	"threshold": newThreshold,
}

// ProcessingTypes lists the stage types usable in the processing pipeline.
func ProcessingTypes() []string { return typeNames(processingTypes) }

// AnalysisTypes lists the stage types usable in the analysis pipeline.
func AnalysisTypes() []string { return typeNames(analysisTypes) }

func typeNames(table map[string]Factory) []string {
	names := make([]string, 0, len(table))
	for n := range table {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func buildStages(component string, table map[string]Factory, specs []config.StageSpec, b *Buffers) ([]Stage, error) {
	stages := make([]Stage, 0, len(specs))
	for i, spec := range specs {
		factory, ok := table[spec.Type]
		if !ok {
			return nil, config.Errorf(component, "stage %d: unknown type %q (have %v)", i, spec.Type, typeNames(table))
		}
		stage, err := factory(spec.Raw)
		if err != nil {
			return nil, config.Errorf(component, "stage %d (%s): %v", i, spec.Type, err)
		}
		if err := stage.Init(b); err != nil {
			var ce *config.ConfigurationError
			if errors.As(err, &ce) {
				return nil, err
			}
			return nil, config.Errorf(component, "stage %d (%s): %v", i, stage.Name(), err)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func runStages(stages []Stage) error {
	for _, s := range stages {
		if err := s.Process(); err != nil {
			return fmt.Errorf("stage %s: %w", s.Name(), err)
		}
	}
	return nil
}

// ProcessingPipeline copies the raw buffer into "processed" and runs its
// stages over it in declared order.
type ProcessingPipeline struct {
	stages    []Stage
	raw       *SignalBuffer
	processed *SignalBuffer
}

// NewProcessingPipeline declares the processed buffer and builds the stages.
func NewProcessingPipeline(specs []config.StageSpec, b *Buffers) (*ProcessingPipeline, error) {
	raw, ok := b.Signal(RawBuffer)
	if !ok {
		return nil, config.Errorf("processing", "no %q buffer", RawBuffer)
	}
	for i, spec := range specs {
		if _, ok := processingTypes[spec.Type]; !ok {
			return nil, config.Errorf("processing", "stage %d: unknown type %q (have %v)", i, spec.Type, ProcessingTypes())
		}
	}
	processed, err := b.AddSignal(ProcessedBuffer, raw.Channels(), raw.Capacity())
	if err != nil {
		return nil, config.Errorf("processing", "%v", err)
	}
	stages, err := buildStages("processing", processingTypes, specs, b)
	if err != nil {
		return nil, err
	}
	return &ProcessingPipeline{stages: stages, raw: raw, processed: processed}, nil
}

// Stages returns the stage names in order.
func (p *ProcessingPipeline) Stages() []string { return stageNames(p.stages) }

// Run processes the current tick and returns the number of samples in it.
func (p *ProcessingPipeline) Run() (int, error) {
	p.processed.CopyFrom(p.raw)
	if err := runStages(p.stages); err != nil {
		return 0, err
	}
	p.processed.Lock()
	defer p.processed.Unlock()
	return p.processed.Len(), nil
}

// AnalysisPipeline runs analysis stages over the processed buffers.
type AnalysisPipeline struct {
	stages []Stage
}

// NewAnalysisPipeline builds analysis stages against buffers declared by the
// processing pipeline and by earlier analysis stages.
func NewAnalysisPipeline(specs []config.StageSpec, b *Buffers) (*AnalysisPipeline, error) {
	stages, err := buildStages("analysis", analysisTypes, specs, b)
	if err != nil {
		return nil, err
	}
	return &AnalysisPipeline{stages: stages}, nil
}

// Stages returns the stage names in order.
func (p *AnalysisPipeline) Stages() []string { return stageNames(p.stages) }

// Run analyses the current tick.
func (p *AnalysisPipeline) Run() error { return runStages(p.stages) }

func stageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name()
	}
	return names
}

// LoadFrame copies samples into the raw buffer. rows is channels × samples;
// only the first n samples are copied.
func (b *Buffers) LoadFrame(rows [][]float64, n int, first int64) {
	raw := b.signals[RawBuffer]
	raw.Lock()
	defer raw.Unlock()
	if n > raw.Capacity() {
		n = raw.Capacity()
	}
	for ch, dst := range raw.data {
		if ch < len(rows) {
			copy(dst[:n], rows[ch][:n])
		} else {
			clear(dst[:n])
		}
	}
	raw.SetLen(n, first)
}
