package config

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// Built-in preset names recognized by the platform.
const (
	PresetAzurePrimary  = "azure_primary"
	PresetGooglePrimary = "google_primary"
	PresetOpenSource    = "opensource"
)

// Presets resolves named workflow configurations. Built-ins are always
// available; YAML files can add or replace presets at startup.
type Presets struct {
	mu   sync.RWMutex
	byID map[string]WorkflowConfig
}

// NewPresets returns a Presets preloaded with the built-in workflows.
func NewPresets() *Presets {
	p := &Presets{byID: make(map[string]WorkflowConfig)}
	for _, wc := range builtinPresets() {
		p.byID[wc.Name] = wc
	}
	return p
}

// Get returns the named preset. Unknown names are a configuration error.
func (p *Presets) Get(name string) (WorkflowConfig, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	wc, ok := p.byID[name]
	if !ok {
		return WorkflowConfig{}, ocr.Configuration("", "resolve_preset", fmt.Errorf("unknown workflow preset %q", name))
	}
	return wc, nil
}

// Names returns the registered preset names sorted alphabetically.
func (p *Presets) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.byID))
	for name := range p.byID {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds or replaces a preset after validating it.
func (p *Presets) Register(wc WorkflowConfig) error {
	if err := wc.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[wc.Name] = wc
	return nil
}

// LoadFile reads a YAML file containing a `workflows:` list and registers each
// entry. Entries must validate; the first failure aborts the load.
func (p *Presets) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read presets file: %w", err)
	}
	var doc struct {
		Workflows []WorkflowConfig `yaml:"workflows"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse presets file %s: %w", path, err)
	}
	for _, wc := range doc.Workflows {
		if err := p.Register(wc); err != nil {
			return fmt.Errorf("preset %q: %w", wc.Name, err)
		}
	}
	return nil
}

func builtinPresets() []WorkflowConfig {
	cloud := func(kind ocr.EngineKind, name string) EngineConfig {
		return EngineConfig{
			Kind:        kind,
			DisplayName: name,
			Enabled:     true,
			Timeout:     2 * time.Minute,
		}
	}
	local := func(kind ocr.EngineKind, name string) EngineConfig {
		return EngineConfig{
			Kind:        kind,
			DisplayName: name,
			Enabled:     true,
			Timeout:     5 * time.Minute,
			Preprocess: PreprocessOptions{
				Enabled:           true,
				Grayscale:         true,
				Denoise:           true,
				AdaptiveThreshold: true,
				DPIOptimization:   true,
			},
		}
	}
	base := func(name string, primary EngineConfig, fallbacks ...EngineConfig) WorkflowConfig {
		return WorkflowConfig{
			ID:                      name,
			Name:                    name,
			Version:                 "1",
			Primary:                 primary,
			Fallbacks:               fallbacks,
			StopOnSuccess:           true,
			MaxParallelEngines:      1,
			TotalTimeout:            10 * time.Minute,
			ResultSelectionStrategy: StrategyHighestConfidence,
			GlobalQualityThresholds: DefaultQualityThresholds(),
			GlobalRetryPolicy:       DefaultRetryPolicy(),
			Breaker:                 DefaultBreakerSettings(),
		}
	}
	return []WorkflowConfig{
		base(PresetAzurePrimary,
			cloud(ocr.EngineAzure, "Azure Document Intelligence"),
			cloud(ocr.EngineGoogle, "Google Document AI"),
			local(ocr.EngineTesseract, "Tesseract"),
		),
		base(PresetGooglePrimary,
			cloud(ocr.EngineGoogle, "Google Document AI"),
			cloud(ocr.EngineAzure, "Azure Document Intelligence"),
			local(ocr.EngineTesseract, "Tesseract"),
		),
		base(PresetOpenSource,
			local(ocr.EngineTesseract, "Tesseract"),
			local(ocr.EnginePaddle, "PaddleOCR"),
		),
	}
}
