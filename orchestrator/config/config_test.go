package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

func validWorkflow() WorkflowConfig {
	return WorkflowConfig{
		ID:      "wf-1",
		Name:    "invoices",
		Version: "1",
		Primary: EngineConfig{Kind: ocr.EngineAzure, Enabled: true, Timeout: time.Minute},
		Fallbacks: []EngineConfig{
			{Kind: ocr.EngineTesseract, Enabled: true, Timeout: time.Minute},
		},
		MaxParallelEngines:      1,
		TotalTimeout:            10 * time.Minute,
		ResultSelectionStrategy: StrategyHighestConfidence,
		GlobalQualityThresholds: DefaultQualityThresholds(),
		GlobalRetryPolicy:       DefaultRetryPolicy(),
	}
}

func TestValidateAcceptsWellFormedWorkflow(t *testing.T) {
	require.NoError(t, validWorkflow().Validate())
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*WorkflowConfig)
	}{
		{"missing name", func(c *WorkflowConfig) { c.Name = "" }},
		{"unknown primary kind", func(c *WorkflowConfig) { c.Primary.Kind = "hal9000" }},
		{"duplicate engine kind", func(c *WorkflowConfig) {
			c.Fallbacks = append(c.Fallbacks, EngineConfig{Kind: ocr.EngineAzure, Enabled: true, Timeout: time.Minute})
		}},
		{"parallelism below one", func(c *WorkflowConfig) { c.MaxParallelEngines = 0 }},
		{"parallelism above engine count", func(c *WorkflowConfig) { c.MaxParallelEngines = 5 }},
		{"non-positive total timeout", func(c *WorkflowConfig) { c.TotalTimeout = 0 }},
		{"unknown strategy", func(c *WorkflowConfig) { c.ResultSelectionStrategy = "luckyDip" }},
		{"disabled engine", func(c *WorkflowConfig) { c.Fallbacks[0].Enabled = false }},
		{"non-positive engine timeout", func(c *WorkflowConfig) { c.Primary.Timeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wc := validWorkflow()
			tc.mutate(&wc)
			err := wc.Validate()
			require.Error(t, err)
			var oerr *ocr.Error
			require.True(t, errors.As(err, &oerr))
			assert.Equal(t, ocr.CategoryConfiguration, oerr.Category)
		})
	}
}

func TestEffectiveThresholdsAndRetryPolicy(t *testing.T) {
	wc := validWorkflow()

	// Engines without overrides inherit the globals.
	assert.Equal(t, wc.GlobalQualityThresholds, wc.EffectiveThresholds(wc.Primary))
	assert.Equal(t, wc.GlobalRetryPolicy, wc.EffectiveRetryPolicy(wc.Primary))

	override := QualityThresholds{MinConfidence: 0.95, MinPagesProcessed: 2}
	policy := RetryPolicy{MaxRetries: 5}
	ec := wc.Fallbacks[0]
	ec.QualityThresholds = &override
	ec.RetryPolicy = &policy
	assert.Equal(t, override, wc.EffectiveThresholds(ec))
	assert.Equal(t, policy, wc.EffectiveRetryPolicy(ec))
}

func TestEnginesOrdersPrimaryFirst(t *testing.T) {
	wc := validWorkflow()
	engines := wc.Engines()
	require.Len(t, engines, 2)
	assert.Equal(t, ocr.EngineAzure, engines[0].Kind)
	assert.Equal(t, ocr.EngineTesseract, engines[1].Kind)
}

func TestRetryPolicyRetryable(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, p.Retryable(ocr.CategoryTransient))
	assert.False(t, p.Retryable(ocr.CategoryPermanent))
	assert.False(t, p.Retryable(ocr.CategoryCancelled))
}

func TestOverridesMerge(t *testing.T) {
	base := validWorkflow()

	stop := false
	parallel := true
	maxEngines := 2
	timeout := 3 * time.Minute
	strategy := StrategyFirstSuccess
	merged := (&Overrides{
		StopOnSuccess:      &stop,
		ParallelFallbacks:  &parallel,
		MaxParallelEngines: &maxEngines,
		TotalTimeout:       &timeout,
		Strategy:           &strategy,
		QualityThresholds:  &QualityThresholds{MinConfidence: 0.9},
	}).Merge(base)

	assert.False(t, merged.StopOnSuccess)
	assert.True(t, merged.ParallelFallbacks)
	assert.Equal(t, 2, merged.MaxParallelEngines)
	assert.Equal(t, 3*time.Minute, merged.TotalTimeout)
	assert.Equal(t, StrategyFirstSuccess, merged.ResultSelectionStrategy)
	assert.InDelta(t, 0.9, merged.GlobalQualityThresholds.MinConfidence, 1e-9)

	// The base is untouched.
	assert.Equal(t, StrategyHighestConfidence, base.ResultSelectionStrategy)
}

func TestOverridesMergeNilKeepsBase(t *testing.T) {
	base := validWorkflow()
	var o *Overrides
	assert.Equal(t, base, o.Merge(base))
}

func TestOverridesMergeReplacesFallbacks(t *testing.T) {
	base := validWorkflow()
	merged := (&Overrides{
		Fallbacks: []EngineConfig{{Kind: ocr.EnginePaddle, Enabled: true, Timeout: time.Minute}},
	}).Merge(base)
	require.Len(t, merged.Fallbacks, 1)
	assert.Equal(t, ocr.EnginePaddle, merged.Fallbacks[0].Kind)
	assert.Equal(t, ocr.EngineTesseract, base.Fallbacks[0].Kind)
}

func TestPresetsBuiltins(t *testing.T) {
	p := NewPresets()
	assert.Equal(t, []string{PresetAzurePrimary, PresetGooglePrimary, PresetOpenSource}, p.Names())

	for _, name := range p.Names() {
		wc, err := p.Get(name)
		require.NoError(t, err)
		require.NoError(t, wc.Validate(), "builtin preset %s must validate", name)
	}

	_, err := p.Get("nope")
	require.Error(t, err)
	assert.Equal(t, ocr.CategoryConfiguration, ocr.CategoryOf(err))
}

func TestPresetsRegisterValidates(t *testing.T) {
	p := NewPresets()
	bad := validWorkflow()
	bad.TotalTimeout = 0
	require.Error(t, p.Register(bad))

	good := validWorkflow()
	require.NoError(t, p.Register(good))
	got, err := p.Get(good.Name)
	require.NoError(t, err)
	assert.Equal(t, good.ID, got.ID)
}

func TestPresetsLoadFile(t *testing.T) {
	doc := `
workflows:
  - id: receipts
    name: receipts
    version: "2"
    primary:
      kind: tesseract
      enabled: true
      timeout: 2m
      preprocess:
        enabled: true
        grayscale: true
    stopOnSuccess: true
    maxParallelEngines: 1
    totalTimeout: 5m
    resultSelectionStrategy: highestConfidence
`
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p := NewPresets()
	require.NoError(t, p.LoadFile(path))

	wc, err := p.Get("receipts")
	require.NoError(t, err)
	assert.Equal(t, ocr.EngineTesseract, wc.Primary.Kind)
	assert.True(t, wc.Primary.Preprocess.Grayscale)
	assert.Equal(t, 5*time.Minute, wc.TotalTimeout)
}

func TestPresetsLoadFileRejectsInvalid(t *testing.T) {
	doc := `
workflows:
  - id: broken
    name: broken
    primary:
      kind: azure
      enabled: true
      timeout: 1m
    maxParallelEngines: 0
    totalTimeout: 5m
`
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p := NewPresets()
	require.Error(t, p.LoadFile(path))
}
