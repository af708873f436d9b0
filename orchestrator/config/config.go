// Package config defines the workflow configuration value types: engine
// configs, quality thresholds, retry policies and the WorkflowConfig aggregate
// that drives one orchestration. Configs are immutable inside an execution; a
// per-request override is merged into the named preset once at entry.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// SelectionStrategy names the result-selection policy of a workflow.
type SelectionStrategy string

const (
	// StrategyHighestConfidence is the implemented multi-criterion policy.
	StrategyHighestConfidence SelectionStrategy = "highestConfidence"
	// StrategyConsensus is recognized but currently reduces to
	// StrategyHighestConfidence.
	StrategyConsensus SelectionStrategy = "consensus"
	// StrategyWeightedAverage is recognized but currently reduces to
	// StrategyHighestConfidence.
	StrategyWeightedAverage SelectionStrategy = "weightedAverage"
	// StrategyFirstSuccess is recognized but currently reduces to
	// StrategyHighestConfidence.
	StrategyFirstSuccess SelectionStrategy = "firstSuccess"
)

// Valid reports whether s names a recognized strategy.
func (s SelectionStrategy) Valid() bool {
	switch s {
	case StrategyHighestConfidence, StrategyConsensus, StrategyWeightedAverage, StrategyFirstSuccess:
		return true
	}
	return false
}

type (
	// QualityThresholds are the acceptance criteria an OCR result must meet.
	QualityThresholds struct {
		// MinConfidence is the minimum mean confidence in [0,1].
		MinConfidence float64 `yaml:"minConfidence"`
		// MinWordRecognitionRate is the minimum word recognition rate in [0,1].
		MinWordRecognitionRate float64 `yaml:"minWordRecognitionRate"`
		// MinExpectedFieldsDetected is the minimum detected-fields rate in [0,1].
		MinExpectedFieldsDetected float64 `yaml:"minExpectedFieldsDetected"`
		// MaxProcessingTime bounds the provider call duration.
		MaxProcessingTime time.Duration `yaml:"maxProcessingTime"`
		// MinPagesProcessed is the minimum number of pages a result must cover.
		MinPagesProcessed int `yaml:"minPagesProcessed"`
	}

	// RetryPolicy governs driver-internal retry of transient failures.
	RetryPolicy struct {
		// MaxRetries caps retries after the initial attempt.
		MaxRetries int `yaml:"maxRetries"`
		// InitialBackoff is the delay before the first retry.
		InitialBackoff time.Duration `yaml:"initialBackoff"`
		// BackoffFactor multiplies the delay after each retry.
		BackoffFactor float64 `yaml:"backoffFactor"`
		// BackoffMax caps the delay between retries.
		BackoffMax time.Duration `yaml:"backoffMax"`
		// RetryableCategories lists the error categories eligible for retry.
		RetryableCategories []ocr.Category `yaml:"retryableCategories"`
	}

	// BreakerSettings configures the per-engine circuit breakers.
	BreakerSettings struct {
		// Enabled turns the breakers into no-ops when false.
		Enabled bool `yaml:"enabled"`
		// FailureThreshold is the number of consecutive failures that opens a breaker.
		FailureThreshold int `yaml:"failureThreshold"`
		// RecoveryTimeout is how long an open breaker waits before half-open.
		RecoveryTimeout time.Duration `yaml:"recoveryTimeout"`
	}

	// PreprocessOptions is the preprocess-option bag applied before a driver runs.
	PreprocessOptions struct {
		Enabled           bool `yaml:"enabled"`
		Grayscale         bool `yaml:"grayscale"`
		Denoise           bool `yaml:"denoise"`
		AdaptiveThreshold bool `yaml:"adaptiveThreshold"`
		SkewCorrection    bool `yaml:"skewCorrection"`
		DPIOptimization   bool `yaml:"dpiOptimization"`
		// MinDPI is the uplift target; zero means the 300 DPI default.
		MinDPI int `yaml:"minDpi"`
	}

	// EngineConfig configures one driver instance within a workflow.
	EngineConfig struct {
		// Kind selects the driver family.
		Kind ocr.EngineKind `yaml:"kind"`
		// DisplayName labels this instance in runs and logs.
		DisplayName string `yaml:"displayName"`
		// Enabled gates construction; disabled engines are a configuration error.
		Enabled bool `yaml:"enabled"`
		// Timeout bounds the driver invocation wall-clock including retries.
		Timeout time.Duration `yaml:"timeout"`
		// Preprocess enables and configures image normalization.
		Preprocess PreprocessOptions `yaml:"preprocess"`
		// QualityThresholds overrides the workflow's global thresholds when set.
		QualityThresholds *QualityThresholds `yaml:"qualityThresholds"`
		// RetryPolicy overrides the workflow's global retry policy when set.
		RetryPolicy *RetryPolicy `yaml:"retryPolicy"`
		// Params carries driver-specific settings: endpoint names, model
		// identifiers, language codes, GPU flags.
		Params map[string]string `yaml:"params"`
	}

	// WorkflowConfig is the immutable value driving one orchestration.
	WorkflowConfig struct {
		ID      string `yaml:"id"`
		Name    string `yaml:"name"`
		Version string `yaml:"version"`

		// Primary is the first engine attempted.
		Primary EngineConfig `yaml:"primary"`
		// Fallbacks are attempted when the primary fails or misses quality.
		Fallbacks []EngineConfig `yaml:"fallbacks"`

		// StopOnSuccess stops the workflow at the first passing result.
		StopOnSuccess bool `yaml:"stopOnSuccess"`
		// ParallelFallbacks fans fallbacks out concurrently.
		ParallelFallbacks bool `yaml:"parallelFallbacks"`
		// MaxParallelEngines bounds concurrent engines, >= 1.
		MaxParallelEngines int `yaml:"maxParallelEngines"`
		// TotalTimeout bounds the whole execution wall-clock.
		TotalTimeout time.Duration `yaml:"totalTimeout"`
		// ResultSelectionStrategy names the selection policy. Only
		// highestConfidence is implemented; the other recognized values reduce
		// to it with a logged warning.
		ResultSelectionStrategy SelectionStrategy `yaml:"resultSelectionStrategy"`

		// GlobalQualityThresholds apply to engines without an override.
		GlobalQualityThresholds QualityThresholds `yaml:"globalQualityThresholds"`
		// GlobalRetryPolicy applies to engines without an override.
		GlobalRetryPolicy RetryPolicy `yaml:"globalRetryPolicy"`
		// Breaker configures the per-engine circuit breakers.
		Breaker BreakerSettings `yaml:"circuitBreaker"`
	}
)

// DefaultQualityThresholds returns the platform default acceptance criteria.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MinConfidence:             0.70,
		MinWordRecognitionRate:    0.50,
		MinExpectedFieldsDetected: 0,
		MaxProcessingTime:         2 * time.Minute,
		MinPagesProcessed:         1,
	}
}

// DefaultRetryPolicy returns the platform default driver retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          2,
		InitialBackoff:      500 * time.Millisecond,
		BackoffFactor:       2.0,
		BackoffMax:          10 * time.Second,
		RetryableCategories: []ocr.Category{ocr.CategoryTransient},
	}
}

// DefaultBreakerSettings returns the platform default breaker settings.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Enabled:          true,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Retryable reports whether the policy retries failures of the given category.
func (p RetryPolicy) Retryable(cat ocr.Category) bool {
	for _, c := range p.RetryableCategories {
		if c == cat {
			return true
		}
	}
	return false
}

// EffectiveThresholds resolves the thresholds for one engine: the engine
// override when present, the workflow globals otherwise.
func (c WorkflowConfig) EffectiveThresholds(ec EngineConfig) QualityThresholds {
	if ec.QualityThresholds != nil {
		return *ec.QualityThresholds
	}
	return c.GlobalQualityThresholds
}

// EffectiveRetryPolicy resolves the retry policy for one engine: the engine
// override when present, the workflow globals otherwise.
func (c WorkflowConfig) EffectiveRetryPolicy(ec EngineConfig) RetryPolicy {
	if ec.RetryPolicy != nil {
		return *ec.RetryPolicy
	}
	return c.GlobalRetryPolicy
}

// Engines returns the primary followed by the fallbacks.
func (c WorkflowConfig) Engines() []EngineConfig {
	out := make([]EngineConfig, 0, 1+len(c.Fallbacks))
	out = append(out, c.Primary)
	out = append(out, c.Fallbacks...)
	return out
}

// Validate checks the workflow invariants: known and enabled engine kinds, no
// fallback sharing a kind with the primary, parallelism bounds and positive
// timeouts. Violations are configuration errors fatal to the execution.
func (c WorkflowConfig) Validate() error {
	if c.Name == "" {
		return ocr.Configuration("", "validate_workflow", errors.New("workflow name is required"))
	}
	if !c.Primary.Kind.Valid() {
		return ocr.Configuration(c.Primary.Kind, "validate_workflow", fmt.Errorf("unknown primary engine kind %q", c.Primary.Kind))
	}
	seen := map[ocr.EngineKind]bool{c.Primary.Kind: true}
	for _, fb := range c.Fallbacks {
		if !fb.Kind.Valid() {
			return ocr.Configuration(fb.Kind, "validate_workflow", fmt.Errorf("unknown fallback engine kind %q", fb.Kind))
		}
		if seen[fb.Kind] {
			return ocr.Configuration(fb.Kind, "validate_workflow", fmt.Errorf("duplicate engine kind %q", fb.Kind))
		}
		seen[fb.Kind] = true
	}
	if c.MaxParallelEngines < 1 {
		return ocr.Configuration("", "validate_workflow", errors.New("maxParallelEngines must be >= 1"))
	}
	if c.MaxParallelEngines > 1+len(c.Fallbacks) {
		return ocr.Configuration("", "validate_workflow",
			fmt.Errorf("maxParallelEngines %d exceeds engine count %d", c.MaxParallelEngines, 1+len(c.Fallbacks)))
	}
	if c.TotalTimeout <= 0 {
		return ocr.Configuration("", "validate_workflow", errors.New("totalTimeout must be positive"))
	}
	if c.ResultSelectionStrategy != "" && !c.ResultSelectionStrategy.Valid() {
		return ocr.Configuration("", "validate_workflow",
			fmt.Errorf("unknown result selection strategy %q", c.ResultSelectionStrategy))
	}
	for _, ec := range c.Engines() {
		if !ec.Enabled {
			return ocr.Configuration(ec.Kind, "validate_workflow", fmt.Errorf("engine %q is disabled", ec.Kind))
		}
		if ec.Timeout <= 0 {
			return ocr.Configuration(ec.Kind, "validate_workflow", fmt.Errorf("engine %q timeout must be positive", ec.Kind))
		}
	}
	return nil
}
