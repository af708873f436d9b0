package config

import "time"

// Overrides carries per-request adjustments merged into a named preset once at
// workflow entry. Nil fields keep the preset value.
type Overrides struct {
	Primary            *EngineConfig      `json:"primary,omitempty" yaml:"primary"`
	Fallbacks          []EngineConfig     `json:"fallbacks,omitempty" yaml:"fallbacks"`
	StopOnSuccess      *bool              `json:"stopOnSuccess,omitempty" yaml:"stopOnSuccess"`
	ParallelFallbacks  *bool              `json:"parallelFallbacks,omitempty" yaml:"parallelFallbacks"`
	MaxParallelEngines *int               `json:"maxParallelEngines,omitempty" yaml:"maxParallelEngines"`
	TotalTimeout       *time.Duration     `json:"totalTimeout,omitempty" yaml:"totalTimeout"`
	Strategy           *SelectionStrategy `json:"resultSelectionStrategy,omitempty" yaml:"resultSelectionStrategy"`
	QualityThresholds  *QualityThresholds `json:"qualityThresholds,omitempty" yaml:"qualityThresholds"`
	RetryPolicy        *RetryPolicy       `json:"retryPolicy,omitempty" yaml:"retryPolicy"`
	Breaker            *BreakerSettings   `json:"circuitBreaker,omitempty" yaml:"circuitBreaker"`
}

// Merge applies o to a copy of base and returns it. The result must still be
// validated by the caller; Merge itself never fails.
func (o *Overrides) Merge(base WorkflowConfig) WorkflowConfig {
	if o == nil {
		return base
	}
	out := base
	if o.Primary != nil {
		out.Primary = *o.Primary
	}
	if o.Fallbacks != nil {
		out.Fallbacks = append([]EngineConfig(nil), o.Fallbacks...)
	}
	if o.StopOnSuccess != nil {
		out.StopOnSuccess = *o.StopOnSuccess
	}
	if o.ParallelFallbacks != nil {
		out.ParallelFallbacks = *o.ParallelFallbacks
	}
	if o.MaxParallelEngines != nil {
		out.MaxParallelEngines = *o.MaxParallelEngines
	}
	if o.TotalTimeout != nil {
		out.TotalTimeout = *o.TotalTimeout
	}
	if o.Strategy != nil {
		out.ResultSelectionStrategy = *o.Strategy
	}
	if o.QualityThresholds != nil {
		out.GlobalQualityThresholds = *o.QualityThresholds
	}
	if o.RetryPolicy != nil {
		out.GlobalRetryPolicy = *o.RetryPolicy
	}
	if o.Breaker != nil {
		out.Breaker = *o.Breaker
	}
	return out
}
