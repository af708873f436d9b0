package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// duration decodes YAML durations given either as Go duration strings ("30s",
// "2m") or as integer nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Tag == "!!int" {
		var ns int64
		if err := n.Decode(&ns); err != nil {
			return err
		}
		*d = duration(ns)
		return nil
	}
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", n.Value, err)
	}
	*d = duration(v)
	return nil
}

func (t *QualityThresholds) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		MinConfidence             float64  `yaml:"minConfidence"`
		MinWordRecognitionRate    float64  `yaml:"minWordRecognitionRate"`
		MinExpectedFieldsDetected float64  `yaml:"minExpectedFieldsDetected"`
		MaxProcessingTime         duration `yaml:"maxProcessingTime"`
		MinPagesProcessed         int      `yaml:"minPagesProcessed"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*t = QualityThresholds{
		MinConfidence:             raw.MinConfidence,
		MinWordRecognitionRate:    raw.MinWordRecognitionRate,
		MinExpectedFieldsDetected: raw.MinExpectedFieldsDetected,
		MaxProcessingTime:         time.Duration(raw.MaxProcessingTime),
		MinPagesProcessed:         raw.MinPagesProcessed,
	}
	return nil
}

func (p *RetryPolicy) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		MaxRetries          int            `yaml:"maxRetries"`
		InitialBackoff      duration       `yaml:"initialBackoff"`
		BackoffFactor       float64        `yaml:"backoffFactor"`
		BackoffMax          duration       `yaml:"backoffMax"`
		RetryableCategories []ocr.Category `yaml:"retryableCategories"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*p = RetryPolicy{
		MaxRetries:          raw.MaxRetries,
		InitialBackoff:      time.Duration(raw.InitialBackoff),
		BackoffFactor:       raw.BackoffFactor,
		BackoffMax:          time.Duration(raw.BackoffMax),
		RetryableCategories: raw.RetryableCategories,
	}
	return nil
}

func (b *BreakerSettings) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		Enabled          bool     `yaml:"enabled"`
		FailureThreshold int      `yaml:"failureThreshold"`
		RecoveryTimeout  duration `yaml:"recoveryTimeout"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*b = BreakerSettings{
		Enabled:          raw.Enabled,
		FailureThreshold: raw.FailureThreshold,
		RecoveryTimeout:  time.Duration(raw.RecoveryTimeout),
	}
	return nil
}

func (e *EngineConfig) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		Kind              ocr.EngineKind     `yaml:"kind"`
		DisplayName       string             `yaml:"displayName"`
		Enabled           bool               `yaml:"enabled"`
		Timeout           duration           `yaml:"timeout"`
		Preprocess        PreprocessOptions  `yaml:"preprocess"`
		QualityThresholds *QualityThresholds `yaml:"qualityThresholds"`
		RetryPolicy       *RetryPolicy       `yaml:"retryPolicy"`
		Params            map[string]string  `yaml:"params"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*e = EngineConfig{
		Kind:              raw.Kind,
		DisplayName:       raw.DisplayName,
		Enabled:           raw.Enabled,
		Timeout:           time.Duration(raw.Timeout),
		Preprocess:        raw.Preprocess,
		QualityThresholds: raw.QualityThresholds,
		RetryPolicy:       raw.RetryPolicy,
		Params:            raw.Params,
	}
	return nil
}

func (c *WorkflowConfig) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		ID                      string            `yaml:"id"`
		Name                    string            `yaml:"name"`
		Version                 string            `yaml:"version"`
		Primary                 EngineConfig      `yaml:"primary"`
		Fallbacks               []EngineConfig    `yaml:"fallbacks"`
		StopOnSuccess           bool              `yaml:"stopOnSuccess"`
		ParallelFallbacks       bool              `yaml:"parallelFallbacks"`
		MaxParallelEngines      int               `yaml:"maxParallelEngines"`
		TotalTimeout            duration          `yaml:"totalTimeout"`
		ResultSelectionStrategy SelectionStrategy `yaml:"resultSelectionStrategy"`
		GlobalQualityThresholds QualityThresholds `yaml:"globalQualityThresholds"`
		GlobalRetryPolicy       RetryPolicy       `yaml:"globalRetryPolicy"`
		Breaker                 BreakerSettings   `yaml:"circuitBreaker"`
	}
	// Unset sections keep the platform defaults rather than zero values.
	raw.GlobalQualityThresholds = DefaultQualityThresholds()
	raw.GlobalRetryPolicy = DefaultRetryPolicy()
	raw.Breaker = DefaultBreakerSettings()
	if err := n.Decode(&raw); err != nil {
		return err
	}
	*c = WorkflowConfig{
		ID:                      raw.ID,
		Name:                    raw.Name,
		Version:                 raw.Version,
		Primary:                 raw.Primary,
		Fallbacks:               raw.Fallbacks,
		StopOnSuccess:           raw.StopOnSuccess,
		ParallelFallbacks:       raw.ParallelFallbacks,
		MaxParallelEngines:      raw.MaxParallelEngines,
		TotalTimeout:            time.Duration(raw.TotalTimeout),
		ResultSelectionStrategy: raw.ResultSelectionStrategy,
		GlobalQualityThresholds: raw.GlobalQualityThresholds,
		GlobalRetryPolicy:       raw.GlobalRetryPolicy,
		Breaker:                 raw.Breaker,
	}
	return nil
}
