// Package ocr defines the driver contract shared by every OCR provider
// integration: the canonical result type, the engine taxonomy, and the typed
// error categories the orchestrator routes on. Drivers translate
// provider-specific responses into Result values and never mutate them after
// return.
package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EngineKind is the stable tag identifying a driver family.
type EngineKind string

const (
	// EngineAzure is the Azure Document Intelligence driver.
	EngineAzure EngineKind = "azure"
	// EngineGoogle is the Google Document AI driver.
	EngineGoogle EngineKind = "google"
	// EngineTextract is the AWS Textract driver.
	EngineTextract EngineKind = "textract"
	// EngineMistral is the Mistral Document AI driver.
	EngineMistral EngineKind = "mistral"
	// EngineTesseract is the local Tesseract driver.
	EngineTesseract EngineKind = "tesseract"
	// EnginePaddle is the local PaddleOCR driver.
	EnginePaddle EngineKind = "paddle"
)

// Kinds lists every known engine kind in declaration order.
func Kinds() []EngineKind {
	return []EngineKind{EngineAzure, EngineGoogle, EngineTextract, EngineMistral, EngineTesseract, EnginePaddle}
}

// Valid reports whether k names a known engine kind.
func (k EngineKind) Valid() bool {
	switch k {
	case EngineAzure, EngineGoogle, EngineTextract, EngineMistral, EngineTesseract, EnginePaddle:
		return true
	}
	return false
}

// ParseEngineKind converts a string into an EngineKind, rejecting unknown values.
func ParseEngineKind(s string) (EngineKind, error) {
	k := EngineKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown engine kind %q", s)
	}
	return k, nil
}

// Local reports whether the engine runs in-process against a local binary
// rather than a remote API. Local engines keep mutable state and are
// constructed per call by the registry.
func (k EngineKind) Local() bool {
	return k == EngineTesseract || k == EnginePaddle
}

// Feature is an advisory analysis capability callers may request. Drivers
// ignore features they do not support.
type Feature string

const (
	// FeatureTables requests table extraction.
	FeatureTables Feature = "tables"
	// FeatureForms requests key-value (form field) extraction.
	FeatureForms Feature = "forms"
	// FeatureLayout requests layout analysis.
	FeatureLayout Feature = "layout"
	// FeatureQueries requests query-directed extraction.
	FeatureQueries Feature = "queries"
	// FeatureSignatures requests signature detection.
	FeatureSignatures Feature = "signatures"
)

// HasFeature reports whether f is present in features.
func HasFeature(features []Feature, f Feature) bool {
	for _, have := range features {
		if have == f {
			return true
		}
	}
	return false
}

type (
	// Driver is the uniform contract wrapping one OCR provider. Implementations
	// must populate every Result field they can derive from the provider
	// response and normalize percent confidences into [0,1].
	Driver interface {
		// Kind returns the stable engine tag.
		Kind() EngineKind

		// Name returns the display name configured for this driver instance.
		Name() string

		// Analyze runs OCR over the document at the given path and returns the
		// canonical result. Features are advisory. Implementations must respect
		// ctx cancellation and bound their own retries.
		Analyze(ctx context.Context, documentPath string, features ...Feature) (*Result, error)

		// HealthCheck reports whether the driver's prerequisites (credentials,
		// endpoint, binary) are satisfied.
		HealthCheck(ctx context.Context) Health

		// EstimateCost returns the estimated cost in cents for processing the
		// given number of pages, or nil when the engine has no declared pricing.
		// Pure; used by the run store when finalizing runs.
		EstimateCost(pageCount int) *int64
	}

	// Health is the result of a driver health check.
	Health struct {
		Healthy bool
		Details string
	}

	// Result is the canonical outcome of one driver invocation.
	Result struct {
		// EngineKind tags the driver family that produced the result.
		EngineKind EngineKind
		// EngineName is the configured display name of the driver instance.
		EngineName string

		// ProcessingTime is the wall-clock duration of the provider call,
		// excluding preprocessing.
		ProcessingTime time.Duration
		// ProcessedAt records when the provider call completed (UTC).
		ProcessedAt time.Time

		// Confidence is the mean recognition confidence in [0,1].
		Confidence float64
		// WordCount is the number of recognized words.
		WordCount int
		// PageCount is the number of pages the provider processed.
		PageCount int
		// TableCount is the number of tables detected.
		TableCount int

		// Text is the full concatenated recognized text.
		Text string
		// Tables holds the detected tables.
		Tables []Table
		// KeyValuePairs holds detected form fields.
		KeyValuePairs []KeyValuePair
		// LanguageDetected is the dominant detected language, empty when the
		// provider did not report one.
		LanguageDetected string

		// RawResponse is the opaque provider payload. The run store persists it
		// verbatim to the blob store; it must round-trip byte-for-byte.
		RawResponse json.RawMessage
		// RawResponsePath is the blob key of the persisted raw response,
		// populated by the run store after persistence.
		RawResponsePath string

		// QualityMetrics carries driver-specific diagnostic measurements.
		QualityMetrics map[string]float64
	}

	// Table is a detected table with its cell grid.
	Table struct {
		RowCount    int
		ColumnCount int
		Cells       []TableCell
	}

	// TableCell is one cell of a detected table.
	TableCell struct {
		Row        int
		Column     int
		Text       string
		Confidence float64
	}

	// KeyValuePair is one detected form field.
	KeyValuePair struct {
		Key             string
		Value           string
		KeyConfidence   float64
		ValueConfidence float64
	}
)

// NormalizeConfidence maps a provider-reported confidence into [0,1]. Values
// above 1 are treated as percentages and divided by 100; negatives clamp to 0.
func NormalizeConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		v /= 100
	}
	if v > 1 {
		return 1
	}
	return v
}

// CountWords returns the number of whitespace-separated words in text.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
