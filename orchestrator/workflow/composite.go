package workflow

import (
	"fmt"
	"strings"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// CompositeError summarizes why every engine in an execution failed to
// produce a selectable result. It keeps the per-engine categories so callers
// can distinguish a fleet of transient failures from a misconfiguration.
type CompositeError struct {
	Attempts []EngineAttempt
}

// NewCompositeError builds a CompositeError over the given attempts.
func NewCompositeError(attempts []EngineAttempt) *CompositeError {
	return &CompositeError{Attempts: attempts}
}

// Error implements the error interface.
func (e *CompositeError) Error() string {
	if len(e.Attempts) == 0 {
		return "no engines attempted"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		cat := a.Category
		if cat == "" {
			cat = ocr.CategoryPermanent
		}
		msg := a.Error
		if msg == "" {
			msg = "no selectable result"
		}
		parts = append(parts, fmt.Sprintf("%s: %s: %s", a.EngineKind, cat, msg))
	}
	return "all engines failed: " + strings.Join(parts, "; ")
}

// degradedWarning summarizes the attempts that did not yield a passing
// result, for executions that still selected a winner.
func degradedWarning(attempts []EngineAttempt) string {
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		reason := a.Error
		if reason == "" {
			reason = string(a.Category)
		}
		parts[i] = fmt.Sprintf("%s: %s", a.EngineKind, reason)
	}
	return "degraded result: " + strings.Join(parts, "; ")
}

// Categories returns the distinct failure categories across attempts, in
// first-seen order.
func (e *CompositeError) Categories() []ocr.Category {
	seen := make(map[ocr.Category]bool)
	var out []ocr.Category
	for _, a := range e.Attempts {
		if a.Category == "" || seen[a.Category] {
			continue
		}
		seen[a.Category] = true
		out = append(out, a.Category)
	}
	return out
}
