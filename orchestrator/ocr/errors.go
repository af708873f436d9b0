package ocr

import (
	"context"
	"errors"
	"fmt"
)

// Category tags every failure the orchestrator emits. It is routing metadata,
// not a type hierarchy: drivers retry TRANSIENT, the workflow engine routes
// across engines, the task shell retries whole-task errors.
type Category string

const (
	// CategoryConfiguration marks bad workflow configs, missing credentials or
	// duplicate engines. Fatal to the execution.
	CategoryConfiguration Category = "CONFIGURATION"
	// CategoryTransient marks network errors, rate limits, 5xx responses and
	// provider timeouts. Retried by the driver up to its policy.
	CategoryTransient Category = "TRANSIENT"
	// CategoryPermanent marks invalid input, auth failures and unsupported
	// formats. Never retried.
	CategoryPermanent Category = "PERMANENT"
	// CategoryQualityFail marks a successful invocation whose result did not
	// meet the configured thresholds.
	CategoryQualityFail Category = "QUALITY_FAIL"
	// CategoryCancelled marks invocations aborted by the total-timeout budget
	// or task revocation.
	CategoryCancelled Category = "CANCELLED"
	// CategoryBreakerOpen marks invocations short-circuited by an open circuit
	// breaker. Routes like a transient failure but is not retried by the driver.
	CategoryBreakerOpen Category = "BREAKER_OPEN"
	// CategoryRateLimited marks invocations rejected by the per-engine
	// requests-per-minute cap. Transient for routing purposes.
	CategoryRateLimited Category = "RATE_LIMITED"
)

// Error is a categorized failure produced by a driver or the orchestrator.
type Error struct {
	// Engine identifies the driver family that failed, empty for failures not
	// attributable to a single engine.
	Engine EngineKind
	// Category is the routing tag.
	Category Category
	// Op names the failing operation (e.g. "analyze", "health_check").
	Op string
	// Err is the underlying cause, may be nil.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Engine, e.Op, e.Category)
	if e.Engine == "" {
		msg = fmt.Sprintf("%s: %s", e.Op, e.Category)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a categorized error.
func NewError(engine EngineKind, category Category, op string, err error) *Error {
	return &Error{Engine: engine, Category: category, Op: op, Err: err}
}

// Transient wraps err as a TRANSIENT failure of the given engine operation.
func Transient(engine EngineKind, op string, err error) *Error {
	return NewError(engine, CategoryTransient, op, err)
}

// Permanent wraps err as a PERMANENT failure of the given engine operation.
func Permanent(engine EngineKind, op string, err error) *Error {
	return NewError(engine, CategoryPermanent, op, err)
}

// Configuration wraps err as a CONFIGURATION failure.
func Configuration(engine EngineKind, op string, err error) *Error {
	return NewError(engine, CategoryConfiguration, op, err)
}

// Cancelled wraps err as a CANCELLED failure.
func Cancelled(engine EngineKind, op string, err error) *Error {
	return NewError(engine, CategoryCancelled, op, err)
}

// BreakerOpen reports that the engine's circuit breaker short-circuited the call.
func BreakerOpen(engine EngineKind) *Error {
	return NewError(engine, CategoryBreakerOpen, "analyze", errors.New("circuit breaker open"))
}

// RateLimited reports that the engine's requests-per-minute cap rejected the call.
func RateLimited(engine EngineKind) *Error {
	return NewError(engine, CategoryRateLimited, "analyze", errors.New("engine rate limit exceeded"))
}

// CategoryOf extracts the routing category from err. Context cancellation maps
// to CANCELLED, deadline expiry to TRANSIENT, and anything untagged to
// PERMANENT so unexpected failures are never retried blindly.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Category
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	return CategoryPermanent
}

// EngineOf extracts the engine tag from err, empty when untagged.
func EngineOf(err error) EngineKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Engine
	}
	return ""
}
