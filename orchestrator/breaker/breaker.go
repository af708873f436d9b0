// Package breaker maintains one circuit breaker per engine. A breaker counts
// only driver-invocation failures: quality rejections are successful
// invocations and never trip it. While a breaker is open the engine is skipped
// immediately with a BREAKER_OPEN error.
package breaker

import (
	"context"
	"errors"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
)

// defaultFailureThreshold guards misconfigured settings: a zero threshold
// would otherwise open the breaker on the first failure ever.
const defaultFailureThreshold = 5

// Registry holds per-engine breakers, created lazily on first use. Breaker
// state is process-local.
type Registry struct {
	settings config.BreakerSettings
	logger   telemetry.Logger

	mu       sync.Mutex
	breakers map[ocr.EngineKind]*gobreaker.CircuitBreaker
}

// NewRegistry returns a Registry with the given settings. A nil logger is
// replaced with a noop one.
func NewRegistry(settings config.BreakerSettings, logger telemetry.Logger) *Registry {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{
		settings: settings,
		logger:   logger,
		breakers: make(map[ocr.EngineKind]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn under the engine's breaker. When breakers are disabled fn
// runs directly. An open breaker returns a BREAKER_OPEN error without calling
// fn.
func (r *Registry) Execute(ctx context.Context, kind ocr.EngineKind, fn func() (*ocr.Result, error)) (*ocr.Result, error) {
	if !r.settings.Enabled {
		return fn()
	}
	cb := r.breaker(kind)
	res, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ocr.BreakerOpen(kind)
		}
		return nil, err
	}
	result, _ := res.(*ocr.Result)
	return result, nil
}

// State returns the engine's breaker state. Engines never executed report
// closed.
func (r *Registry) State(kind ocr.EngineKind) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[kind]
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (r *Registry) breaker(kind ocr.EngineKind) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[kind]
	if !ok {
		threshold := uint32(r.settings.FailureThreshold)
		if r.settings.FailureThreshold <= 0 {
			threshold = defaultFailureThreshold
		}
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(kind),
			MaxRequests: 1,
			Timeout:     r.settings.RecoveryTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				// The breaker outlives any single call; state changes log
				// without a request context.
				r.logger.Info(context.Background(), "circuit breaker state change",
					"engine", name, "from", from.String(), "to", to.String())
			},
		})
		r.breakers[kind] = cb
	}
	return cb
}
