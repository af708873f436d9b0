// Package ratelimit enforces per-engine request-per-minute caps. Limits are
// process-local token buckets; a request over the cap fails immediately with a
// RATE_LIMITED error rather than queuing.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// Limiter holds one token bucket per engine. Engines without a configured cap
// are unlimited.
type Limiter struct {
	mu       sync.Mutex
	limiters map[ocr.EngineKind]*rate.Limiter
}

// New returns a Limiter with the given per-engine requests-per-minute caps.
// Zero or negative caps are ignored.
func New(rpm map[ocr.EngineKind]int) *Limiter {
	l := &Limiter{limiters: make(map[ocr.EngineKind]*rate.Limiter, len(rpm))}
	for kind, n := range rpm {
		if n <= 0 {
			continue
		}
		l.limiters[kind] = rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
	}
	return l
}

// Allow consumes one token for the engine. It returns a RATE_LIMITED error
// when the bucket is empty.
func (l *Limiter) Allow(kind ocr.EngineKind) error {
	l.mu.Lock()
	lim, ok := l.limiters[kind]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if !lim.Allow() {
		return ocr.RateLimited(kind)
	}
	return nil
}

// SetLimit installs or replaces the engine's cap at runtime.
func (l *Limiter) SetLimit(kind ocr.EngineKind, rpm int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rpm <= 0 {
		delete(l.limiters, kind)
		return
	}
	l.limiters[kind] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
}
