package runstore

import (
	"context"
	"sync"
	"time"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
)

type (
	// EngineMetrics is a snapshot of one engine's aggregate counters.
	EngineMetrics struct {
		Requests  int64
		Successes int64
		Failures  int64

		// LatencyMeanMS is an exponentially weighted moving average.
		LatencyMeanMS float64
		LatencyMinMS  int64
		LatencyMaxMS  int64

		// ConfidenceMean averages the confidence of successful runs.
		ConfidenceMean float64
		// TotalCostCents accumulates the cost of runs with declared pricing.
		TotalCostCents int64
	}

	// Collector aggregates per-engine run metrics in process. Every worker
	// goroutine records into it; readers take a snapshot. A Flusher pushes
	// snapshots to a side store periodically; flush failures are never fatal.
	Collector struct {
		mu      sync.Mutex
		engines map[ocr.EngineKind]*engineStats
	}

	// Flusher receives collector snapshots. Implementations live under
	// features/ (Pulse replicated map in production).
	Flusher interface {
		Flush(ctx context.Context, snapshot map[ocr.EngineKind]EngineMetrics) error
	}

	engineStats struct {
		EngineMetrics
		confidenceSum float64
	}
)

// ewmaAlpha weights recent latencies at 20%.
const ewmaAlpha = 0.2

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{engines: make(map[ocr.EngineKind]*engineStats)}
}

// RecordSuccess records a completed run.
func (c *Collector) RecordSuccess(kind ocr.EngineKind, latency time.Duration, confidence float64, costCents *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats(kind)
	st.Requests++
	st.Successes++
	st.observeLatency(latency)
	st.confidenceSum += confidence
	st.ConfidenceMean = st.confidenceSum / float64(st.Successes)
	if costCents != nil {
		st.TotalCostCents += *costCents
	}
}

// RecordFailure records a failed or cancelled run.
func (c *Collector) RecordFailure(kind ocr.EngineKind, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats(kind)
	st.Requests++
	st.Failures++
	st.observeLatency(latency)
}

// Snapshot returns a copy of the current per-engine metrics.
func (c *Collector) Snapshot() map[ocr.EngineKind]EngineMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[ocr.EngineKind]EngineMetrics, len(c.engines))
	for kind, st := range c.engines {
		out[kind] = st.EngineMetrics
	}
	return out
}

// Reset clears the metrics for one engine, or for all engines when kind is nil.
func (c *Collector) Reset(kind *ocr.EngineKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == nil {
		c.engines = make(map[ocr.EngineKind]*engineStats)
		return
	}
	delete(c.engines, *kind)
}

func (c *Collector) stats(kind ocr.EngineKind) *engineStats {
	st, ok := c.engines[kind]
	if !ok {
		st = &engineStats{}
		c.engines[kind] = st
	}
	return st
}

func (s *engineStats) observeLatency(latency time.Duration) {
	ms := latency.Milliseconds()
	if s.Requests == 1 {
		s.LatencyMeanMS = float64(ms)
		s.LatencyMinMS = ms
		s.LatencyMaxMS = ms
		return
	}
	s.LatencyMeanMS = ewmaAlpha*float64(ms) + (1-ewmaAlpha)*s.LatencyMeanMS
	if ms < s.LatencyMinMS {
		s.LatencyMinMS = ms
	}
	if ms > s.LatencyMaxMS {
		s.LatencyMaxMS = ms
	}
}

// FlushLoop flushes the collector through f every interval until ctx is done.
// Flush errors are logged and swallowed.
func (c *Collector) FlushLoop(ctx context.Context, f Flusher, interval time.Duration, logger telemetry.Logger) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Flush(ctx, c.Snapshot()); err != nil {
				logger.Warn(ctx, "engine metrics flush failed", "err", err)
			}
		}
	}
}
