// Package rmap flushes engine metrics into a Pulse replicated map so every
// node sees the same aggregate view and operational tooling can read it
// without touching worker processes.
package rmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/runstore"
)

type (
	// Map is the minimal replicated-map contract required by the flusher.
	//
	// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`. It is
	// defined here to keep the flusher unit-testable without Redis.
	// Implementations must be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Flusher writes collector snapshots into a replicated map, one entry per
	// engine. It implements runstore.Flusher.
	Flusher struct {
		m Map
	}

	// record is the stored form of one engine's metrics.
	record struct {
		runstore.EngineMetrics
		UpdatedAt time.Time `json:"updatedAt"`
	}
)

var _ runstore.Flusher = (*Flusher)(nil)

const metricsKeyPrefix = "metrics:engine:"

// New returns a Flusher backed by the given map.
func New(m Map) (*Flusher, error) {
	if m == nil {
		return nil, errors.New("replicated map is required")
	}
	return &Flusher{m: m}, nil
}

// Flush writes one entry per engine and removes entries for engines absent
// from the snapshot, so a reset propagates to readers.
func (f *Flusher) Flush(ctx context.Context, snapshot map[ocr.EngineKind]runstore.EngineMetrics) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	seen := make(map[string]bool, len(snapshot))
	for kind, metrics := range snapshot {
		key := metricsKey(kind)
		seen[key] = true
		data, err := json.Marshal(record{EngineMetrics: metrics, UpdatedAt: now})
		if err != nil {
			return fmt.Errorf("marshal metrics for %s: %w", kind, err)
		}
		if _, err := f.m.Set(ctx, key, string(data)); err != nil {
			return fmt.Errorf("store metrics for %s: %w", kind, err)
		}
	}
	for _, key := range f.m.Keys() {
		if !isMetricsKey(key) || seen[key] {
			continue
		}
		if _, err := f.m.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete stale metrics %s: %w", key, err)
		}
	}
	return nil
}

// Read returns the flushed metrics of every engine present in the map.
func (f *Flusher) Read() (map[ocr.EngineKind]runstore.EngineMetrics, error) {
	out := make(map[ocr.EngineKind]runstore.EngineMetrics)
	for _, key := range f.m.Keys() {
		if !isMetricsKey(key) {
			continue
		}
		val, ok := f.m.Get(key)
		if !ok {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal metrics %s: %w", key, err)
		}
		out[ocr.EngineKind(key[len(metricsKeyPrefix):])] = rec.EngineMetrics
	}
	return out, nil
}

func metricsKey(kind ocr.EngineKind) string {
	return metricsKeyPrefix + string(kind)
}

func isMetricsKey(key string) bool {
	return len(key) > len(metricsKeyPrefix) && key[:len(metricsKeyPrefix)] == metricsKeyPrefix
}
