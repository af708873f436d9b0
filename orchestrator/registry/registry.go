// Package registry constructs and caches OCR drivers. Cloud drivers are
// singletons per engine kind: their clients hold connection pools worth
// reusing. Local drivers are built per call, since they shell out to binaries
// and carry per-config state. Construction is gated by a health check so a
// missing credential or binary surfaces as a configuration error naming the
// prerequisite, before any run is recorded.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/ratelimit"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
)

type (
	// Factory builds a driver from an engine config.
	Factory func(ctx context.Context, cfg config.EngineConfig) (ocr.Driver, error)

	// Options configures the Registry.
	Options struct {
		// Factories maps engine kinds to their constructors. Kinds without a
		// factory are unavailable.
		Factories map[ocr.EngineKind]Factory
		// Limiter enforces per-engine request caps inside managed drivers.
		// Nil means unlimited.
		Limiter *ratelimit.Limiter
		// HealthCheckTimeout bounds the construction-time health probe;
		// defaults to 10s.
		HealthCheckTimeout time.Duration
		// SkipHealthCheck disables the construction-time probe, for tests.
		SkipHealthCheck bool
		// Logger receives construction diagnostics.
		Logger telemetry.Logger
	}

	// Registry hands out drivers by engine config.
	Registry struct {
		factories   map[ocr.EngineKind]Factory
		limiter     *ratelimit.Limiter
		healthWait  time.Duration
		skipHealth  bool
		logger      telemetry.Logger

		mu    sync.Mutex
		cloud map[ocr.EngineKind]ocr.Driver
	}
)

// New returns a Registry over the given factories.
func New(opts Options) *Registry {
	r := &Registry{
		factories:  opts.Factories,
		limiter:    opts.Limiter,
		healthWait: opts.HealthCheckTimeout,
		skipHealth: opts.SkipHealthCheck,
		logger:     opts.Logger,
		cloud:      make(map[ocr.EngineKind]ocr.Driver),
	}
	if r.factories == nil {
		r.factories = make(map[ocr.EngineKind]Factory)
	}
	if r.healthWait <= 0 {
		r.healthWait = 10 * time.Second
	}
	if r.limiter == nil {
		r.limiter = ratelimit.New(nil)
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	return r
}

// Register installs or replaces the factory for a kind.
func (r *Registry) Register(kind ocr.EngineKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
	delete(r.cloud, kind)
}

// Available reports whether a factory exists for the kind.
func (r *Registry) Available(kind ocr.EngineKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[kind]
	return ok
}

// Driver returns the raw driver for cfg, building it on first use for cloud
// kinds and per call for local ones.
func (r *Registry) Driver(ctx context.Context, cfg config.EngineConfig) (ocr.Driver, error) {
	if !cfg.Enabled {
		return nil, ocr.Configuration(cfg.Kind, "driver", fmt.Errorf("engine is disabled"))
	}
	r.mu.Lock()
	factory, ok := r.factories[cfg.Kind]
	if !ok {
		r.mu.Unlock()
		return nil, ocr.Configuration(cfg.Kind, "driver", fmt.Errorf("no factory registered for engine %q", cfg.Kind))
	}
	if !cfg.Kind.Local() {
		if d, ok := r.cloud[cfg.Kind]; ok {
			r.mu.Unlock()
			return d, nil
		}
	}
	r.mu.Unlock()

	d, err := factory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if !r.skipHealth {
		hctx, cancel := context.WithTimeout(ctx, r.healthWait)
		h := d.HealthCheck(hctx)
		cancel()
		if !h.Healthy {
			return nil, ocr.Configuration(cfg.Kind, "driver",
				fmt.Errorf("engine prerequisite not satisfied: %s", h.Details))
		}
	}

	if !cfg.Kind.Local() {
		r.mu.Lock()
		if cached, ok := r.cloud[cfg.Kind]; ok {
			d = cached
		} else {
			r.cloud[cfg.Kind] = d
		}
		r.mu.Unlock()
	}
	r.logger.Debug(ctx, "driver ready", "engine", cfg.Kind, "name", d.Name())
	return d, nil
}

// Managed returns the driver for cfg wrapped in the invocation pipeline:
// rate limit, preprocessing, per-attempt timeout, category-driven retry.
func (r *Registry) Managed(ctx context.Context, cfg config.EngineConfig, policy config.RetryPolicy) (ocr.Driver, error) {
	inner, err := r.Driver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &managed{
		inner:   inner,
		cfg:     cfg,
		policy:  policy,
		limiter: r.limiter,
		logger:  r.logger,
	}, nil
}
