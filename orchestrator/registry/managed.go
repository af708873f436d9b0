package registry

import (
	"context"

	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/preprocess"
	"github.com/docuflow/ocrflow/orchestrator/ratelimit"
	"github.com/docuflow/ocrflow/orchestrator/retry"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
)

// managed decorates a raw driver with the invocation pipeline. A rate-limit
// rejection fails the call immediately, without consuming a retry attempt:
// the workflow engine routes to the next engine instead of waiting out the
// window.
type managed struct {
	inner   ocr.Driver
	cfg     config.EngineConfig
	policy  config.RetryPolicy
	limiter *ratelimit.Limiter
	logger  telemetry.Logger
}

var _ ocr.Driver = (*managed)(nil)

func (m *managed) Kind() ocr.EngineKind { return m.inner.Kind() }

func (m *managed) Name() string { return m.inner.Name() }

func (m *managed) EstimateCost(pageCount int) *int64 { return m.inner.EstimateCost(pageCount) }

func (m *managed) HealthCheck(ctx context.Context) ocr.Health { return m.inner.HealthCheck(ctx) }

func (m *managed) Analyze(ctx context.Context, documentPath string, features ...ocr.Feature) (*ocr.Result, error) {
	if err := m.limiter.Allow(m.Kind()); err != nil {
		return nil, err
	}

	path, cleanup, err := preprocess.Apply(documentPath, m.cfg.Preprocess, m.Kind())
	if err != nil {
		return nil, err
	}
	defer cleanup()
	if path != documentPath {
		m.logger.Debug(ctx, "preprocessed document", "engine", m.Kind(), "path", path)
	}

	// The engine timeout is one wall-clock budget for the whole call,
	// retries and backoff included.
	callCtx := ctx
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	var res *ocr.Result
	err = retry.Do(callCtx, m.policy, func(ctx context.Context) error {
		r, err := m.inner.Analyze(ctx, path, features...)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		// A call that ran out its own budget timed out; it was not cancelled
		// by the caller.
		if ctx.Err() == nil && callCtx.Err() == context.DeadlineExceeded {
			return nil, ocr.Transient(m.Kind(), "analyze", err)
		}
		return nil, err
	}
	return res, nil
}
