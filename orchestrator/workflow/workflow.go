// Package workflow drives one OCR orchestration: it routes a document through
// the configured primary engine and fallback chain, persists a run per driver
// invocation, gates results on quality thresholds, selects a winner, and
// applies the selection to the document.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docuflow/ocrflow/orchestrator/breaker"
	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/quality"
	"github.com/docuflow/ocrflow/orchestrator/registry"
	"github.com/docuflow/ocrflow/orchestrator/runstore"
	"github.com/docuflow/ocrflow/orchestrator/selector"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
)

// ExecutionStatus is the terminal state of one orchestration.
type ExecutionStatus string

const (
	// StatusCompleted means a winner was selected and no engine failed
	// outright. Quality misses and budget cancellations degrade the result to
	// a warning, not a partial status.
	StatusCompleted ExecutionStatus = "completed"
	// StatusPartiallyCompleted means a winner was selected but an engine
	// failed outright, or the document update could not be applied.
	StatusPartiallyCompleted ExecutionStatus = "partially_completed"
	// StatusFailed means no engine produced a selectable result.
	StatusFailed ExecutionStatus = "failed"
	// StatusCancelled means the total-timeout budget or the caller cancelled
	// the execution before a winner existed.
	StatusCancelled ExecutionStatus = "cancelled"
)

type (
	// EngineAttempt records the outcome of one engine within an execution.
	EngineAttempt struct {
		EngineKind ocr.EngineKind
		RunID      string

		Succeeded     bool
		QualityPassed bool
		QualityScore  float64
		Category      ocr.Category
		Error         string

		Confidence float64
		LatencyMS  int64
	}

	// Execution is the record of one orchestration.
	Execution struct {
		ID         string
		DocumentID string
		WorkflowID string

		Status      ExecutionStatus
		StartedAt   time.Time
		CompletedAt time.Time

		Attempts []EngineAttempt

		SelectedRunID  string
		SelectedEngine ocr.EngineKind

		// Error summarizes the failure when Status is failed or cancelled.
		Error string
		// Warning lists the attempts that did not produce a passing result
		// when a winner was still selected.
		Warning string
	}

	// PhaseOutcome carries one executed attempt across a task boundary when
	// the primary and fallback phases run as separate tasks.
	PhaseOutcome struct {
		Attempt EngineAttempt `json:"attempt"`
		Run     runstore.Run  `json:"run"`
		Result  *ocr.Result   `json:"result,omitempty"`
	}

	// EngineOptions configures the workflow Engine.
	EngineOptions struct {
		Registry  *registry.Registry
		Runs      runstore.Store
		Documents runstore.DocumentStore
		Breakers  *breaker.Registry
		Collector *runstore.Collector
		Logger    telemetry.Logger
		Tracer    telemetry.Tracer
	}

	// Engine executes workflow configurations against documents.
	Engine struct {
		registry  *registry.Registry
		runs      runstore.Store
		docs      runstore.DocumentStore
		breakers  *breaker.Registry
		collector *runstore.Collector
		logger    telemetry.Logger
		tracer    telemetry.Tracer
	}

	// attemptOutcome is the in-memory result of one engine attempt, feeding
	// both the execution record and selection.
	attemptOutcome struct {
		attempt EngineAttempt
		run     runstore.Run
		result  *ocr.Result
	}
)

// NewEngine validates opts and returns an Engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("workflow: registry is required")
	}
	if opts.Runs == nil {
		return nil, fmt.Errorf("workflow: run store is required")
	}
	if opts.Documents == nil {
		return nil, fmt.Errorf("workflow: document store is required")
	}
	e := &Engine{
		registry:  opts.Registry,
		runs:      opts.Runs,
		docs:      opts.Documents,
		breakers:  opts.Breakers,
		collector: opts.Collector,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
	}
	if e.breakers == nil {
		e.breakers = breaker.NewRegistry(config.BreakerSettings{}, opts.Logger)
	}
	if e.collector == nil {
		e.collector = runstore.NewCollector()
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.tracer == nil {
		e.tracer = telemetry.NewNoopTracer()
	}
	return e, nil
}

// Execute runs cfg against the document. The returned Execution is always
// non-nil when the config validates; the error reports config or document
// lookup failures, not per-engine failures, which live in the attempts.
func (e *Engine) Execute(ctx context.Context, documentID string, cfg config.WorkflowConfig) (*Execution, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if s := cfg.ResultSelectionStrategy; s != "" && s != config.StrategyHighestConfidence {
		e.logger.Warn(ctx, "selection strategy not implemented, using highestConfidence", "strategy", string(s))
	}

	doc, err := e.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute")
	defer span.End()
	span.AddEvent("routing", "document_id", documentID, "workflow", cfg.Name)

	exec := e.newExecution(documentID, cfg)

	budget := ctx
	var cancel context.CancelFunc
	if cfg.TotalTimeout > 0 {
		budget, cancel = context.WithTimeout(ctx, cfg.TotalTimeout)
		defer cancel()
	}

	outcomes := e.route(budget, doc, cfg)
	e.finish(ctx, exec, doc, cfg, outcomes)
	return exec, nil
}

// ExecutePrimary runs only the primary phase of cfg against the document.
// When the primary result passes quality and cfg stops on success the
// workflow completes here and the returned Execution is terminal; otherwise
// the Execution is nil and the returned outcomes feed ExecuteFallbacks.
func (e *Engine) ExecutePrimary(ctx context.Context, documentID string, cfg config.WorkflowConfig) (*Execution, []PhaseOutcome, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	doc, err := e.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load document %s: %w", documentID, err)
	}

	budget := ctx
	var cancel context.CancelFunc
	if cfg.TotalTimeout > 0 {
		budget, cancel = context.WithTimeout(ctx, cfg.TotalTimeout)
		defer cancel()
	}

	o := e.attempt(budget, doc, cfg, cfg.Primary)
	if cfg.StopOnSuccess && o.attempt.Succeeded && o.attempt.QualityPassed {
		exec := e.newExecution(documentID, cfg)
		e.finish(ctx, exec, doc, cfg, []attemptOutcome{o})
		return exec, nil, nil
	}
	return nil, []PhaseOutcome{{Attempt: o.attempt, Run: o.run, Result: o.result}}, nil
}

// ExecuteFallbacks resumes an execution from the primary phase outcomes: it
// runs the fallback chain unless the primary already passed, then selects over
// every completed run. The Runs it produces match the in-process path.
func (e *Engine) ExecuteFallbacks(ctx context.Context, documentID string, cfg config.WorkflowConfig, prior []PhaseOutcome) (*Execution, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	doc, err := e.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", documentID, err)
	}

	exec := e.newExecution(documentID, cfg)

	budget := ctx
	var cancel context.CancelFunc
	if cfg.TotalTimeout > 0 {
		budget, cancel = context.WithTimeout(ctx, cfg.TotalTimeout)
		defer cancel()
	}

	outcomes := make([]attemptOutcome, 0, len(prior)+len(cfg.Fallbacks))
	passed := false
	for _, p := range prior {
		outcomes = append(outcomes, attemptOutcome{attempt: p.Attempt, run: p.Run, result: p.Result})
		if p.Attempt.Succeeded && p.Attempt.QualityPassed {
			passed = true
		}
	}
	if !cfg.StopOnSuccess || !passed {
		outcomes = append(outcomes, e.fallbackPhase(budget, doc, cfg)...)
	}
	e.finish(ctx, exec, doc, cfg, outcomes)
	return exec, nil
}

func (e *Engine) newExecution(documentID string, cfg config.WorkflowConfig) *Execution {
	return &Execution{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		WorkflowID: cfg.ID,
		StartedAt:  time.Now().UTC(),
	}
}

// finish records the attempts, runs selection and derives the terminal status.
func (e *Engine) finish(ctx context.Context, exec *Execution, doc runstore.Document, cfg config.WorkflowConfig, outcomes []attemptOutcome) {
	for _, o := range outcomes {
		exec.Attempts = append(exec.Attempts, o.attempt)
	}
	e.finalize(ctx, exec, doc, cfg, outcomes)
	exec.CompletedAt = time.Now().UTC()
	e.logger.Info(ctx, "workflow execution finished",
		"execution_id", exec.ID,
		"document_id", exec.DocumentID,
		"status", string(exec.Status),
		"attempts", len(exec.Attempts),
		"selected_engine", string(exec.SelectedEngine))
}

// route runs the primary and, when needed, the fallback chain. A quality-pass
// from the primary with StopOnSuccess set short-circuits everything else.
func (e *Engine) route(ctx context.Context, doc runstore.Document, cfg config.WorkflowConfig) []attemptOutcome {
	primary := e.attempt(ctx, doc, cfg, cfg.Primary)
	outcomes := []attemptOutcome{primary}
	if cfg.StopOnSuccess && primary.attempt.Succeeded && primary.attempt.QualityPassed {
		return outcomes
	}
	return append(outcomes, e.fallbackPhase(ctx, doc, cfg)...)
}

// fallbackPhase runs the fallback chain, sequentially or in parallel per cfg.
func (e *Engine) fallbackPhase(ctx context.Context, doc runstore.Document, cfg config.WorkflowConfig) []attemptOutcome {
	if len(cfg.Fallbacks) == 0 || ctx.Err() != nil {
		return nil
	}
	if cfg.ParallelFallbacks {
		return e.parallelFallbacks(ctx, doc, cfg)
	}
	var outcomes []attemptOutcome
	for _, fb := range cfg.Fallbacks {
		if ctx.Err() != nil {
			break
		}
		o := e.attempt(ctx, doc, cfg, fb)
		outcomes = append(outcomes, o)
		if cfg.StopOnSuccess && o.attempt.Succeeded && o.attempt.QualityPassed {
			break
		}
	}
	return outcomes
}

func (e *Engine) parallelFallbacks(ctx context.Context, doc runstore.Document, cfg config.WorkflowConfig) []attemptOutcome {
	var mu sync.Mutex
	outcomes := make([]attemptOutcome, 0, len(cfg.Fallbacks))

	g, gctx := errgroup.WithContext(ctx)
	limit := cfg.MaxParallelEngines
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, fb := range cfg.Fallbacks {
		fb := fb
		g.Go(func() error {
			o := e.attempt(gctx, doc, cfg, fb)
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
			// Attempt failures never abort sibling fallbacks.
			return nil
		})
	}
	_ = g.Wait() // goroutines always return nil
	return outcomes
}

// attempt runs one engine end to end: run record, breaker-guarded driver
// invocation, quality gate, run finalization, metrics.
func (e *Engine) attempt(ctx context.Context, doc runstore.Document, cfg config.WorkflowConfig, engCfg config.EngineConfig) attemptOutcome {
	out := attemptOutcome{attempt: EngineAttempt{EngineKind: engCfg.Kind}}

	runID, err := e.runs.CreateRun(ctx, doc.ID, engCfg.Kind, engCfg)
	if err != nil {
		e.logger.Error(ctx, "create run failed", "engine", engCfg.Kind, "err", err)
		out.attempt.Category = ocr.CategoryOf(err)
		out.attempt.Error = err.Error()
		return out
	}
	out.attempt.RunID = runID
	if merr := e.runs.MarkRunning(ctx, runID); merr != nil {
		e.logger.Error(ctx, "mark run running failed", "run_id", runID, "err", merr)
	}

	start := time.Now()
	result, err := e.invoke(ctx, engCfg, cfg, doc)
	latency := time.Since(start)
	out.attempt.LatencyMS = latency.Milliseconds()

	if err != nil {
		cat := ocr.CategoryOf(err)
		out.attempt.Category = cat
		out.attempt.Error = err.Error()
		e.collector.RecordFailure(engCfg.Kind, latency)

		finalize := e.runs.FailRun
		if cat == ocr.CategoryCancelled {
			finalize = e.runs.CancelRun
		}
		if ferr := finalize(ctx, runID, err.Error()); ferr != nil {
			e.logger.Error(ctx, "finalize run failed", "run_id", runID, "err", ferr)
		}
		e.logger.Warn(ctx, "engine attempt failed",
			"engine", engCfg.Kind, "category", string(cat), "err", err)
		return out
	}

	out.attempt.Succeeded = true
	out.attempt.Confidence = result.Confidence
	out.result = result

	thresholds := cfg.EffectiveThresholds(engCfg)
	eval := quality.Evaluate(result, thresholds)
	out.attempt.QualityPassed = eval.Passed
	out.attempt.QualityScore = eval.Score
	if !eval.Passed {
		out.attempt.Category = ocr.CategoryQualityFail
		out.attempt.Error = fmt.Sprintf("quality thresholds not met (score %.2f)", eval.Score)
	}

	summary := runstore.Summary{
		ConfidenceMean: result.Confidence,
		PagesParsed:    result.PageCount,
		WordCount:      result.WordCount,
		TableCount:     result.TableCount,
		CostCents:      e.estimateCost(ctx, engCfg, result.PageCount),
	}
	if cerr := e.runs.CompleteRun(ctx, runID, result, summary); cerr != nil {
		e.logger.Error(ctx, "complete run failed", "run_id", runID, "err", cerr)
	}
	e.collector.RecordSuccess(engCfg.Kind, latency, result.Confidence, summary.CostCents)

	out.run = runstore.Run{
		ID:             runID,
		DocumentID:     doc.ID,
		EngineKind:     engCfg.Kind,
		Status:         runstore.StatusCompleted,
		LatencyMS:      out.attempt.LatencyMS,
		ConfidenceMean: result.Confidence,
		PagesParsed:    result.PageCount,
		WordCount:      result.WordCount,
		TableCount:     result.TableCount,
		CostCents:      summary.CostCents,
	}
	return out
}

// invoke builds the managed driver and calls it under the engine's breaker.
func (e *Engine) invoke(ctx context.Context, engCfg config.EngineConfig, cfg config.WorkflowConfig, doc runstore.Document) (*ocr.Result, error) {
	driver, err := e.registry.Managed(ctx, engCfg, cfg.EffectiveRetryPolicy(engCfg))
	if err != nil {
		return nil, err
	}
	return e.breakers.Execute(ctx, engCfg.Kind, func() (*ocr.Result, error) {
		return driver.Analyze(ctx, doc.StoragePath)
	})
}

func (e *Engine) estimateCost(ctx context.Context, engCfg config.EngineConfig, pages int) *int64 {
	d, err := e.registry.Driver(ctx, engCfg)
	if err != nil {
		return nil
	}
	return d.EstimateCost(pages)
}

// finalize selects a winner among the completed runs, applies it to the
// document, and derives the execution status. Every completed run is a
// selection candidate: a run that missed its quality thresholds still beats
// no result at all.
func (e *Engine) finalize(ctx context.Context, exec *Execution, doc runstore.Document, cfg config.WorkflowConfig, outcomes []attemptOutcome) {
	var runs []runstore.Run
	results := make(map[string]*ocr.Result)
	hardFailed := false
	var degraded []EngineAttempt
	allCancelled := len(outcomes) > 0
	for _, o := range outcomes {
		if o.attempt.Succeeded {
			runs = append(runs, o.run)
			results[o.run.ID] = o.result
		} else if o.attempt.Category != ocr.CategoryCancelled {
			hardFailed = true
		}
		if !o.attempt.Succeeded || !o.attempt.QualityPassed {
			degraded = append(degraded, o.attempt)
		}
		if o.attempt.Category != ocr.CategoryCancelled {
			allCancelled = false
		}
	}

	winner, ok := selector.Select(runs, doc.PageCount, selector.Options{
		ConfidenceThreshold: cfg.GlobalQualityThresholds.MinConfidence,
	})
	if !ok {
		if allCancelled {
			exec.Status = StatusCancelled
		} else {
			exec.Status = StatusFailed
		}
		exec.Error = NewCompositeError(attemptsOf(outcomes)).Error()
		return
	}

	sel := runstore.Selection{
		DocumentID:     doc.ID,
		SelectedEngine: winner.EngineKind,
		SelectedRunID:  winner.ID,
		At:             time.Now().UTC(),
	}
	if res := results[winner.ID]; res != nil {
		sel.ExtractedText = res.Text
	}
	exec.SelectedRunID = winner.ID
	exec.SelectedEngine = winner.EngineKind
	if len(degraded) > 0 {
		exec.Warning = degradedWarning(degraded)
	}
	if err := e.docs.ApplySelection(ctx, sel); err != nil {
		// The winning run row is persistent even when the document write fails.
		e.logger.Error(ctx, "apply selection failed", "document_id", doc.ID, "err", err)
		exec.Status = StatusPartiallyCompleted
		exec.Error = fmt.Sprintf("apply selection: %v", err)
		return
	}
	if hardFailed {
		exec.Status = StatusPartiallyCompleted
	} else {
		exec.Status = StatusCompleted
	}
}

func attemptsOf(outcomes []attemptOutcome) []EngineAttempt {
	out := make([]EngineAttempt, len(outcomes))
	for i, o := range outcomes {
		out[i] = o.attempt
	}
	return out
}
