package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/streaming"

	clientspulse "github.com/docuflow/ocrflow/features/tasks/pulse/clients/pulse"
	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/runstore"
	"github.com/docuflow/ocrflow/orchestrator/tasks"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
	"github.com/docuflow/ocrflow/orchestrator/workflow"
)

type (
	// Orchestrator is the workflow surface the worker drives. *workflow.Engine
	// satisfies it.
	Orchestrator interface {
		Execute(ctx context.Context, documentID string, cfg config.WorkflowConfig) (*workflow.Execution, error)
		ExecutePrimary(ctx context.Context, documentID string, cfg config.WorkflowConfig) (*workflow.Execution, []workflow.PhaseOutcome, error)
		ExecuteFallbacks(ctx context.Context, documentID string, cfg config.WorkflowConfig, prior []workflow.PhaseOutcome) (*workflow.Execution, error)
	}

	// WorkerOptions configures a task worker.
	WorkerOptions struct {
		// Pulse is the stream client queues are consumed through. Required.
		Pulse clientspulse.Client
		// States is the replicated map holding execution states. Required.
		States Map
		// Engine executes orchestrations. Required.
		Engine Orchestrator
		// Presets resolves workflow preset names. Required.
		Presets *config.Presets
		// Collector serves metrics reset tasks. Optional.
		Collector *runstore.Collector
		// Queues lists the queue streams to consume. Defaults to every
		// work-carrying queue (dead letters are not consumed).
		Queues []string
		// SinkName identifies the consumer group. Defaults to "ocrflow_worker".
		SinkName string
		// MaxAttempts bounds deliveries per task before dead-lettering.
		// Defaults to 3.
		MaxAttempts int
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Worker consumes queue streams and executes the tasks they carry.
	Worker struct {
		pulse       clientspulse.Client
		states      Map
		engine      Orchestrator
		presets     *config.Presets
		collector   *runstore.Collector
		queues      []string
		sinkName    string
		maxAttempts int
		logger      telemetry.Logger

		wg sync.WaitGroup
	}
)

// defaultQueues lists the streams a worker drains when none are configured.
// Failed tasks are kept for operators and never replayed automatically.
func defaultQueues() []string {
	return []string{
		tasks.QueueDefault,
		tasks.QueueEmailIngestion,
		tasks.QueueDocumentProcessing,
		tasks.QueueHighPriority,
		tasks.QueueLongRunning,
		tasks.QueueRetryTasks,
	}
}

// NewWorker validates opts and returns a Worker.
func NewWorker(opts WorkerOptions) (*Worker, error) {
	if opts.Pulse == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.States == nil {
		return nil, errors.New("state map is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("workflow engine is required")
	}
	if opts.Presets == nil {
		return nil, errors.New("presets are required")
	}
	w := &Worker{
		pulse:       opts.Pulse,
		states:      opts.States,
		engine:      opts.Engine,
		presets:     opts.Presets,
		collector:   opts.Collector,
		queues:      opts.Queues,
		sinkName:    opts.SinkName,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
	}
	if len(w.queues) == 0 {
		w.queues = defaultQueues()
	}
	if w.sinkName == "" {
		w.sinkName = "ocrflow_worker"
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 3
	}
	if w.collector == nil {
		w.collector = runstore.NewCollector()
	}
	if w.logger == nil {
		w.logger = telemetry.NewNoopLogger()
	}
	return w, nil
}

// Run consumes the configured queues until ctx is cancelled. It blocks; run it
// in its own goroutine when composing a process.
func (w *Worker) Run(ctx context.Context) error {
	sinks := make([]clientspulse.Sink, 0, len(w.queues))
	closeAll := func() {
		for _, s := range sinks {
			s.Close(context.Background())
		}
	}
	for _, queue := range w.queues {
		str, err := w.pulse.Stream(queue)
		if err != nil {
			closeAll()
			return fmt.Errorf("open queue %s: %w", queue, err)
		}
		sink, err := str.NewSink(ctx, w.sinkName)
		if err != nil {
			closeAll()
			return fmt.Errorf("open sink on %s: %w", queue, err)
		}
		sinks = append(sinks, sink)
		w.wg.Add(1)
		go w.consume(ctx, queue, sink)
	}
	w.wg.Wait()
	closeAll()
	return nil
}

// consume drains one queue sink until ctx is cancelled or the sink closes.
func (w *Worker) consume(ctx context.Context, queue string, sink clientspulse.Sink) {
	defer w.wg.Done()
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			w.handle(ctx, queue, evt)
			if err := sink.Ack(ctx, evt); err != nil && ctx.Err() == nil {
				w.logger.Error(ctx, "task ack failed", "queue", queue, "err", err)
			}
		}
	}
}

// handle runs one delivery. Failures of the task itself are routed to the
// retry queue or dead-lettered; the delivery is always acked by the caller so
// a poisonous payload cannot wedge the consumer group.
func (w *Worker) handle(ctx context.Context, queue string, evt *streaming.Event) {
	var env envelope
	if err := json.Unmarshal(evt.Payload, &env); err != nil {
		w.logger.Error(ctx, "dropping malformed task envelope", "queue", queue, "err", err)
		return
	}
	var err error
	switch env.TaskName {
	case tasks.TaskOrchestrateOCR, tasks.TaskReprocessOCR:
		err = w.orchestrate(ctx, env)
	case tasks.TaskProcessPrimaryOCR:
		err = w.processPrimary(ctx, env)
	case tasks.TaskProcessFallbackOCR:
		err = w.processFallbacks(ctx, env)
	case tasks.TaskResetEngineMetrics:
		err = w.resetMetrics(ctx, env)
	default:
		w.logger.Warn(ctx, "dropping unknown task", "task", env.TaskName, "queue", queue)
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-task: requeue on a fresh context so the delivery
			// is not lost.
			ctx = context.Background()
		}
		w.retryOrDeadLetter(ctx, env, err)
	}
}

// orchestrate executes one TaskOrchestrateOCR delivery. Engine-level failures
// inside the workflow are terminal states of the execution, not task errors;
// only infrastructure failures (unknown preset, store errors) are returned
// for retry.
func (w *Worker) orchestrate(ctx context.Context, env envelope) error {
	var args tasks.OrchestrateArgs
	if err := json.Unmarshal(env.Payload, &args); err != nil {
		return fmt.Errorf("unmarshal orchestrate args: %w", err)
	}
	cfg, err := w.resolveConfig(args)
	if err != nil {
		return err
	}
	state := w.beginState(ctx, env, args.DocumentID)
	w.progress(ctx, env.TaskID, tasks.Progress{
		DocumentID: args.DocumentID,
		Stage:      tasks.StageEngineStart,
		Fraction:   startFraction,
		Detail:     cfg.Name,
	})

	exec, err := w.engine.Execute(ctx, args.DocumentID, cfg)
	if err != nil {
		return err
	}
	w.reportExecution(ctx, env.TaskID, args.DocumentID, state, exec)
	return nil
}

// processPrimary executes only the primary phase and chains the fallback task
// on the same queue unless the workflow already settled.
func (w *Worker) processPrimary(ctx context.Context, env envelope) error {
	var args tasks.OrchestrateArgs
	if err := json.Unmarshal(env.Payload, &args); err != nil {
		return fmt.Errorf("unmarshal primary args: %w", err)
	}
	cfg, err := w.resolveConfig(args)
	if err != nil {
		return err
	}
	state := w.beginState(ctx, env, args.DocumentID)
	w.progress(ctx, env.TaskID, tasks.Progress{
		DocumentID: args.DocumentID,
		Stage:      tasks.StageEngineStart,
		EngineKind: cfg.Primary.Kind,
		Fraction:   startFraction,
		Detail:     cfg.Name,
	})

	exec, prior, err := w.engine.ExecutePrimary(ctx, args.DocumentID, cfg)
	if err != nil {
		return err
	}
	if exec != nil {
		w.reportExecution(ctx, env.TaskID, args.DocumentID, state, exec)
		return nil
	}
	payload, err := json.Marshal(tasks.ProcessFallbackArgs{OrchestrateArgs: args, Primary: prior})
	if err != nil {
		return fmt.Errorf("marshal fallback args: %w", err)
	}
	return publishEnvelope(ctx, w.pulse, env.Queue, envelope{
		TaskID:   env.TaskID,
		TaskName: tasks.TaskProcessFallbackOCR,
		Queue:    env.Queue,
		Payload:  payload,
		Enqueued: env.Enqueued,
	})
}

// processFallbacks resumes a split workflow from the primary phase outcomes.
func (w *Worker) processFallbacks(ctx context.Context, env envelope) error {
	var args tasks.ProcessFallbackArgs
	if err := json.Unmarshal(env.Payload, &args); err != nil {
		return fmt.Errorf("unmarshal fallback args: %w", err)
	}
	cfg, err := w.resolveConfig(args.OrchestrateArgs)
	if err != nil {
		return err
	}
	state := w.beginState(ctx, env, args.DocumentID)
	exec, err := w.engine.ExecuteFallbacks(ctx, args.DocumentID, cfg, args.Primary)
	if err != nil {
		return err
	}
	w.reportExecution(ctx, env.TaskID, args.DocumentID, state, exec)
	return nil
}

// resolveConfig resolves the preset named by args and applies its overrides.
func (w *Worker) resolveConfig(args tasks.OrchestrateArgs) (config.WorkflowConfig, error) {
	cfg, err := w.presets.Get(args.WorkflowPreset)
	if err != nil {
		return config.WorkflowConfig{}, err
	}
	if args.Overrides != nil {
		cfg = args.Overrides.Merge(cfg)
	}
	return cfg, nil
}

// beginState marks the task as picked up by a worker.
func (w *Worker) beginState(ctx context.Context, env envelope, documentID string) tasks.ExecutionState {
	state, _ := w.loadState(env.TaskID)
	state.TaskID = env.TaskID
	state.DocumentID = documentID
	state.Pending = false
	if state.Enqueued.IsZero() {
		state.Enqueued = env.Enqueued
	}
	w.storeState(ctx, state)
	return state
}

// Progress fractions of the fixed reporting stages: startup, the engine span,
// then selection and wrap-up.
const (
	startFraction     = 0.1
	engineSpan        = 0.7
	selectionFraction = 0.9
)

// reportExecution publishes per-attempt, selection and finish progress events
// and stores the terminal execution state.
func (w *Worker) reportExecution(ctx context.Context, taskID, documentID string, state tasks.ExecutionState, exec *workflow.Execution) {
	total := len(exec.Attempts)
	completed, failed := 0, 0
	for _, att := range exec.Attempts {
		stage := tasks.StageEngineDone
		detail := ""
		if !att.Succeeded {
			stage = tasks.StageEngineFailed
			detail = att.Error
			failed++
		} else {
			completed++
			if !att.QualityPassed {
				detail = "quality thresholds not met"
			}
		}
		fraction := selectionFraction
		if total > 0 {
			fraction = startFraction + engineSpan*float64(completed+failed)/float64(total)
		}
		w.progress(ctx, taskID, tasks.Progress{
			DocumentID:       documentID,
			Stage:            stage,
			EngineKind:       att.EngineKind,
			EnginesCompleted: completed,
			EnginesFailed:    failed,
			Fraction:         fraction,
			Detail:           detail,
		})
	}
	if exec.SelectedRunID != "" {
		w.progress(ctx, taskID, tasks.Progress{
			DocumentID:       documentID,
			Stage:            tasks.StageSelection,
			EngineKind:       exec.SelectedEngine,
			EnginesCompleted: completed,
			EnginesFailed:    failed,
			Fraction:         selectionFraction,
			Detail:           exec.SelectedRunID,
		})
	}
	w.progress(ctx, taskID, tasks.Progress{
		DocumentID:       documentID,
		Stage:            tasks.StageFinished,
		EnginesCompleted: completed,
		EnginesFailed:    failed,
		Fraction:         1,
		Detail:           string(exec.Status),
	})

	now := time.Now().UTC()
	state.Status = exec.Status
	state.Error = exec.Error
	state.Finished = &now
	w.storeState(ctx, state)
}

// resetMetrics executes one TaskResetEngineMetrics delivery.
func (w *Worker) resetMetrics(ctx context.Context, env envelope) error {
	var args resetMetricsArgs
	if err := json.Unmarshal(env.Payload, &args); err != nil {
		return fmt.Errorf("unmarshal reset args: %w", err)
	}
	w.collector.Reset(args.Kind)
	if args.Kind != nil {
		w.logger.Info(ctx, "engine metrics reset", "engine", string(*args.Kind))
	} else {
		w.logger.Info(ctx, "engine metrics reset", "engine", "all")
	}
	return nil
}

// retryOrDeadLetter requeues a failed delivery on the retry queue, or moves it
// to the failed-tasks queue once attempts are exhausted.
func (w *Worker) retryOrDeadLetter(ctx context.Context, env envelope, cause error) {
	env.Attempt++
	if env.FirstFailed == nil {
		now := time.Now().UTC()
		env.FirstFailed = &now
	}

	if env.Attempt < w.maxAttempts {
		w.logger.Warn(ctx, "task failed, scheduling retry",
			"task_id", env.TaskID,
			"task", env.TaskName,
			"attempt", env.Attempt,
			"err", cause,
		)
		if err := publishEnvelope(ctx, w.pulse, tasks.QueueRetryTasks, env); err != nil {
			w.logger.Error(ctx, "retry enqueue failed", "task_id", env.TaskID, "err", err)
		}
		return
	}

	dl := tasks.DeadLetter{
		TaskID:       env.TaskID,
		TaskName:     env.TaskName,
		Queue:        env.Queue,
		Payload:      env.Payload,
		Attempts:     env.Attempt,
		LastError:    cause.Error(),
		FirstFailed:  *env.FirstFailed,
		DeadLettered: time.Now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		w.logger.Error(ctx, "dead letter marshal failed", "task_id", env.TaskID, "err", err)
		return
	}
	str, err := w.pulse.Stream(tasks.QueueFailedTasks)
	if err == nil {
		_, err = str.Add(ctx, env.TaskName, data)
	}
	if err != nil {
		w.logger.Error(ctx, "dead letter enqueue failed", "task_id", env.TaskID, "err", err)
	} else {
		w.logger.Error(ctx, "task dead lettered",
			"task_id", env.TaskID,
			"task", env.TaskName,
			"attempts", env.Attempt,
			"err", cause,
		)
	}

	state, ok := w.loadState(env.TaskID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	state.Pending = false
	state.Status = workflow.StatusFailed
	state.Error = cause.Error()
	state.Finished = &now
	w.storeState(ctx, state)
}

// progress publishes one progress event to the task's progress stream.
// Progress is advisory: failures are logged and never fail the task.
func (w *Worker) progress(ctx context.Context, taskID string, p tasks.Progress) {
	p.TaskID = taskID
	p.At = time.Now().UTC()
	data, err := json.Marshal(p)
	if err != nil {
		w.logger.Warn(ctx, "progress marshal failed", "task_id", taskID, "err", err)
		return
	}
	str, err := w.pulse.Stream(tasks.ProgressStreamName(taskID))
	if err == nil {
		_, err = str.Add(ctx, "progress", data)
	}
	if err != nil {
		w.logger.Warn(ctx, "progress publish failed", "task_id", taskID, "err", err)
	}
}

func (w *Worker) loadState(taskID string) (tasks.ExecutionState, bool) {
	val, ok := w.states.Get(stateKey(taskID))
	if !ok {
		return tasks.ExecutionState{}, false
	}
	var state tasks.ExecutionState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return tasks.ExecutionState{}, false
	}
	return state, true
}

func (w *Worker) storeState(ctx context.Context, state tasks.ExecutionState) {
	data, err := json.Marshal(state)
	if err != nil {
		w.logger.Error(ctx, "execution state marshal failed", "task_id", state.TaskID, "err", err)
		return
	}
	if _, err := w.states.Set(ctx, stateKey(state.TaskID), string(data)); err != nil {
		w.logger.Error(ctx, "execution state store failed", "task_id", state.TaskID, "err", err)
	}
}

// publishEnvelope writes one task envelope to a queue stream.
func publishEnvelope(ctx context.Context, p clientspulse.Client, queue string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal task envelope: %w", err)
	}
	str, err := p.Stream(queue)
	if err != nil {
		return err
	}
	if _, err := str.Add(ctx, env.TaskName, data); err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", env.TaskName, queue, err)
	}
	return nil
}
