package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/docuflow/ocrflow/features/tasks/pulse/clients/pulse"
	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/runstore"
	"github.com/docuflow/ocrflow/orchestrator/tasks"
	"github.com/docuflow/ocrflow/orchestrator/workflow"
)

type addedEvent struct {
	name    string
	payload []byte
}

type fakeStream struct {
	mu    sync.Mutex
	added []addedEvent
	ch    chan *streaming.Event
	acks  int
}

func (f *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, addedEvent{name: event, payload: payload})
	return "1-0", nil
}

func (f *fakeStream) NewSink(context.Context, string, ...streamopts.Sink) (clientspulse.Sink, error) {
	return &fakeSink{stream: f}, nil
}

func (f *fakeStream) Destroy(context.Context) error { return nil }

func (f *fakeStream) events() []addedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]addedEvent(nil), f.added...)
}

type fakeSink struct{ stream *fakeStream }

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.stream.ch }

func (s *fakeSink) Ack(context.Context, *streaming.Event) error {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	s.stream.acks++
	return nil
}

func (s *fakeSink) Close(context.Context) {}

type fakePulse struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newFakePulse() *fakePulse {
	return &fakePulse{streams: make(map[string]*fakeStream)}
}

func (f *fakePulse) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	return f.stream(name), nil
}

func (f *fakePulse) Close(context.Context) error { return nil }

func (f *fakePulse) stream(name string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.streams[name]
	if !ok {
		s = &fakeStream{ch: make(chan *streaming.Event, 16)}
		f.streams[name] = s
	}
	return s
}

type fakeMap struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeMap() *fakeMap { return &fakeMap{data: make(map[string]string)} }

func (m *fakeMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *fakeMap) Set(_ context.Context, key, value string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.data[key]
	m.data[key] = value
	return prev, nil
}

func (m *fakeMap) Delete(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.data[key]
	delete(m.data, key)
	return prev, nil
}

func (m *fakeMap) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

type fakeRuns struct {
	runstore.Store
	runs []runstore.Run
}

func (f *fakeRuns) ListRunsForDocument(context.Context, string) ([]runstore.Run, error) {
	return f.runs, nil
}

type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	exec  *workflow.Execution
	err   error
	// primary makes ExecutePrimary report a miss carrying these outcomes.
	primary []workflow.PhaseOutcome
	// prior records what ExecuteFallbacks received.
	prior []workflow.PhaseOutcome
}

func (f *fakeEngine) Execute(_ context.Context, documentID string, _ config.WorkflowConfig) (*workflow.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, documentID)
	return f.exec, f.err
}

func (f *fakeEngine) ExecutePrimary(_ context.Context, documentID string, _ config.WorkflowConfig) (*workflow.Execution, []workflow.PhaseOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "primary:"+documentID)
	if f.err != nil {
		return nil, nil, f.err
	}
	if f.primary != nil {
		return nil, f.primary, nil
	}
	return f.exec, nil, nil
}

func (f *fakeEngine) ExecuteFallbacks(_ context.Context, documentID string, _ config.WorkflowConfig, prior []workflow.PhaseOutcome) (*workflow.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fallbacks:"+documentID)
	f.prior = prior
	return f.exec, f.err
}

func newTestClient(t *testing.T, fp *fakePulse, states *fakeMap) *Client {
	t.Helper()
	c, err := NewClient(ClientOptions{Pulse: fp, States: states, Runs: &fakeRuns{}})
	require.NoError(t, err)
	return c
}

func TestEnqueueOrchestration(t *testing.T) {
	fp := newFakePulse()
	states := newFakeMap()
	c := newTestClient(t, fp, states)

	taskID, err := c.EnqueueOrchestration(context.Background(), tasks.OrchestrateArgs{
		DocumentID:     "doc-1",
		WorkflowPreset: config.PresetAzurePrimary,
	})
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	// The state is pending before the task is visible to workers.
	state, err := c.ExecutionStatus(context.Background(), taskID)
	require.NoError(t, err)
	assert.True(t, state.Pending)
	assert.Equal(t, "doc-1", state.DocumentID)

	events := fp.stream(tasks.QueueDocumentProcessing).events()
	require.Len(t, events, 1)
	assert.Equal(t, tasks.TaskOrchestrateOCR, events[0].name)

	var env envelope
	require.NoError(t, json.Unmarshal(events[0].payload, &env))
	assert.Equal(t, taskID, env.TaskID)
	assert.Zero(t, env.Attempt)
}

func TestEnqueueOrchestrationValidation(t *testing.T) {
	c := newTestClient(t, newFakePulse(), newFakeMap())

	_, err := c.EnqueueOrchestration(context.Background(), tasks.OrchestrateArgs{WorkflowPreset: "p"})
	require.EqualError(t, err, "document id is required")
	_, err = c.EnqueueOrchestration(context.Background(), tasks.OrchestrateArgs{DocumentID: "d"})
	require.EqualError(t, err, "workflow preset is required")
}

func TestEnqueueOrchestrationRoutesQueue(t *testing.T) {
	fp := newFakePulse()
	c := newTestClient(t, fp, newFakeMap())

	_, err := c.EnqueueOrchestration(context.Background(), tasks.OrchestrateArgs{
		DocumentID:     "doc-1",
		WorkflowPreset: config.PresetOpenSource,
		Queue:          tasks.QueueHighPriority,
	})
	require.NoError(t, err)
	assert.Len(t, fp.stream(tasks.QueueHighPriority).events(), 1)
	assert.Empty(t, fp.stream(tasks.QueueDocumentProcessing).events())
}

func TestExecutionStatusNotFound(t *testing.T) {
	c := newTestClient(t, newFakePulse(), newFakeMap())
	_, err := c.ExecutionStatus(context.Background(), "absent")
	require.EqualError(t, err, "task absent not found")
}

func TestResetEngineMetricsPublishes(t *testing.T) {
	fp := newFakePulse()
	c := newTestClient(t, fp, newFakeMap())

	kind := ocr.EngineAzure
	require.NoError(t, c.ResetEngineMetrics(context.Background(), &kind))

	events := fp.stream(tasks.QueueDefault).events()
	require.Len(t, events, 1)
	assert.Equal(t, tasks.TaskResetEngineMetrics, events[0].name)
}

func newTestWorker(t *testing.T, fp *fakePulse, states *fakeMap, engine *fakeEngine, opts ...func(*WorkerOptions)) *Worker {
	t.Helper()
	wo := WorkerOptions{
		Pulse:   fp,
		States:  states,
		Engine:  engine,
		Presets: config.NewPresets(),
		Queues:  []string{tasks.QueueDocumentProcessing},
	}
	for _, o := range opts {
		o(&wo)
	}
	w, err := NewWorker(wo)
	require.NoError(t, err)
	return w
}

// enqueueAndDrain publishes args through a client, closes the queue stream so
// the worker drains it and returns, then runs the worker to completion.
func enqueueAndDrain(t *testing.T, fp *fakePulse, states *fakeMap, w *Worker, args tasks.OrchestrateArgs) string {
	t.Helper()
	c := newTestClient(t, fp, states)
	taskID, err := c.EnqueueOrchestration(context.Background(), args)
	require.NoError(t, err)

	queue := args.Queue
	if queue == "" {
		queue = tasks.QueueDocumentProcessing
	}
	qs := fp.stream(queue)
	events := qs.events()
	require.Len(t, events, 1)
	qs.ch <- &streaming.Event{ID: "1-0", EventName: events[0].name, Payload: events[0].payload}
	close(qs.ch)

	require.NoError(t, w.Run(context.Background()))
	return taskID
}

func TestWorkerRunsOrchestration(t *testing.T) {
	fp := newFakePulse()
	states := newFakeMap()
	engine := &fakeEngine{exec: &workflow.Execution{
		Status: workflow.StatusCompleted,
		Attempts: []workflow.EngineAttempt{
			{EngineKind: ocr.EngineAzure, RunID: "run-1", Succeeded: true, QualityPassed: true},
		},
		SelectedRunID:  "run-1",
		SelectedEngine: ocr.EngineAzure,
	}}
	w := newTestWorker(t, fp, states, engine)

	taskID := enqueueAndDrain(t, fp, states, w, tasks.OrchestrateArgs{
		DocumentID:     "doc-1",
		WorkflowPreset: config.PresetAzurePrimary,
	})

	require.Equal(t, []string{"doc-1"}, engine.calls)

	// Terminal state is queryable.
	c := newTestClient(t, fp, states)
	state, err := c.ExecutionStatus(context.Background(), taskID)
	require.NoError(t, err)
	assert.False(t, state.Pending)
	assert.Equal(t, workflow.StatusCompleted, state.Status)
	require.NotNil(t, state.Finished)

	// Progress stream carries start, per-engine, selection and finish events.
	progress := fp.stream(tasks.ProgressStreamName(taskID)).events()
	stages := make([]string, 0, len(progress))
	for _, evt := range progress {
		var p tasks.Progress
		require.NoError(t, json.Unmarshal(evt.payload, &p))
		stages = append(stages, p.Stage)
	}
	assert.Equal(t, []string{
		tasks.StageEngineStart,
		tasks.StageEngineDone,
		tasks.StageSelection,
		tasks.StageFinished,
	}, stages)

	assert.Equal(t, 1, fp.stream(tasks.QueueDocumentProcessing).acks)
}

func TestWorkerReportsFailedEngines(t *testing.T) {
	fp := newFakePulse()
	states := newFakeMap()
	engine := &fakeEngine{exec: &workflow.Execution{
		Status: workflow.StatusPartiallyCompleted,
		Attempts: []workflow.EngineAttempt{
			{EngineKind: ocr.EngineAzure, Succeeded: false, Error: "timeout"},
			{EngineKind: ocr.EngineTesseract, Succeeded: true, QualityPassed: true},
		},
		SelectedRunID:  "run-2",
		SelectedEngine: ocr.EngineTesseract,
	}}
	w := newTestWorker(t, fp, states, engine)

	taskID := enqueueAndDrain(t, fp, states, w, tasks.OrchestrateArgs{
		DocumentID:     "doc-1",
		WorkflowPreset: config.PresetGooglePrimary,
	})

	progress := fp.stream(tasks.ProgressStreamName(taskID)).events()
	var failed, done int
	lastFraction := 0.0
	var last tasks.Progress
	for _, evt := range progress {
		var p tasks.Progress
		require.NoError(t, json.Unmarshal(evt.payload, &p))
		switch p.Stage {
		case tasks.StageEngineFailed:
			failed++
		case tasks.StageEngineDone:
			done++
		}
		// The completion fraction only moves forward.
		assert.GreaterOrEqual(t, p.Fraction, lastFraction)
		assert.LessOrEqual(t, p.Fraction, 1.0)
		lastFraction = p.Fraction
		last = p
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, done)
	assert.Equal(t, tasks.StageFinished, last.Stage)
	assert.Equal(t, 1, last.EnginesCompleted)
	assert.Equal(t, 1, last.EnginesFailed)
	assert.Equal(t, 1.0, last.Fraction)
}

func TestWorkerSplitPhaseChainsFallbackTask(t *testing.T) {
	fp := newFakePulse()
	states := newFakeMap()
	engine := &fakeEngine{
		primary: []workflow.PhaseOutcome{{
			Attempt: workflow.EngineAttempt{EngineKind: ocr.EngineAzure, RunID: "run-1", Succeeded: true},
		}},
		exec: &workflow.Execution{
			Status: workflow.StatusCompleted,
			Attempts: []workflow.EngineAttempt{
				{EngineKind: ocr.EngineAzure, RunID: "run-1", Succeeded: true},
				{EngineKind: ocr.EngineGoogle, RunID: "run-2", Succeeded: true, QualityPassed: true},
			},
			SelectedRunID:  "run-2",
			SelectedEngine: ocr.EngineGoogle,
		},
	}
	w := newTestWorker(t, fp, states, engine)

	payload, err := json.Marshal(tasks.OrchestrateArgs{
		DocumentID:     "doc-1",
		WorkflowPreset: config.PresetAzurePrimary,
	})
	require.NoError(t, err)
	env := envelope{
		TaskID:   "task-1",
		TaskName: tasks.TaskProcessPrimaryOCR,
		Queue:    tasks.QueueDocumentProcessing,
		Payload:  payload,
		Enqueued: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	w.handle(context.Background(), tasks.QueueDocumentProcessing, &streaming.Event{ID: "1-0", EventName: env.TaskName, Payload: data})

	// The primary missed, so a fallback task is chained on the same queue.
	chained := fp.stream(tasks.QueueDocumentProcessing).events()
	require.Len(t, chained, 1)
	assert.Equal(t, tasks.TaskProcessFallbackOCR, chained[0].name)
	var next envelope
	require.NoError(t, json.Unmarshal(chained[0].payload, &next))
	assert.Equal(t, "task-1", next.TaskID)

	w.handle(context.Background(), tasks.QueueDocumentProcessing, &streaming.Event{ID: "1-1", EventName: next.TaskName, Payload: chained[0].payload})

	require.Equal(t, []string{"primary:doc-1", "fallbacks:doc-1"}, engine.calls)
	require.Len(t, engine.prior, 1)
	assert.Equal(t, "run-1", engine.prior[0].Attempt.RunID)

	c := newTestClient(t, fp, states)
	state, err := c.ExecutionStatus(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, state.Status)
	require.NotNil(t, state.Finished)
}

func TestWorkerRetriesInfrastructureFailure(t *testing.T) {
	fp := newFakePulse()
	states := newFakeMap()
	engine := &fakeEngine{err: errors.New("store unavailable")}
	w := newTestWorker(t, fp, states, engine)

	enqueueAndDrain(t, fp, states, w, tasks.OrchestrateArgs{
		DocumentID:     "doc-1",
		WorkflowPreset: config.PresetAzurePrimary,
	})

	retries := fp.stream(tasks.QueueRetryTasks).events()
	require.Len(t, retries, 1)
	var env envelope
	require.NoError(t, json.Unmarshal(retries[0].payload, &env))
	assert.Equal(t, 1, env.Attempt)
	require.NotNil(t, env.FirstFailed)
	assert.Empty(t, fp.stream(tasks.QueueFailedTasks).events())
}

func TestWorkerDeadLettersAfterExhaustion(t *testing.T) {
	fp := newFakePulse()
	states := newFakeMap()
	engine := &fakeEngine{err: errors.New("store unavailable")}
	w := newTestWorker(t, fp, states, engine, func(o *WorkerOptions) {
		o.MaxAttempts = 1
	})

	taskID := enqueueAndDrain(t, fp, states, w, tasks.OrchestrateArgs{
		DocumentID:     "doc-1",
		WorkflowPreset: config.PresetAzurePrimary,
	})

	dead := fp.stream(tasks.QueueFailedTasks).events()
	require.Len(t, dead, 1)
	var dl tasks.DeadLetter
	require.NoError(t, json.Unmarshal(dead[0].payload, &dl))
	assert.Equal(t, taskID, dl.TaskID)
	assert.Equal(t, 1, dl.Attempts)
	assert.Equal(t, "store unavailable", dl.LastError)
	assert.False(t, dl.DeadLettered.IsZero())

	c := newTestClient(t, fp, states)
	state, err := c.ExecutionStatus(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, state.Status)
	assert.Equal(t, "store unavailable", state.Error)
}

func TestWorkerUnknownPresetIsRetried(t *testing.T) {
	fp := newFakePulse()
	states := newFakeMap()
	engine := &fakeEngine{}
	w := newTestWorker(t, fp, states, engine)

	enqueueAndDrain(t, fp, states, w, tasks.OrchestrateArgs{
		DocumentID:     "doc-1",
		WorkflowPreset: "no_such_preset",
	})

	assert.Empty(t, engine.calls)
	assert.Len(t, fp.stream(tasks.QueueRetryTasks).events(), 1)
}

func TestWorkerResetMetrics(t *testing.T) {
	fp := newFakePulse()
	collector := runstore.NewCollector()
	collector.RecordSuccess(ocr.EngineAzure, 100*time.Millisecond, 0.9, nil)

	engine := &fakeEngine{}
	w := newTestWorker(t, fp, newFakeMap(), engine, func(o *WorkerOptions) {
		o.Collector = collector
		o.Queues = []string{tasks.QueueDefault}
	})

	c := newTestClient(t, fp, newFakeMap())
	require.NoError(t, c.ResetEngineMetrics(context.Background(), nil))

	qs := fp.stream(tasks.QueueDefault)
	events := qs.events()
	require.Len(t, events, 1)
	qs.ch <- &streaming.Event{ID: "1-0", EventName: events[0].name, Payload: events[0].payload}
	close(qs.ch)
	require.NoError(t, w.Run(context.Background()))

	assert.Empty(t, collector.Snapshot())
}

func TestWorkerDropsMalformedEnvelope(t *testing.T) {
	fp := newFakePulse()
	engine := &fakeEngine{}
	w := newTestWorker(t, fp, newFakeMap(), engine)

	qs := fp.stream(tasks.QueueDocumentProcessing)
	qs.ch <- &streaming.Event{ID: "1-0", Payload: []byte("not json")}
	close(qs.ch)
	require.NoError(t, w.Run(context.Background()))

	assert.Empty(t, engine.calls)
	assert.Empty(t, fp.stream(tasks.QueueRetryTasks).events())
	assert.Equal(t, 1, qs.acks)
}
