// Package pulse implements the task layer over Pulse streams: a client that
// enqueues orchestrations onto queue streams and a worker that consumes them,
// runs the workflow engine, publishes progress events, and keeps the
// queryable execution state in a replicated map.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	clientspulse "github.com/docuflow/ocrflow/features/tasks/pulse/clients/pulse"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/runstore"
	"github.com/docuflow/ocrflow/orchestrator/tasks"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
)

type (
	// Map is the minimal replicated-map contract required by the task layer.
	//
	// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`. It is
	// defined here to keep the task layer unit-testable without Redis.
	// Implementations must be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// envelope is the wire form of a queued task. The payload is task
	// specific; Attempt counts deliveries so the worker can dead-letter after
	// exhaustion.
	envelope struct {
		TaskID      string          `json:"taskId"`
		TaskName    string          `json:"taskName"`
		Queue       string          `json:"queue"`
		Attempt     int             `json:"attempt"`
		Payload     json.RawMessage `json:"payload"`
		Enqueued    time.Time       `json:"enqueued"`
		FirstFailed *time.Time      `json:"firstFailed,omitempty"`
	}

	// resetMetricsArgs is the payload of TaskResetEngineMetrics.
	resetMetricsArgs struct {
		// Kind is nil to reset every engine.
		Kind *ocr.EngineKind `json:"kind,omitempty"`
	}

	// ClientOptions configures the task client.
	ClientOptions struct {
		// Pulse is the stream client tasks are enqueued through. Required.
		Pulse clientspulse.Client
		// States is the replicated map holding execution states. Required.
		States Map
		// Runs serves DocumentRuns queries. Required.
		Runs runstore.Store
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Client enqueues tasks and answers status queries. It implements
	// tasks.Client.
	Client struct {
		pulse  clientspulse.Client
		states Map
		runs   runstore.Store
		logger telemetry.Logger
	}
)

var _ tasks.Client = (*Client)(nil)

// stateKey returns the replicated-map key of a task's execution state.
func stateKey(taskID string) string {
	return "task:" + taskID
}

// NewClient validates opts and returns a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Pulse == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.States == nil {
		return nil, errors.New("state map is required")
	}
	if opts.Runs == nil {
		return nil, errors.New("run store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		pulse:  opts.Pulse,
		states: opts.States,
		runs:   opts.Runs,
		logger: logger,
	}, nil
}

// EnqueueOrchestration schedules an OCR orchestration and returns its task ID.
// The execution state is recorded as pending before the task is published so
// a status query issued right after enqueue never misses.
func (c *Client) EnqueueOrchestration(ctx context.Context, args tasks.OrchestrateArgs) (string, error) {
	if args.DocumentID == "" {
		return "", errors.New("document id is required")
	}
	if args.WorkflowPreset == "" {
		return "", errors.New("workflow preset is required")
	}
	queue := args.Queue
	if queue == "" {
		queue = tasks.QueueDocumentProcessing
	}

	taskID := uuid.NewString()
	now := time.Now().UTC()
	if err := c.putState(ctx, tasks.ExecutionState{
		TaskID:     taskID,
		DocumentID: args.DocumentID,
		Pending:    true,
		Enqueued:   now,
	}); err != nil {
		return "", err
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal orchestrate args: %w", err)
	}
	env := envelope{
		TaskID:   taskID,
		TaskName: tasks.TaskOrchestrateOCR,
		Queue:    queue,
		Payload:  payload,
		Enqueued: now,
	}
	if err := c.publish(ctx, queue, env); err != nil {
		return "", err
	}
	c.logger.Info(ctx, "orchestration enqueued",
		"task_id", taskID,
		"document_id", args.DocumentID,
		"preset", args.WorkflowPreset,
		"queue", queue,
	)
	return taskID, nil
}

// ExecutionStatus reports the current state of an enqueued orchestration.
func (c *Client) ExecutionStatus(ctx context.Context, taskID string) (tasks.ExecutionState, error) {
	if err := ctx.Err(); err != nil {
		return tasks.ExecutionState{}, err
	}
	val, ok := c.states.Get(stateKey(taskID))
	if !ok {
		return tasks.ExecutionState{}, fmt.Errorf("task %s not found", taskID)
	}
	var state tasks.ExecutionState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return tasks.ExecutionState{}, fmt.Errorf("unmarshal execution state: %w", err)
	}
	return state, nil
}

// DocumentRuns lists the persisted runs of a document, newest last.
func (c *Client) DocumentRuns(ctx context.Context, documentID string) ([]runstore.Run, error) {
	return c.runs.ListRunsForDocument(ctx, documentID)
}

// ResetEngineMetrics publishes a metrics reset so every worker clears its
// collector. A nil kind resets all engines.
func (c *Client) ResetEngineMetrics(ctx context.Context, kind *ocr.EngineKind) error {
	payload, err := json.Marshal(resetMetricsArgs{Kind: kind})
	if err != nil {
		return fmt.Errorf("marshal reset args: %w", err)
	}
	return c.publish(ctx, tasks.QueueDefault, envelope{
		TaskID:   uuid.NewString(),
		TaskName: tasks.TaskResetEngineMetrics,
		Queue:    tasks.QueueDefault,
		Payload:  payload,
		Enqueued: time.Now().UTC(),
	})
}

func (c *Client) publish(ctx context.Context, queue string, env envelope) error {
	return publishEnvelope(ctx, c.pulse, queue, env)
}

func (c *Client) putState(ctx context.Context, state tasks.ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal execution state: %w", err)
	}
	if _, err := c.states.Set(ctx, stateKey(state.TaskID), string(data)); err != nil {
		return fmt.Errorf("store execution state: %w", err)
	}
	return nil
}
