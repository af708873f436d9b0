// Package tasks defines the asynchronous task contracts of the platform: task
// and queue names, payload envelopes, progress events, and the client surface
// API handlers enqueue through. The Pulse-backed implementation lives under
// features/tasks.
package tasks

import (
	"context"
	"time"

	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/runstore"
	"github.com/docuflow/ocrflow/orchestrator/workflow"
)

// Task names, stable across producers and workers.
const (
	// TaskOrchestrateOCR runs one workflow execution against a document.
	TaskOrchestrateOCR = "ocr.orchestrate"
	// TaskReprocessOCR replays the workflow for an already processed document.
	// Same payload as TaskOrchestrateOCR; every run is new.
	TaskReprocessOCR = "ocr.reprocess"
	// TaskProcessPrimaryOCR runs only the primary phase and chains
	// TaskProcessFallbackOCR when the primary does not settle the workflow.
	// Used by deployments that split phases across heterogeneous workers.
	TaskProcessPrimaryOCR = "ocr.process_primary"
	// TaskProcessFallbackOCR runs the fallback chain and selection over a
	// primary phase outcome.
	TaskProcessFallbackOCR = "ocr.process_fallback"
	// TaskResetEngineMetrics clears aggregated engine metrics.
	TaskResetEngineMetrics = "ocr.reset_engine_metrics"
)

// Queue names. Routing is by workload class so slow scans never starve
// interactive work.
const (
	// QueueDefault carries tasks without a dedicated queue.
	QueueDefault = "default"
	// QueueEmailIngestion carries inbound email attachment processing.
	QueueEmailIngestion = "email_ingestion"
	// QueueDocumentProcessing carries standard OCR orchestrations.
	QueueDocumentProcessing = "document_processing"
	// QueueHighPriority carries latency-sensitive orchestrations.
	QueueHighPriority = "high_priority"
	// QueueLongRunning carries large multi-page documents.
	QueueLongRunning = "long_running"
	// QueueFailedTasks receives dead-lettered tasks after retry exhaustion.
	QueueFailedTasks = "failed_tasks"
	// QueueRetryTasks carries tasks scheduled for a delayed retry.
	QueueRetryTasks = "retry_tasks"
)

type (
	// OrchestrateArgs is the payload of TaskOrchestrateOCR.
	OrchestrateArgs struct {
		// DocumentID identifies the document to process.
		DocumentID string `json:"documentId"`
		// WorkflowPreset names the preset configuration to run.
		WorkflowPreset string `json:"workflowPreset"`
		// Overrides are merged into the preset before execution.
		Overrides *config.Overrides `json:"overrides,omitempty"`
		// Queue routes the task; empty means QueueDocumentProcessing.
		Queue string `json:"queue,omitempty"`
		// RequestedBy tags the originating principal for audit logs.
		RequestedBy string `json:"requestedBy,omitempty"`
	}

	// ProcessFallbackArgs is the payload of TaskProcessFallbackOCR.
	ProcessFallbackArgs struct {
		OrchestrateArgs
		// Primary carries the primary phase outcomes across the task boundary.
		Primary []workflow.PhaseOutcome `json:"primary"`
	}

	// Progress is one progress event of a running orchestration, published to
	// the task's progress stream.
	Progress struct {
		TaskID     string         `json:"taskId"`
		DocumentID string         `json:"documentId"`
		Stage      string         `json:"stage"`
		EngineKind ocr.EngineKind `json:"engineKind,omitempty"`
		// EnginesCompleted and EnginesFailed count engine attempts settled so
		// far; a quality miss still counts as completed.
		EnginesCompleted int `json:"enginesCompleted"`
		EnginesFailed    int `json:"enginesFailed"`
		// Fraction is the overall completion in [0,1].
		Fraction float64   `json:"progress"`
		Detail   string    `json:"detail,omitempty"`
		At       time.Time `json:"at"`
	}

	// DeadLetter wraps a task that exhausted its retries, as stored on
	// QueueFailedTasks.
	DeadLetter struct {
		TaskID       string    `json:"taskId"`
		TaskName     string    `json:"taskName"`
		Queue        string    `json:"queue"`
		Payload      []byte    `json:"payload"`
		Attempts     int       `json:"attempts"`
		LastError    string    `json:"lastError"`
		FirstFailed  time.Time `json:"firstFailed"`
		DeadLettered time.Time `json:"deadLettered"`
	}

	// ExecutionState is the queryable state of an enqueued orchestration.
	ExecutionState struct {
		TaskID     string                   `json:"taskId"`
		DocumentID string                   `json:"documentId"`
		Status     workflow.ExecutionStatus `json:"status"`
		// Pending is true until a worker picks the task up.
		Pending  bool       `json:"pending"`
		Error    string     `json:"error,omitempty"`
		Enqueued time.Time  `json:"enqueued"`
		Finished *time.Time `json:"finished,omitempty"`
	}

	// Client is the task surface exposed to API handlers and operational
	// tooling.
	Client interface {
		// EnqueueOrchestration schedules an OCR orchestration and returns its
		// task ID.
		EnqueueOrchestration(ctx context.Context, args OrchestrateArgs) (string, error)

		// ExecutionStatus reports the current state of an enqueued
		// orchestration.
		ExecutionStatus(ctx context.Context, taskID string) (ExecutionState, error)

		// DocumentRuns lists the persisted runs of a document, newest last.
		DocumentRuns(ctx context.Context, documentID string) ([]runstore.Run, error)

		// ResetEngineMetrics clears the aggregated metrics for one engine, or
		// for all engines when kind is nil.
		ResetEngineMetrics(ctx context.Context, kind *ocr.EngineKind) error
	}
)

// Progress stage names.
const (
	StageQueued       = "queued"
	StagePreprocess   = "preprocess"
	StageEngineStart  = "engine_start"
	StageEngineDone   = "engine_done"
	StageEngineFailed = "engine_failed"
	StageSelection    = "selection"
	StageFinished     = "finished"
)

// ProgressStreamName returns the Pulse stream carrying a task's progress
// events.
func ProgressStreamName(taskID string) string {
	return "task/" + taskID + "/progress"
}
