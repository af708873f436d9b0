// Package runstore defines the durable bookkeeping contracts of the
// orchestrator: Run records (one per driver invocation), the Document fields
// the workflow updates, and the in-process per-engine metrics collector.
// Backends live under features/ (Mongo in production, fakes in tests).
package runstore

import (
	"context"
	"time"

	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	// StatusPending marks a created but not yet started run.
	StatusPending Status = "pending"
	// StatusRunning marks a run whose driver invocation is in flight.
	StatusRunning Status = "running"
	// StatusCompleted marks a run whose driver returned a result.
	StatusCompleted Status = "completed"
	// StatusFailed marks a run whose driver failed.
	StatusFailed Status = "failed"
	// StatusCancelled marks a run aborted by budget expiry or revocation.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type (
	// Run is the persistent record of one driver invocation against one
	// document. Rows are single-writer: only the worker that created a run
	// finalizes it, in a single update.
	Run struct {
		ID           string
		DocumentID   string
		EngineKind   ocr.EngineKind
		EngineConfig config.EngineConfig

		Status      Status
		StartedAt   time.Time
		CompletedAt time.Time
		LatencyMS   int64

		ConfidenceMean float64
		PagesParsed    int
		WordCount      int
		TableCount     int
		// CostCents is nil for engines without a declared pricing function.
		CostCents *int64

		ErrorMessage string

		// RawResponsePath is the blob key of the persisted raw provider JSON,
		// empty when the driver failed before producing one or the blob write
		// failed.
		RawResponsePath string
		// RawResponseSHA256 is the hex digest of the persisted payload.
		RawResponseSHA256 string
	}

	// Summary holds the per-run metrics written when a run completes.
	Summary struct {
		ConfidenceMean float64
		PagesParsed    int
		WordCount      int
		TableCount     int
		CostCents      *int64
	}

	// Store persists runs. Each operation is transactional against the
	// metadata store. CompleteRun must commit in this order: row first with a
	// null pointer, then the raw-response blob, then the row update adding the
	// pointer, so a Run never references a missing blob. A blob-write failure
	// leaves the pointer null and never fails the orchestration.
	Store interface {
		// CreateRun inserts a pending run and returns its ID.
		CreateRun(ctx context.Context, documentID string, kind ocr.EngineKind, snapshot config.EngineConfig) (string, error)

		// MarkRunning transitions the run to running and stamps StartedAt.
		MarkRunning(ctx context.Context, runID string) error

		// CompleteRun finalizes a successful run with its summary metrics and
		// persists the raw provider payload to the blob store.
		CompleteRun(ctx context.Context, runID string, result *ocr.Result, summary Summary) error

		// FailRun finalizes a failed run with the error message.
		FailRun(ctx context.Context, runID string, errorMessage string) error

		// CancelRun finalizes a cancelled run with the error message.
		CancelRun(ctx context.Context, runID string, errorMessage string) error

		// ListRunsForDocument returns the document's runs ordered by StartedAt
		// ascending.
		ListRunsForDocument(ctx context.Context, documentID string) ([]Run, error)
	}

	// Document is the externally owned record the orchestrator reads and
	// selectively updates.
	Document struct {
		ID          string
		StoragePath string
		MimeType    string
		// PageCount is nil until learned during processing.
		PageCount *int

		ExtractedText  string
		SelectedEngine ocr.EngineKind
		SelectedRunID  string
		LastOCRAt      time.Time
	}

	// Selection carries the document fields written when a winning run exists.
	// The update is atomic: all fields or none.
	Selection struct {
		DocumentID     string
		ExtractedText  string
		SelectedEngine ocr.EngineKind
		SelectedRunID  string
		At             time.Time
	}

	// DocumentStore reads documents and applies winner selections.
	DocumentStore interface {
		// GetDocument loads a document by ID.
		GetDocument(ctx context.Context, id string) (Document, error)

		// ApplySelection writes the selection fields in a single transaction.
		ApplySelection(ctx context.Context, sel Selection) error
	}
)
