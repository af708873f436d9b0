// Package mongo implements the run and document stores over MongoDB, with
// raw provider payloads offloaded to the blob store.
package mongo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	mongoc "github.com/docuflow/ocrflow/features/runstore/mongo/clients/mongo"
	"github.com/docuflow/ocrflow/orchestrator/blob"
	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/runstore"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
)

// Store implements runstore.Store and runstore.DocumentStore by delegating to
// the Mongo client, with raw responses persisted to the blob store.
type Store struct {
	client mongoc.Client
	blobs  blob.Store
	logger telemetry.Logger
}

var (
	_ runstore.Store         = (*Store)(nil)
	_ runstore.DocumentStore = (*Store)(nil)
)

// NewStore builds a Store using the provided client and blob backend.
func NewStore(client mongoc.Client, blobs blob.Store, logger telemetry.Logger) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{client: client, blobs: blobs, logger: logger}, nil
}

// CreateRun inserts a pending run and returns its ID.
func (s *Store) CreateRun(ctx context.Context, documentID string, kind ocr.EngineKind, snapshot config.EngineConfig) (string, error) {
	run := runstore.Run{
		ID:           uuid.NewString(),
		DocumentID:   documentID,
		EngineKind:   kind,
		EngineConfig: snapshot,
		Status:       runstore.StatusPending,
		StartedAt:    time.Now().UTC(),
	}
	if err := s.client.InsertRun(ctx, run); err != nil {
		return "", err
	}
	return run.ID, nil
}

// MarkRunning transitions the run to running.
func (s *Store) MarkRunning(ctx context.Context, runID string) error {
	return s.client.UpdateRun(ctx, runID, bson.M{
		"status":     string(runstore.StatusRunning),
		"started_at": time.Now().UTC(),
	})
}

// CompleteRun finalizes a successful run. Commit order: the row first with no
// raw pointer, then the blob, then the pointer update, so a stored run never
// references a blob that does not exist. A blob failure leaves the pointer
// null and is not an error.
func (s *Store) CompleteRun(ctx context.Context, runID string, result *ocr.Result, summary runstore.Summary) error {
	if result == nil {
		return errors.New("result is required")
	}
	now := time.Now().UTC()
	set := bson.M{
		"status":          string(runstore.StatusCompleted),
		"completed_at":    now,
		"latency_ms":      result.ProcessingTime.Milliseconds(),
		"confidence_mean": summary.ConfidenceMean,
		"pages_parsed":    summary.PagesParsed,
		"word_count":      summary.WordCount,
		"table_count":     summary.TableCount,
	}
	if summary.CostCents != nil {
		set["cost_cents"] = *summary.CostCents
	}
	if err := s.client.UpdateRun(ctx, runID, set); err != nil {
		return err
	}

	if len(result.RawResponse) == 0 {
		return nil
	}
	key := blob.RawResponseKey(result.EngineKind, runID)
	if err := s.blobs.Upload(ctx, key, result.RawResponse, "application/json"); err != nil {
		s.logger.Warn(ctx, "raw response upload failed, run kept without pointer",
			"run_id", runID, "key", key, "err", err)
		return nil
	}
	digest := sha256.Sum256(result.RawResponse)
	if err := s.client.UpdateRun(ctx, runID, bson.M{
		"raw_response_path":   key,
		"raw_response_sha256": hex.EncodeToString(digest[:]),
	}); err != nil {
		s.logger.Warn(ctx, "raw response pointer update failed",
			"run_id", runID, "key", key, "err", err)
	}
	result.RawResponsePath = key
	return nil
}

// FailRun finalizes a failed run.
func (s *Store) FailRun(ctx context.Context, runID, errorMessage string) error {
	return s.finalize(ctx, runID, runstore.StatusFailed, errorMessage)
}

// CancelRun finalizes a cancelled run.
func (s *Store) CancelRun(ctx context.Context, runID, errorMessage string) error {
	return s.finalize(ctx, runID, runstore.StatusCancelled, errorMessage)
}

func (s *Store) finalize(ctx context.Context, runID string, status runstore.Status, msg string) error {
	return s.client.UpdateRun(ctx, runID, bson.M{
		"status":        string(status),
		"completed_at":  time.Now().UTC(),
		"error_message": msg,
	})
}

// ListRunsForDocument returns the document's runs ordered by start time.
func (s *Store) ListRunsForDocument(ctx context.Context, documentID string) ([]runstore.Run, error) {
	return s.client.ListRuns(ctx, documentID)
}

// GetDocument loads a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (runstore.Document, error) {
	return s.client.GetDocument(ctx, id)
}

// ApplySelection writes the winner fields in a single update.
func (s *Store) ApplySelection(ctx context.Context, sel runstore.Selection) error {
	return s.client.ApplySelection(ctx, sel)
}
