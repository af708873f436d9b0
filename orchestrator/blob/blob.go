// Package blob defines the object-storage contract the orchestrator consumes.
// Keys are opaque to callers; the run store uses the raw-response key schema
// below. Backends live under features/ (S3 in production, memory in tests).
package blob

import (
	"context"
	"fmt"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// Store is the object-storage capability set required by the orchestrator.
type Store interface {
	// Upload writes data under key with the given content type.
	Upload(ctx context.Context, key string, data []byte, contentType string) error

	// Download returns the bytes stored under key.
	Download(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether key holds an object.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// ContentHash returns the hex SHA-256 digest of the object under key.
	ContentHash(ctx context.Context, key string) (string, error)
}

// RawResponseKey returns the canonical blob key for a run's raw provider JSON.
func RawResponseKey(kind ocr.EngineKind, runID string) string {
	return fmt.Sprintf("ocr-runs/%s/%s/raw_response.json", kind, runID)
}
