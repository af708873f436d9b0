// Package google implements the OCR driver for Google Document AI. Requests
// go to the regional processors :process REST endpoint with the document
// inlined; authentication uses an OAuth2 token source resolved from
// application default credentials unless one is injected.
package google

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	googauth "golang.org/x/oauth2/google"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

type (
	// Doer issues HTTP requests.
	Doer interface {
		Do(req *http.Request) (*http.Response, error)
	}

	// Options configures the driver.
	Options struct {
		// ProjectID is the GCP project hosting the processor.
		ProjectID string
		// Location is the processor region, e.g. "us" or "eu".
		Location string
		// ProcessorID identifies the Document AI processor.
		ProcessorID string
		// DisplayName labels this instance; defaults to "Google Document AI".
		DisplayName string
		// TokenSource overrides credential resolution; defaults to application
		// default credentials with the cloud-platform scope.
		TokenSource oauth2.TokenSource
		// Endpoint overrides the regional API host, for tests.
		Endpoint string
		// HTTPClient overrides the transport; defaults to http.DefaultClient.
		HTTPClient Doer
	}

	// Driver is the Google Document AI OCR driver.
	Driver struct {
		projectID   string
		location    string
		processorID string
		name        string
		endpoint    string
		http        Doer

		tokenMu sync.Mutex
		tokens  oauth2.TokenSource
	}
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

	// costPerPageCents approximates the enterprise OCR processor price.
	costPerPageCents = 1.5
)

// New validates opts and returns a Driver.
func New(opts Options) (*Driver, error) {
	if opts.ProjectID == "" || opts.ProcessorID == "" {
		return nil, ocr.Configuration(ocr.EngineGoogle, "new", fmt.Errorf("project id and processor id are required"))
	}
	d := &Driver{
		projectID:   opts.ProjectID,
		location:    opts.Location,
		processorID: opts.ProcessorID,
		name:        opts.DisplayName,
		endpoint:    strings.TrimRight(opts.Endpoint, "/"),
		http:        opts.HTTPClient,
		tokens:      opts.TokenSource,
	}
	if d.location == "" {
		d.location = "us"
	}
	if d.name == "" {
		d.name = "Google Document AI"
	}
	if d.endpoint == "" {
		d.endpoint = fmt.Sprintf("https://%s-documentai.googleapis.com", d.location)
	}
	if d.http == nil {
		d.http = http.DefaultClient
	}
	return d, nil
}

// Kind returns the engine tag.
func (d *Driver) Kind() ocr.EngineKind { return ocr.EngineGoogle }

// Name returns the configured display name.
func (d *Driver) Name() string { return d.name }

// EstimateCost returns the processor price for pageCount pages.
func (d *Driver) EstimateCost(pageCount int) *int64 {
	if pageCount <= 0 {
		return nil
	}
	c := int64(costPerPageCents * float64(pageCount))
	if c < 1 {
		c = 1
	}
	return &c
}

// HealthCheck verifies credentials resolve and the processor metadata is
// reachable.
func (d *Driver) HealthCheck(ctx context.Context) ocr.Health {
	token, err := d.token(ctx)
	if err != nil {
		return ocr.Health{Healthy: false, Details: "credentials: " + err.Error()}
	}
	url := fmt.Sprintf("%s/v1/%s", d.endpoint, d.processorName())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ocr.Health{Healthy: false, Details: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := d.http.Do(req)
	if err != nil {
		return ocr.Health{Healthy: false, Details: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ocr.Health{Healthy: false, Details: fmt.Sprintf("processor metadata returned %d", resp.StatusCode)}
	}
	return ocr.Health{Healthy: true}
}

// Analyze processes the document synchronously and translates the response.
func (d *Driver) Analyze(ctx context.Context, documentPath string, _ ...ocr.Feature) (*ocr.Result, error) {
	data, err := os.ReadFile(documentPath)
	if err != nil {
		return nil, ocr.Permanent(ocr.EngineGoogle, "analyze", fmt.Errorf("read document: %w", err))
	}
	token, err := d.token(ctx)
	if err != nil {
		return nil, ocr.Configuration(ocr.EngineGoogle, "analyze", fmt.Errorf("credentials: %w", err))
	}

	body, err := json.Marshal(map[string]any{
		"rawDocument": map[string]string{
			"content":  base64.StdEncoding.EncodeToString(data),
			"mimeType": mimeType(documentPath),
		},
	})
	if err != nil {
		return nil, ocr.Permanent(ocr.EngineGoogle, "analyze", err)
	}
	url := fmt.Sprintf("%s/v1/%s:process", d.endpoint, d.processorName())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, ocr.Permanent(ocr.EngineGoogle, "analyze", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := d.http.Do(req)
	if err != nil {
		if ocr.CategoryOf(err) == ocr.CategoryCancelled {
			return nil, ocr.Cancelled(ocr.EngineGoogle, "analyze", err)
		}
		return nil, ocr.Transient(ocr.EngineGoogle, "analyze", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ocr.Transient(ocr.EngineGoogle, "analyze", fmt.Errorf("read response: %w", err))
	}
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var parsed processResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, ocr.Permanent(ocr.EngineGoogle, "analyze", fmt.Errorf("decode response: %w", err))
	}
	res := translate(&parsed.Document)
	res.EngineName = d.name
	res.ProcessingTime = elapsed
	res.ProcessedAt = time.Now().UTC()
	res.RawResponse = raw
	return res, nil
}

func (d *Driver) processorName() string {
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s", d.projectID, d.location, d.processorID)
}

func (d *Driver) token(ctx context.Context) (string, error) {
	d.tokenMu.Lock()
	defer d.tokenMu.Unlock()
	if d.tokens == nil {
		ts, err := googauth.DefaultTokenSource(ctx, cloudPlatformScope)
		if err != nil {
			return "", err
		}
		d.tokens = ts
	}
	tok, err := d.tokens.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func mimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".gif":
		return "image/gif"
	default:
		return "image/png"
	}
}

func classifyStatus(status int, body []byte) error {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return ocr.Transient(ocr.EngineGoogle, "analyze", err)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ocr.Permanent(ocr.EngineGoogle, "analyze", err)
	default:
		return ocr.Permanent(ocr.EngineGoogle, "analyze", err)
	}
}
