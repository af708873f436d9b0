// Package mistral implements the OCR driver for the Mistral Document AI OCR
// endpoint. The API is synchronous: one POST with the document inlined as a
// data URL, markdown text per page in the response.
package mistral

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
	"time"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

type (
	// Doer issues HTTP requests.
	Doer interface {
		Do(req *http.Request) (*http.Response, error)
	}

	// Options configures the driver.
	Options struct {
		// APIKey authenticates requests.
		APIKey string
		// BaseURL overrides the API host; defaults to https://api.mistral.ai.
		BaseURL string
		// Model selects the OCR model; defaults to mistral-ocr-latest.
		Model string
		// DisplayName labels this instance; defaults to "Mistral Document AI".
		DisplayName string
		// HTTPClient overrides the transport; defaults to http.DefaultClient.
		HTTPClient Doer
	}

	// Driver is the Mistral OCR driver.
	Driver struct {
		apiKey  string
		baseURL string
		model   string
		name    string
		http    Doer
	}

	ocrRequest struct {
		Model    string      `json:"model"`
		Document ocrDocument `json:"document"`
	}

	ocrDocument struct {
		Type        string `json:"type"`
		DocumentURL string `json:"document_url,omitempty"`
		ImageURL    string `json:"image_url,omitempty"`
	}

	ocrResponse struct {
		Pages     []ocrPage `json:"pages"`
		Model     string    `json:"model"`
		UsageInfo struct {
			PagesProcessed int `json:"pages_processed"`
		} `json:"usage_info"`
	}

	ocrPage struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	}
)

const (
	defaultBaseURL = "https://api.mistral.ai"
	defaultModel   = "mistral-ocr-latest"

	// costPerPageCents follows the published $1 per 1000 pages rate.
	costPerPageCents = 0.1

	// assumedConfidence stands in for per-word confidences, which the API
	// does not report. Results with text get this fixed value; empty results
	// get zero so quality gating still rejects them.
	assumedConfidence = 0.90
)

// New validates opts and returns a Driver.
func New(opts Options) (*Driver, error) {
	if opts.APIKey == "" {
		return nil, ocr.Configuration(ocr.EngineMistral, "new", fmt.Errorf("api key is required"))
	}
	d := &Driver{
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		model:   opts.Model,
		name:    opts.DisplayName,
		http:    opts.HTTPClient,
	}
	if d.baseURL == "" {
		d.baseURL = defaultBaseURL
	}
	if d.model == "" {
		d.model = defaultModel
	}
	if d.name == "" {
		d.name = "Mistral Document AI"
	}
	if d.http == nil {
		d.http = http.DefaultClient
	}
	return d, nil
}

// Kind returns the engine tag.
func (d *Driver) Kind() ocr.EngineKind { return ocr.EngineMistral }

// Name returns the configured display name.
func (d *Driver) Name() string { return d.name }

// EstimateCost returns the published per-page price.
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

// HealthCheck verifies the API key against the models endpoint.
func (d *Driver) HealthCheck(ctx context.Context) ocr.Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/models", nil)
	if err != nil {
		return ocr.Health{Healthy: false, Details: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	resp, err := d.http.Do(req)
	if err != nil {
		return ocr.Health{Healthy: false, Details: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ocr.Health{Healthy: false, Details: fmt.Sprintf("models endpoint returned %d", resp.StatusCode)}
	}
	return ocr.Health{Healthy: true}
}

// Analyze sends the document inline and translates the page markdown into the
// canonical result. Features are accepted for interface symmetry; the API has
// no feature switches.
func (d *Driver) Analyze(ctx context.Context, documentPath string, _ ...ocr.Feature) (*ocr.Result, error) {
	data, err := os.ReadFile(documentPath)
	if err != nil {
		return nil, ocr.Permanent(ocr.EngineMistral, "analyze", fmt.Errorf("read document: %w", err))
	}

	reqBody := ocrRequest{Model: d.model, Document: documentRef(documentPath, data)}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, ocr.Permanent(ocr.EngineMistral, "analyze", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/ocr", bytes.NewReader(body))
	if err != nil {
		return nil, ocr.Permanent(ocr.EngineMistral, "analyze", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	start := time.Now()
	resp, err := d.http.Do(req)
	if err != nil {
		if ocr.CategoryOf(err) == ocr.CategoryCancelled {
			return nil, ocr.Cancelled(ocr.EngineMistral, "analyze", err)
		}
		return nil, ocr.Transient(ocr.EngineMistral, "analyze", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ocr.Transient(ocr.EngineMistral, "analyze", fmt.Errorf("read response: %w", err))
	}
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var parsed ocrResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, ocr.Permanent(ocr.EngineMistral, "analyze", fmt.Errorf("decode response: %w", err))
	}

	var sb strings.Builder
	for i, p := range parsed.Pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p.Markdown)
	}
	text := sb.String()

	res := &ocr.Result{
		EngineKind:     ocr.EngineMistral,
		EngineName:     d.name,
		ProcessingTime: elapsed,
		ProcessedAt:    time.Now().UTC(),
		Text:           text,
		WordCount:      ocr.CountWords(text),
		PageCount:      len(parsed.Pages),
		RawResponse:    raw,
	}
	if res.PageCount == 0 {
		res.PageCount = parsed.UsageInfo.PagesProcessed
	}
	if res.WordCount > 0 {
		res.Confidence = assumedConfidence
	}
	return res, nil
}

// documentRef builds the inline data-URL reference, selecting the document or
// image variant by extension.
func documentRef(path string, data []byte) ocrDocument {
	encoded := base64.StdEncoding.EncodeToString(data)
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".pdf" {
		return ocrDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + encoded,
		}
	}
	mime := "image/png"
	switch ext {
	case ".jpg", ".jpeg":
		mime = "image/jpeg"
	case ".tif", ".tiff":
		mime = "image/tiff"
	}
	return ocrDocument{
		Type:     "image_url",
		ImageURL: fmt.Sprintf("data:%s;base64,%s", mime, encoded),
	}
}

func classifyStatus(status int, body []byte) error {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return ocr.Transient(ocr.EngineMistral, "analyze", err)
	default:
		return ocr.Permanent(ocr.EngineMistral, "analyze", err)
	}
}
