// Package azure implements the OCR driver for Azure Document Intelligence
// over its REST surface: submit an analyze request, follow the
// Operation-Location header, poll until the operation settles, then translate
// the analyzeResult into the canonical form.
package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
)

type (
	// Doer issues HTTP requests. *http.Client satisfies it; tests substitute
	// a fake.
	Doer interface {
		Do(req *http.Request) (*http.Response, error)
	}

	// Options configures the driver.
	Options struct {
		// Endpoint is the resource endpoint, e.g. https://<res>.cognitiveservices.azure.com.
		Endpoint string
		// APIKey authenticates requests.
		APIKey string
		// ModelID selects the analysis model; defaults to prebuilt-layout.
		ModelID string
		// DisplayName labels this instance; defaults to "Azure Document Intelligence".
		DisplayName string
		// PollInterval is the delay between operation polls; defaults to 2s.
		PollInterval time.Duration
		// HTTPClient overrides the transport; defaults to http.DefaultClient.
		HTTPClient Doer
		// Logger receives request-level diagnostics.
		Logger telemetry.Logger
	}

	// Driver is the Azure Document Intelligence OCR driver.
	Driver struct {
		endpoint     string
		apiKey       string
		modelID      string
		name         string
		pollInterval time.Duration
		http         Doer
		logger       telemetry.Logger
	}
)

const (
	apiVersion      = "2024-02-29-preview"
	defaultModelID  = "prebuilt-layout"
	defaultPollWait = 2 * time.Second

	// costPerPageCents is the list price of the layout model, about $1.50
	// per 100 pages.
	costPerPageCents = 1.5
)

// New validates opts and returns a Driver.
func New(opts Options) (*Driver, error) {
	if opts.Endpoint == "" {
		return nil, ocr.Configuration(ocr.EngineAzure, "new", fmt.Errorf("endpoint is required"))
	}
	if opts.APIKey == "" {
		return nil, ocr.Configuration(ocr.EngineAzure, "new", fmt.Errorf("api key is required"))
	}
	d := &Driver{
		endpoint:     strings.TrimRight(opts.Endpoint, "/"),
		apiKey:       opts.APIKey,
		modelID:      opts.ModelID,
		name:         opts.DisplayName,
		pollInterval: opts.PollInterval,
		http:         opts.HTTPClient,
		logger:       opts.Logger,
	}
	if d.modelID == "" {
		d.modelID = defaultModelID
	}
	if d.name == "" {
		d.name = "Azure Document Intelligence"
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollWait
	}
	if d.http == nil {
		d.http = http.DefaultClient
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	return d, nil
}

// Kind returns the engine tag.
func (d *Driver) Kind() ocr.EngineKind { return ocr.EngineAzure }

// Name returns the configured display name.
func (d *Driver) Name() string { return d.name }

// EstimateCost returns the layout-model price for pageCount pages.
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

// HealthCheck verifies the endpoint answers with the configured key by
// fetching the model metadata.
func (d *Driver) HealthCheck(ctx context.Context) ocr.Health {
	url := fmt.Sprintf("%s/documentintelligence/documentModels/%s?api-version=%s", d.endpoint, d.modelID, apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ocr.Health{Healthy: false, Details: err.Error()}
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", d.apiKey)
	resp, err := d.http.Do(req)
	if err != nil {
		return ocr.Health{Healthy: false, Details: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ocr.Health{Healthy: false, Details: fmt.Sprintf("model metadata returned %d", resp.StatusCode)}
	}
	return ocr.Health{Healthy: true}
}

// Analyze submits the document, polls the resulting operation and translates
// the provider response.
func (d *Driver) Analyze(ctx context.Context, documentPath string, features ...ocr.Feature) (*ocr.Result, error) {
	data, err := os.ReadFile(documentPath)
	if err != nil {
		return nil, ocr.Permanent(ocr.EngineAzure, "analyze", fmt.Errorf("read document: %w", err))
	}

	start := time.Now()
	opURL, err := d.submit(ctx, data, features)
	if err != nil {
		return nil, err
	}
	raw, err := d.poll(ctx, opURL)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	var envelope analyzeOperation
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, ocr.Permanent(ocr.EngineAzure, "analyze", fmt.Errorf("decode analyze result: %w", err))
	}
	res := translate(envelope.AnalyzeResult)
	res.EngineName = d.name
	res.ProcessingTime = elapsed
	res.ProcessedAt = time.Now().UTC()
	res.RawResponse = raw
	return res, nil
}

func (d *Driver) submit(ctx context.Context, data []byte, features []ocr.Feature) (string, error) {
	body, err := json.Marshal(map[string]string{
		"base64Source": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return "", ocr.Permanent(ocr.EngineAzure, "analyze", err)
	}
	url := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s", d.endpoint, d.modelID, apiVersion)
	if fs := providerFeatures(features); len(fs) > 0 {
		url += "&features=" + strings.Join(fs, ",")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", ocr.Permanent(ocr.EngineAzure, "analyze", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", d.apiKey)

	resp, err := d.http.Do(req)
	if err != nil {
		return "", wrapTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", classifyStatus(resp.StatusCode, drain(resp.Body))
	}
	opURL := resp.Header.Get("Operation-Location")
	if opURL == "" {
		return "", ocr.Permanent(ocr.EngineAzure, "analyze", fmt.Errorf("missing Operation-Location header"))
	}
	return opURL, nil
}

func (d *Driver) poll(ctx context.Context, opURL string) (json.RawMessage, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, opURL, nil)
		if err != nil {
			return nil, ocr.Permanent(ocr.EngineAzure, "analyze", err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", d.apiKey)
		resp, err := d.http.Do(req)
		if err != nil {
			return nil, wrapTransport(err)
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, ocr.Transient(ocr.EngineAzure, "analyze", fmt.Errorf("read operation body: %w", err))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, classifyStatus(resp.StatusCode, string(raw))
		}

		var op analyzeOperation
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, ocr.Permanent(ocr.EngineAzure, "analyze", fmt.Errorf("decode operation: %w", err))
		}
		switch op.Status {
		case "succeeded":
			return raw, nil
		case "failed":
			msg := "analysis failed"
			if op.Error != nil {
				msg = op.Error.Message
			}
			return nil, ocr.Permanent(ocr.EngineAzure, "analyze", fmt.Errorf("%s", msg))
		}
		d.logger.Debug(ctx, "azure operation pending", "status", op.Status)

		select {
		case <-ctx.Done():
			return nil, ocr.Cancelled(ocr.EngineAzure, "analyze", ctx.Err())
		case <-ticker.C:
		}
	}
}

// providerFeatures maps advisory features onto Azure add-on names. Tables,
// forms and layout are native to prebuilt-layout and need no flag.
func providerFeatures(features []ocr.Feature) []string {
	var out []string
	if ocr.HasFeature(features, ocr.FeatureQueries) {
		out = append(out, "queryFields")
	}
	return out
}

func classifyStatus(status int, body string) error {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(body))
	switch {
	case status == http.StatusTooManyRequests:
		return ocr.Transient(ocr.EngineAzure, "analyze", err)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ocr.Permanent(ocr.EngineAzure, "analyze", err)
	case status >= 500:
		return ocr.Transient(ocr.EngineAzure, "analyze", err)
	default:
		return ocr.Permanent(ocr.EngineAzure, "analyze", err)
	}
}

func wrapTransport(err error) error {
	if cat := ocr.CategoryOf(err); cat == ocr.CategoryCancelled {
		return ocr.Cancelled(ocr.EngineAzure, "analyze", err)
	}
	return ocr.Transient(ocr.EngineAzure, "analyze", err)
}

func drain(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(b)
}
