// Package paddle implements the OCR driver for a local PaddleOCR
// installation, invoked through its CLI. The CLI is expected to emit a JSON
// object on stdout with rec_texts and rec_scores arrays, the predict-result
// format of PaddleOCR 3.x.
package paddle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

type (
	// Runner executes commands. The default shells out; tests substitute a
	// fake.
	Runner interface {
		Run(ctx context.Context, name string, args ...string) (stdout []byte, err error)
	}

	// Options configures the driver.
	Options struct {
		// Binary is the paddleocr executable; defaults to "paddleocr" on PATH.
		Binary string
		// Language is the recognition language; defaults to "en".
		Language string
		// UseGPU enables GPU inference.
		UseGPU bool
		// DisplayName labels this instance; defaults to "PaddleOCR".
		DisplayName string
		// Runner overrides command execution.
		Runner Runner
	}

	// Driver is the local PaddleOCR driver.
	Driver struct {
		binary   string
		language string
		useGPU   bool
		name     string
		runner   Runner
	}

	predictResult struct {
		RecTexts  []string  `json:"rec_texts"`
		RecScores []float64 `json:"rec_scores"`
		PageCount int       `json:"page_count"`
	}

	execRunner struct{}
)

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// New returns a Driver. Binary availability is checked lazily.
func New(opts Options) *Driver {
	d := &Driver{
		binary:   opts.Binary,
		language: opts.Language,
		useGPU:   opts.UseGPU,
		name:     opts.DisplayName,
		runner:   opts.Runner,
	}
	if d.binary == "" {
		d.binary = "paddleocr"
	}
	if d.language == "" {
		d.language = "en"
	}
	if d.name == "" {
		d.name = "PaddleOCR"
	}
	if d.runner == nil {
		d.runner = execRunner{}
	}
	return d
}

// Kind returns the engine tag.
func (d *Driver) Kind() ocr.EngineKind { return ocr.EnginePaddle }

// Name returns the configured display name.
func (d *Driver) Name() string { return d.name }

// EstimateCost returns nil: local engines have no per-page pricing.
func (d *Driver) EstimateCost(int) *int64 { return nil }

// HealthCheck verifies the CLI is invocable.
func (d *Driver) HealthCheck(ctx context.Context) ocr.Health {
	out, err := d.runner.Run(ctx, d.binary, "--version")
	if err != nil {
		return ocr.Health{Healthy: false, Details: fmt.Sprintf("paddleocr binary unavailable: %v", err)}
	}
	return ocr.Health{Healthy: true, Details: strings.TrimSpace(string(out))}
}

// Analyze runs recognition over the document and parses the predict-result
// JSON.
func (d *Driver) Analyze(ctx context.Context, documentPath string, _ ...ocr.Feature) (*ocr.Result, error) {
	args := []string{"ocr", "-i", documentPath, "--lang", d.language}
	if d.useGPU {
		args = append(args, "--device", "gpu")
	}

	start := time.Now()
	out, err := d.runner.Run(ctx, d.binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ocr.Cancelled(ocr.EnginePaddle, "analyze", err)
		}
		return nil, ocr.Permanent(ocr.EnginePaddle, "analyze", err)
	}
	elapsed := time.Since(start)

	parsed, raw, err := parseOutput(out)
	if err != nil {
		return nil, ocr.Permanent(ocr.EnginePaddle, "analyze", err)
	}

	text := strings.Join(parsed.RecTexts, "\n")
	var confSum float64
	for _, s := range parsed.RecScores {
		confSum += ocr.NormalizeConfidence(s)
	}
	confidence := 0.0
	if len(parsed.RecScores) > 0 {
		confidence = confSum / float64(len(parsed.RecScores))
	}
	pages := parsed.PageCount
	if pages == 0 && len(parsed.RecTexts) > 0 {
		pages = 1
	}

	return &ocr.Result{
		EngineKind:       ocr.EnginePaddle,
		EngineName:       d.name,
		ProcessingTime:   elapsed,
		ProcessedAt:      time.Now().UTC(),
		Confidence:       confidence,
		WordCount:        ocr.CountWords(text),
		PageCount:        pages,
		Text:             text,
		LanguageDetected: d.language,
		RawResponse:      raw,
	}, nil
}

// parseOutput locates the predict-result object in the CLI output. The CLI
// prints progress noise before the JSON, so scan for the first line starting
// a JSON object.
func parseOutput(out []byte) (*predictResult, json.RawMessage, error) {
	for _, line := range bytes.Split(out, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			continue
		}
		var parsed predictResult
		if err := json.Unmarshal(trimmed, &parsed); err != nil {
			continue
		}
		raw := make(json.RawMessage, len(trimmed))
		copy(raw, trimmed)
		return &parsed, raw, nil
	}
	return nil, nil, fmt.Errorf("no predict-result json in cli output")
}
