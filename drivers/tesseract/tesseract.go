// Package tesseract implements the OCR driver for a local Tesseract binary.
// Recognition runs `tesseract <input> stdout ... tsv` and parses the TSV word
// table, which carries per-word confidences the hOCR and plain-text outputs
// lack.
package tesseract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
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
		// Binary is the tesseract executable; defaults to "tesseract" on PATH.
		Binary string
		// Language is the recognition language code; defaults to "eng".
		Language string
		// PSM is the page segmentation mode; defaults to 3 (fully automatic).
		PSM int
		// DisplayName labels this instance; defaults to "Tesseract".
		DisplayName string
		// Runner overrides command execution.
		Runner Runner
	}

	// Driver is the local Tesseract OCR driver.
	Driver struct {
		binary   string
		language string
		psm      int
		name     string
		runner   Runner
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

// New returns a Driver. There is nothing to validate eagerly; a missing
// binary surfaces through HealthCheck and Analyze.
func New(opts Options) *Driver {
	d := &Driver{
		binary:   opts.Binary,
		language: opts.Language,
		psm:      opts.PSM,
		name:     opts.DisplayName,
		runner:   opts.Runner,
	}
	if d.binary == "" {
		d.binary = "tesseract"
	}
	if d.language == "" {
		d.language = "eng"
	}
	if d.psm == 0 {
		d.psm = 3
	}
	if d.name == "" {
		d.name = "Tesseract"
	}
	if d.runner == nil {
		d.runner = execRunner{}
	}
	return d
}

// Kind returns the engine tag.
func (d *Driver) Kind() ocr.EngineKind { return ocr.EngineTesseract }

// Name returns the configured display name.
func (d *Driver) Name() string { return d.name }

// EstimateCost returns nil: local engines have no per-page pricing.
func (d *Driver) EstimateCost(int) *int64 { return nil }

// HealthCheck verifies the binary is invocable.
func (d *Driver) HealthCheck(ctx context.Context) ocr.Health {
	out, err := d.runner.Run(ctx, d.binary, "--version")
	if err != nil {
		return ocr.Health{Healthy: false, Details: fmt.Sprintf("tesseract binary unavailable: %v", err)}
	}
	version := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	return ocr.Health{Healthy: true, Details: version}
}

// Analyze runs recognition over the image at documentPath. PDFs are not
// supported: Tesseract reads raster images only.
func (d *Driver) Analyze(ctx context.Context, documentPath string, _ ...ocr.Feature) (*ocr.Result, error) {
	if strings.EqualFold(filepath.Ext(documentPath), ".pdf") {
		return nil, ocr.Permanent(ocr.EngineTesseract, "analyze", fmt.Errorf("pdf input not supported, rasterize first"))
	}

	args := []string{
		documentPath, "stdout",
		"-l", d.language,
		"--psm", strconv.Itoa(d.psm),
		"tsv",
	}
	start := time.Now()
	out, err := d.runner.Run(ctx, d.binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ocr.Cancelled(ocr.EngineTesseract, "analyze", err)
		}
		return nil, ocr.Permanent(ocr.EngineTesseract, "analyze", err)
	}
	elapsed := time.Since(start)

	parsed, err := parseTSV(string(out))
	if err != nil {
		return nil, ocr.Permanent(ocr.EngineTesseract, "analyze", err)
	}

	raw, err := json.Marshal(map[string]any{
		"engine":   "tesseract",
		"language": d.language,
		"psm":      d.psm,
		"tsv":      string(out),
	})
	if err != nil {
		return nil, ocr.Permanent(ocr.EngineTesseract, "analyze", err)
	}

	return &ocr.Result{
		EngineKind:       ocr.EngineTesseract,
		EngineName:       d.name,
		ProcessingTime:   elapsed,
		ProcessedAt:      time.Now().UTC(),
		Confidence:       parsed.confidence,
		WordCount:        parsed.words,
		PageCount:        parsed.pages,
		Text:             parsed.text,
		LanguageDetected: d.language,
		RawResponse:      raw,
	}, nil
}

type tsvResult struct {
	text       string
	words      int
	pages      int
	confidence float64
}

// parseTSV extracts words from the Tesseract TSV table. Columns:
// level page block par line word left top width height conf text.
// Word rows have level 5 and a non-negative confidence.
func parseTSV(out string) (*tsvResult, error) {
	lines := strings.Split(out, "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty tsv output")
	}

	res := &tsvResult{}
	var confSum float64
	var textParts []string
	lastLineKey := ""
	for i, line := range lines {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 12 {
			continue
		}
		level, err := strconv.Atoi(cols[0])
		if err != nil {
			continue
		}
		if page, err := strconv.Atoi(cols[1]); err == nil && page > res.pages {
			res.pages = page
		}
		if level != 5 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}

		lineKey := strings.Join(cols[1:5], "/")
		if lastLineKey != "" && lineKey != lastLineKey {
			textParts = append(textParts, "\n")
		} else if len(textParts) > 0 {
			textParts = append(textParts, " ")
		}
		lastLineKey = lineKey
		textParts = append(textParts, word)

		res.words++
		confSum += ocr.NormalizeConfidence(conf)
	}
	if res.words > 0 {
		res.confidence = confSum / float64(res.words)
	}
	res.text = strings.Join(textParts, "")
	return res, nil
}
