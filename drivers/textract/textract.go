// Package textract implements the OCR driver for AWS Textract. Images go
// through the synchronous AnalyzeDocument API with inline bytes; PDFs are
// staged to S3 and processed through the asynchronous
// StartDocumentAnalysis/GetDocumentAnalysis pair, with the staging object
// removed afterwards.
package textract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstextract "github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
)

type (
	// AnalyzeAPI is the Textract capability subset the driver requires.
	// *textract.Client satisfies it; tests substitute fakes.
	AnalyzeAPI interface {
		AnalyzeDocument(ctx context.Context, in *awstextract.AnalyzeDocumentInput, opts ...func(*awstextract.Options)) (*awstextract.AnalyzeDocumentOutput, error)
		StartDocumentAnalysis(ctx context.Context, in *awstextract.StartDocumentAnalysisInput, opts ...func(*awstextract.Options)) (*awstextract.StartDocumentAnalysisOutput, error)
		GetDocumentAnalysis(ctx context.Context, in *awstextract.GetDocumentAnalysisInput, opts ...func(*awstextract.Options)) (*awstextract.GetDocumentAnalysisOutput, error)
	}

	// StagingAPI is the S3 capability subset used to stage PDFs for the
	// asynchronous path.
	StagingAPI interface {
		PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
		DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	}

	// Options configures the driver.
	Options struct {
		// Client is the Textract API client.
		Client AnalyzeAPI
		// Staging is the S3 client used for the asynchronous PDF path.
		// Optional when only images are processed.
		Staging StagingAPI
		// StagingBucket receives PDF uploads for asynchronous analysis.
		StagingBucket string
		// DisplayName labels this instance; defaults to "AWS Textract".
		DisplayName string
		// PollInterval is the delay between job polls; defaults to 3s.
		PollInterval time.Duration
		// Logger receives request-level diagnostics.
		Logger telemetry.Logger
	}

	// Driver is the AWS Textract OCR driver.
	Driver struct {
		client       AnalyzeAPI
		staging      StagingAPI
		bucket       string
		name         string
		pollInterval time.Duration
		logger       telemetry.Logger
	}
)

// costPerPageCents approximates AnalyzeDocument with tables and forms.
const costPerPageCents = 5.0

const defaultPollWait = 3 * time.Second

// New validates opts and returns a Driver.
func New(opts Options) (*Driver, error) {
	if opts.Client == nil {
		return nil, ocr.Configuration(ocr.EngineTextract, "new", fmt.Errorf("textract client is required"))
	}
	d := &Driver{
		client:       opts.Client,
		staging:      opts.Staging,
		bucket:       opts.StagingBucket,
		name:         opts.DisplayName,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
	}
	if d.name == "" {
		d.name = "AWS Textract"
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollWait
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	return d, nil
}

// Kind returns the engine tag.
func (d *Driver) Kind() ocr.EngineKind { return ocr.EngineTextract }

// Name returns the configured display name.
func (d *Driver) Name() string { return d.name }

// EstimateCost returns the analyze price for pageCount pages.
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

// HealthCheck verifies the client is wired and the PDF path has a staging
// bucket. Credential validity surfaces on first use; there is no cheap
// Textract no-op call to probe with.
func (d *Driver) HealthCheck(_ context.Context) ocr.Health {
	if d.staging != nil && d.bucket == "" {
		return ocr.Health{Healthy: false, Details: "staging client set without a bucket"}
	}
	return ocr.Health{Healthy: true}
}

// Analyze runs OCR over the document, choosing the synchronous or the
// asynchronous API by file type.
func (d *Driver) Analyze(ctx context.Context, documentPath string, features ...ocr.Feature) (*ocr.Result, error) {
	data, err := os.ReadFile(documentPath)
	if err != nil {
		return nil, ocr.Permanent(ocr.EngineTextract, "analyze", fmt.Errorf("read document: %w", err))
	}

	start := time.Now()
	var blocks []types.Block
	var raw json.RawMessage
	if strings.EqualFold(filepath.Ext(documentPath), ".pdf") {
		blocks, raw, err = d.analyzeAsync(ctx, data, featureTypes(features))
	} else {
		blocks, raw, err = d.analyzeSync(ctx, data, featureTypes(features))
	}
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	res := translate(blocks)
	res.EngineName = d.name
	res.ProcessingTime = elapsed
	res.ProcessedAt = time.Now().UTC()
	res.RawResponse = raw
	return res, nil
}

func (d *Driver) analyzeSync(ctx context.Context, data []byte, feats []types.FeatureType) ([]types.Block, json.RawMessage, error) {
	out, err := d.client.AnalyzeDocument(ctx, &awstextract.AnalyzeDocumentInput{
		Document:     &types.Document{Bytes: data},
		FeatureTypes: feats,
	})
	if err != nil {
		return nil, nil, classify(ctx, err)
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, nil, ocr.Permanent(ocr.EngineTextract, "analyze", err)
	}
	return out.Blocks, raw, nil
}

func (d *Driver) analyzeAsync(ctx context.Context, data []byte, feats []types.FeatureType) ([]types.Block, json.RawMessage, error) {
	if d.staging == nil || d.bucket == "" {
		return nil, nil, ocr.Configuration(ocr.EngineTextract, "analyze", fmt.Errorf("pdf analysis requires a staging bucket"))
	}
	key := "textract-staging/" + uuid.NewString() + ".pdf"
	if _, err := d.staging.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/pdf"),
	}); err != nil {
		return nil, nil, classify(ctx, fmt.Errorf("stage pdf: %w", err))
	}
	defer func() {
		// Cleanup is best-effort on a background context so an expired
		// analysis deadline does not leak staging objects.
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := d.staging.DeleteObject(cctx, &s3.DeleteObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(key),
		}); err != nil {
			d.logger.Warn(cctx, "textract staging cleanup failed", "key", key, "err", err)
		}
	}()

	started, err := d.client.StartDocumentAnalysis(ctx, &awstextract.StartDocumentAnalysisInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{Bucket: aws.String(d.bucket), Name: aws.String(key)},
		},
		FeatureTypes: feats,
	})
	if err != nil {
		return nil, nil, classify(ctx, err)
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	var blocks []types.Block
	var pages []*awstextract.GetDocumentAnalysisOutput
	var next *string
	for {
		out, err := d.client.GetDocumentAnalysis(ctx, &awstextract.GetDocumentAnalysisInput{
			JobId:     started.JobId,
			NextToken: next,
		})
		if err != nil {
			return nil, nil, classify(ctx, err)
		}
		switch out.JobStatus {
		case types.JobStatusSucceeded, types.JobStatusPartialSuccess:
			blocks = append(blocks, out.Blocks...)
			pages = append(pages, out)
			if out.NextToken != nil {
				next = out.NextToken
				continue
			}
			raw, err := json.Marshal(pages)
			if err != nil {
				return nil, nil, ocr.Permanent(ocr.EngineTextract, "analyze", err)
			}
			return blocks, raw, nil
		case types.JobStatusFailed:
			msg := "document analysis job failed"
			if out.StatusMessage != nil {
				msg = *out.StatusMessage
			}
			return nil, nil, ocr.Permanent(ocr.EngineTextract, "analyze", errors.New(msg))
		}

		select {
		case <-ctx.Done():
			return nil, nil, ocr.Cancelled(ocr.EngineTextract, "analyze", ctx.Err())
		case <-ticker.C:
		}
	}
}

// featureTypes maps advisory features onto Textract feature flags, always
// requesting tables and forms so the canonical result is fully populated.
func featureTypes(features []ocr.Feature) []types.FeatureType {
	out := []types.FeatureType{types.FeatureTypeTables, types.FeatureTypeForms}
	if ocr.HasFeature(features, ocr.FeatureLayout) {
		out = append(out, types.FeatureTypeLayout)
	}
	if ocr.HasFeature(features, ocr.FeatureQueries) {
		out = append(out, types.FeatureTypeQueries)
	}
	if ocr.HasFeature(features, ocr.FeatureSignatures) {
		out = append(out, types.FeatureTypeSignatures)
	}
	return out
}

// classify maps SDK failures onto error categories using the smithy API error
// code.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ocr.Cancelled(ocr.EngineTextract, "analyze", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException", "LimitExceededException":
			return ocr.Transient(ocr.EngineTextract, "analyze", err)
		case "InternalServerError", "ServiceUnavailableException":
			return ocr.Transient(ocr.EngineTextract, "analyze", err)
		case "AccessDeniedException", "UnrecognizedClientException":
			return ocr.Permanent(ocr.EngineTextract, "analyze", err)
		default:
			return ocr.Permanent(ocr.EngineTextract, "analyze", err)
		}
	}
	// Non-API failures are transport-level.
	return ocr.Transient(ocr.EngineTextract, "analyze", err)
}
