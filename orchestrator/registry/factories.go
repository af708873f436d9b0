package registry

import (
	"context"
	"os"
	"strconv"

	"github.com/docuflow/ocrflow/drivers/azure"
	"github.com/docuflow/ocrflow/drivers/google"
	"github.com/docuflow/ocrflow/drivers/mistral"
	"github.com/docuflow/ocrflow/drivers/paddle"
	"github.com/docuflow/ocrflow/drivers/tesseract"
	"github.com/docuflow/ocrflow/drivers/textract"
	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
	"github.com/docuflow/ocrflow/orchestrator/telemetry"
)

// CloudDeps carries the provider clients and ambient settings the default
// factories need. Fields left zero disable the corresponding engines.
type CloudDeps struct {
	// Textract is the Textract API client.
	Textract textract.AnalyzeAPI
	// TextractStaging is the S3 client for the asynchronous PDF path.
	TextractStaging textract.StagingAPI
	// TextractBucket is the staging bucket name.
	TextractBucket string
	// Logger is passed through to drivers that log.
	Logger telemetry.Logger
}

// DefaultFactories returns the factory set for all six engine kinds. Driver
// params come from the engine config's Params map first, then the
// conventional environment variables.
func DefaultFactories(deps CloudDeps) map[ocr.EngineKind]Factory {
	return map[ocr.EngineKind]Factory{
		ocr.EngineAzure: func(_ context.Context, cfg config.EngineConfig) (ocr.Driver, error) {
			return azure.New(azure.Options{
				Endpoint:    param(cfg, "endpoint", "AZURE_DI_ENDPOINT"),
				APIKey:      param(cfg, "apiKey", "AZURE_DI_KEY"),
				ModelID:     cfg.Params["modelId"],
				DisplayName: cfg.DisplayName,
				Logger:      deps.Logger,
			})
		},
		ocr.EngineGoogle: func(_ context.Context, cfg config.EngineConfig) (ocr.Driver, error) {
			return google.New(google.Options{
				ProjectID:   param(cfg, "projectId", "GOOGLE_CLOUD_PROJECT"),
				Location:    param(cfg, "location", "DOCAI_LOCATION"),
				ProcessorID: param(cfg, "processorId", "DOCAI_PROCESSOR_ID"),
				DisplayName: cfg.DisplayName,
			})
		},
		ocr.EngineTextract: func(_ context.Context, cfg config.EngineConfig) (ocr.Driver, error) {
			return textract.New(textract.Options{
				Client:        deps.Textract,
				Staging:       deps.TextractStaging,
				StagingBucket: firstNonEmpty(cfg.Params["stagingBucket"], deps.TextractBucket),
				DisplayName:   cfg.DisplayName,
				Logger:        deps.Logger,
			})
		},
		ocr.EngineMistral: func(_ context.Context, cfg config.EngineConfig) (ocr.Driver, error) {
			return mistral.New(mistral.Options{
				APIKey:      param(cfg, "apiKey", "MISTRAL_API_KEY"),
				BaseURL:     cfg.Params["baseUrl"],
				Model:       cfg.Params["model"],
				DisplayName: cfg.DisplayName,
			})
		},
		ocr.EngineTesseract: func(_ context.Context, cfg config.EngineConfig) (ocr.Driver, error) {
			psm := 0
			if v, err := strconv.Atoi(cfg.Params["psm"]); err == nil {
				psm = v
			}
			return tesseract.New(tesseract.Options{
				Binary:      cfg.Params["binary"],
				Language:    cfg.Params["language"],
				PSM:         psm,
				DisplayName: cfg.DisplayName,
			}), nil
		},
		ocr.EnginePaddle: func(_ context.Context, cfg config.EngineConfig) (ocr.Driver, error) {
			return paddle.New(paddle.Options{
				Binary:      cfg.Params["binary"],
				Language:    cfg.Params["language"],
				UseGPU:      cfg.Params["useGpu"] == "true",
				DisplayName: cfg.DisplayName,
			}), nil
		},
	}
}

func param(cfg config.EngineConfig, key, envVar string) string {
	if v, ok := cfg.Params[key]; ok && v != "" {
		return v
	}
	return os.Getenv(envVar)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
