package quality

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

func thresholds() config.QualityThresholds {
	return config.QualityThresholds{
		MinConfidence:          0.70,
		MinWordRecognitionRate: 0.50,
		MaxProcessingTime:      time.Minute,
		MinPagesProcessed:      1,
	}
}

func TestEvaluatePasses(t *testing.T) {
	res := &ocr.Result{
		Confidence:     0.92,
		WordCount:      450,
		PageCount:      3,
		ProcessingTime: 15 * time.Second,
	}
	ev := Evaluate(res, thresholds())
	assert.True(t, ev.Passed)
	assert.Equal(t, 1.0, ev.Score)
	assert.Equal(t, 1.0, ev.WordRecognitionRate)
}

func TestEvaluateLowConfidenceFails(t *testing.T) {
	res := &ocr.Result{
		Confidence:     0.55,
		WordCount:      120,
		PageCount:      1,
		ProcessingTime: 5 * time.Second,
	}
	ev := Evaluate(res, thresholds())
	assert.False(t, ev.Passed)
	assert.False(t, ev.ConfidenceCheck)
	assert.True(t, ev.WordCountCheck)
	assert.Less(t, ev.Score, 1.0)
}

func TestEvaluateZeroWords(t *testing.T) {
	res := &ocr.Result{Confidence: 0.95, PageCount: 1, ProcessingTime: time.Second}
	ev := Evaluate(res, thresholds())
	assert.False(t, ev.Passed)
	assert.False(t, ev.WordCountCheck)
	assert.Zero(t, ev.WordRecognitionRate)
}

func TestEvaluateRecognitionRateBelowHundredWords(t *testing.T) {
	res := &ocr.Result{Confidence: 0.9, WordCount: 40, PageCount: 1, ProcessingTime: time.Second}
	ev := Evaluate(res, thresholds())
	assert.InDelta(t, 0.40, ev.WordRecognitionRate, 1e-9)
	assert.False(t, ev.WordRecognitionCheck)
}

func TestEvaluateWithExpectedWords(t *testing.T) {
	res := &ocr.Result{Confidence: 0.9, WordCount: 80, PageCount: 1, ProcessingTime: time.Second}
	ev := EvaluateWithExpectedWords(res, thresholds(), 100)
	assert.InDelta(t, 0.80, ev.WordRecognitionRate, 1e-9)
	assert.True(t, ev.WordRecognitionCheck)
}

func TestEvaluateProcessingTime(t *testing.T) {
	res := &ocr.Result{Confidence: 0.9, WordCount: 200, PageCount: 1, ProcessingTime: 2 * time.Minute}
	ev := Evaluate(res, thresholds())
	assert.False(t, ev.ProcessingTimeCheck)
	assert.False(t, ev.Passed)
}

// TestQualityMonotonicityProperty verifies that raising any single threshold
// cannot turn a failing evaluation into a passing one.
func TestQualityMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genResult := gopter.CombineGens(
		gen.Float64Range(0, 1),
		gen.IntRange(0, 2000),
		gen.IntRange(0, 20),
		gen.Int64Range(0, int64(3*time.Minute)),
	).Map(func(vals []interface{}) *ocr.Result {
		return &ocr.Result{
			Confidence:     vals[0].(float64),
			WordCount:      vals[1].(int),
			PageCount:      vals[2].(int),
			ProcessingTime: time.Duration(vals[3].(int64)),
		}
	})

	genThresholds := gopter.CombineGens(
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Int64Range(int64(time.Second), int64(2*time.Minute)),
		gen.IntRange(1, 10),
	).Map(func(vals []interface{}) config.QualityThresholds {
		return config.QualityThresholds{
			MinConfidence:          vals[0].(float64),
			MinWordRecognitionRate: vals[1].(float64),
			MaxProcessingTime:      time.Duration(vals[2].(int64)),
			MinPagesProcessed:      vals[3].(int),
		}
	})

	properties.Property("raising a threshold never flips fail to pass", prop.ForAll(
		func(res *ocr.Result, th config.QualityThresholds) bool {
			base := Evaluate(res, th)

			stricter := []config.QualityThresholds{th, th, th, th}
			stricter[0].MinConfidence = min1(th.MinConfidence + 0.1)
			stricter[1].MinWordRecognitionRate = min1(th.MinWordRecognitionRate + 0.1)
			stricter[2].MaxProcessingTime = th.MaxProcessingTime / 2
			stricter[3].MinPagesProcessed = th.MinPagesProcessed + 1

			for _, s := range stricter {
				if !base.Passed && Evaluate(res, s).Passed {
					return false
				}
			}
			return true
		},
		genResult, genThresholds,
	))

	properties.TestingRun(t)
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
