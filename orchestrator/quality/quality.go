// Package quality scores canonical OCR results against configured thresholds.
// The evaluator is pure: it inspects the result, compares each criterion, and
// returns the per-criterion details plus a scalar score for logging.
package quality

import (
	"github.com/docuflow/ocrflow/orchestrator/config"
	"github.com/docuflow/ocrflow/orchestrator/ocr"
)

// Evaluation holds the outcome of one quality check.
type Evaluation struct {
	// ConfidenceCheck passes when confidence >= MinConfidence.
	ConfidenceCheck bool
	// WordCountCheck passes when the result recognized at least one word.
	WordCountCheck bool
	// PageCountCheck passes when pageCount >= MinPagesProcessed.
	PageCountCheck bool
	// ProcessingTimeCheck passes when processingTime <= MaxProcessingTime.
	ProcessingTimeCheck bool
	// WordRecognitionCheck passes when WordRecognitionRate >= MinWordRecognitionRate.
	WordRecognitionCheck bool

	// WordRecognitionRate is the estimated fraction of expected words recognized.
	WordRecognitionRate float64
	// Score is the fraction of passing checks in [0,1], for logging.
	Score float64
	// Passed is true iff every check passed.
	Passed bool
}

// Evaluate scores res against t. Without an external expected-word count the
// recognition rate is estimated as wordCount/max(100, wordCount), which
// protects against a zero denominator and saturates at 1.
func Evaluate(res *ocr.Result, t config.QualityThresholds) Evaluation {
	return EvaluateWithExpectedWords(res, t, 0)
}

// EvaluateWithExpectedWords scores res against t using an externally supplied
// expected-word count. When expectedWords <= 0 the estimator from Evaluate is
// used instead.
func EvaluateWithExpectedWords(res *ocr.Result, t config.QualityThresholds, expectedWords int) Evaluation {
	denom := expectedWords
	if denom <= 0 {
		denom = 100
		if res.WordCount > denom {
			denom = res.WordCount
		}
	}
	rate := float64(res.WordCount) / float64(denom)
	if rate > 1 {
		rate = 1
	}

	ev := Evaluation{
		ConfidenceCheck:      res.Confidence >= t.MinConfidence,
		WordCountCheck:       res.WordCount > 0,
		PageCountCheck:       res.PageCount >= t.MinPagesProcessed,
		ProcessingTimeCheck:  t.MaxProcessingTime <= 0 || res.ProcessingTime <= t.MaxProcessingTime,
		WordRecognitionCheck: rate >= t.MinWordRecognitionRate,
		WordRecognitionRate:  rate,
	}

	passing := 0
	for _, ok := range ev.checks() {
		if ok {
			passing++
		}
	}
	ev.Score = float64(passing) / float64(len(ev.checks()))
	ev.Passed = passing == len(ev.checks())
	return ev
}

func (e Evaluation) checks() []bool {
	return []bool{
		e.ConfidenceCheck,
		e.WordCountCheck,
		e.PageCountCheck,
		e.ProcessingTimeCheck,
		e.WordRecognitionCheck,
	}
}
