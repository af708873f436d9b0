// Package selector picks the winning run for a document from its completed
// runs. The policy is a fixed criterion cascade with deterministic tie-breaks:
// running it twice over the same input returns the same run.
package selector

import (
	"math"
	"sort"

	"github.com/docuflow/ocrflow/orchestrator/runstore"
)

// DefaultConfidenceThreshold gates the all-pages criterion.
const DefaultConfidenceThreshold = 0.70

// Options tunes the selection policy.
type Options struct {
	// ConfidenceThreshold overrides DefaultConfidenceThreshold when positive.
	ConfidenceThreshold float64
}

// Select applies the multi-criterion policy over the completed runs of a
// document. docPageCount is the document's declared page count, nil when
// unknown. The second return is false when no run can be selected (empty set
// or no completed successes).
func Select(runs []runstore.Run, docPageCount *int, opts Options) (runstore.Run, bool) {
	threshold := opts.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}

	completed := make([]runstore.Run, 0, len(runs))
	for _, r := range runs {
		if r.Status == runstore.StatusCompleted {
			completed = append(completed, r)
		}
	}
	if len(completed) == 0 {
		return runstore.Run{}, false
	}

	// Criterion 1: full coverage at high confidence, highest confidence wins.
	if docPageCount != nil && *docPageCount > 0 {
		var pool []runstore.Run
		for _, r := range completed {
			if r.ConfidenceMean >= threshold && r.PagesParsed == *docPageCount {
				pool = append(pool, r)
			}
		}
		if len(pool) > 0 {
			return best(pool, func(r runstore.Run) float64 { return r.ConfidenceMean }), true
		}
	}

	// Criterion 2: most pages with text. A unique maximum wins outright;
	// ties are retained as the pool for criterion 4.
	var withText []runstore.Run
	for _, r := range completed {
		if r.PagesParsed > 0 && r.WordCount > 0 {
			withText = append(withText, r)
		}
	}
	var tiePool []runstore.Run
	if len(withText) > 0 {
		maxPages := 0
		for _, r := range withText {
			if r.PagesParsed > maxPages {
				maxPages = r.PagesParsed
			}
		}
		for _, r := range withText {
			if r.PagesParsed == maxPages {
				tiePool = append(tiePool, r)
			}
		}
		if len(tiePool) == 1 {
			return tiePool[0], true
		}
	}

	// Criterion 3: tables plus text, highest word count.
	var withTables []runstore.Run
	for _, r := range completed {
		if r.WordCount > 0 && r.TableCount >= 1 {
			withTables = append(withTables, r)
		}
	}
	if len(withTables) > 0 {
		return best(withTables, func(r runstore.Run) float64 { return float64(r.WordCount) }), true
	}

	// Criterion 4: highest word count over the retained pool, or over every
	// completed run with text.
	pool := tiePool
	if len(pool) == 0 {
		for _, r := range completed {
			if r.WordCount > 0 {
				pool = append(pool, r)
			}
		}
	}
	if len(pool) > 0 {
		return best(pool, func(r runstore.Run) float64 { return float64(r.WordCount) }), true
	}

	// Final fallback: fastest completed run.
	return best(completed, func(r runstore.Run) float64 { return -float64(r.LatencyMS) }), true
}

// best returns the run maximizing score, breaking ties by lowest latency, then
// lowest cost (missing cost sorts last), then lowest run ID.
func best(pool []runstore.Run, score func(runstore.Run) float64) runstore.Run {
	sorted := append([]runstore.Run(nil), pool...)
	sort.Slice(sorted, func(i, j int) bool {
		si, sj := score(sorted[i]), score(sorted[j])
		if si != sj {
			return si > sj
		}
		if sorted[i].LatencyMS != sorted[j].LatencyMS {
			return sorted[i].LatencyMS < sorted[j].LatencyMS
		}
		ci, cj := costOf(sorted[i]), costOf(sorted[j])
		if ci != cj {
			return ci < cj
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

func costOf(r runstore.Run) float64 {
	if r.CostCents == nil {
		return math.Inf(1)
	}
	return float64(*r.CostCents)
}
