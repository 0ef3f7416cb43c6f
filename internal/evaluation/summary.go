package evaluation

import (
	"github.com/askben/askben/internal/citation"
	"github.com/askben/askben/internal/store"
)

// Summarize derives an eval run's aggregate from its results. Excluded
// results count only towards ExcludedExamples.
func Summarize(results []store.EvalResult) store.EvalAggregate {
	var (
		agg                                  store.EvalAggregate
		score, relevance, faithful, complete float64
	)
	for _, r := range results {
		if r.Excluded {
			agg.ExcludedExamples++
			continue
		}
		agg.ScoredExamples++
		score += r.AvgScore
		relevance += r.RelevanceScore
		faithful += r.FaithfulnessScore
		complete += r.CompletenessScore
		if agg.TierCounts == nil {
			agg.TierCounts = make(map[string]int)
		}
		agg.TierCounts[r.RetrievalTier.String()]++
	}

	if n := float64(agg.ScoredExamples); n > 0 {
		agg.AvgScore = score / n
		agg.AvgRelevance = relevance / n
		agg.AvgFaithfulness = faithful / n
		agg.AvgCompleteness = complete / n
	}
	return agg
}

// SummarizeCitations derives a citation run's aggregate from its results.
func SummarizeCitations(results []store.CitationResult) store.CitationAggregate {
	var (
		agg    store.CitationAggregate
		counts citation.Counts
	)
	for _, r := range results {
		if r.Excluded {
			agg.ExcludedExamples++
			continue
		}
		agg.ScoredExamples++
		counts.Merge(r.Counts())
	}
	agg.Counts = counts
	agg.OverallAccuracy = counts.Accuracy()
	return agg
}
