package consensus

import (
	"sort"

	"github.com/labelmint/labelmint/internal/domain"
)

// reviewerBatchSize is the fixed extra-reviewer batch requested to break a
// near-tie once quorum has been met.
const reviewerBatchSize = 2

// CheckConsensus aggregates the task's current label set into a verdict.
// Pure: no state is read other than the machine's configuration, and nothing
// is mutated; the result is recomputed from scratch on every call.
//
// A near-tie (1-vote margin, not only a true tie) at or above quorum counts
// as conflict when the leading value also misses the threshold. A leading
// value at or above the threshold wins outright even at a 1-vote margin.
func (m *Machine) CheckConsensus(labels []domain.Label) domain.ConsensusResult {
	cfg := m.Config()

	counts := make(map[string]int, len(labels))
	for _, l := range labels {
		counts[l.Value]++
	}
	total := len(labels)
	if total == 0 {
		return domain.ConsensusResult{LabelCounts: map[string]int{}}
	}

	topValue, topCount, secondCount := rankCounts(counts)

	confidence := float64(topCount) / float64(total)
	voteDifference := topCount - secondCount
	isUnanimous := topCount == total
	isTie := voteDifference == 0 && len(counts) > 1

	conflict := len(counts) > 1 &&
		!isUnanimous &&
		voteDifference <= 1 &&
		total >= cfg.RequiredLabels &&
		(isTie || topCount < cfg.Threshold)

	reached := total >= cfg.RequiredLabels &&
		topCount >= cfg.Threshold &&
		!conflict

	result := domain.ConsensusResult{
		Reached:     reached,
		Confidence:  confidence,
		LabelCounts: counts,
		TotalLabels: total,
		Conflict:    conflict,
	}
	if reached && !conflict {
		result.AgreedLabel = topValue
	}
	return result
}

// rankCounts sorts values by count descending and returns the leading value
// plus the top two counts. Equal counts rank lexicographically, which keeps
// output deterministic (ties never produce an agreed label anyway).
func rankCounts(counts map[string]int) (topValue string, topCount, secondCount int) {
	type valueCount struct {
		value string
		count int
	}
	ranked := make([]valueCount, 0, len(counts))
	for v, c := range counts {
		ranked = append(ranked, valueCount{v, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].value < ranked[j].value
	})

	topValue, topCount = ranked[0].value, ranked[0].count
	if len(ranked) > 1 {
		secondCount = ranked[1].count
	}
	return topValue, topCount, secondCount
}

// NeedsAdditionalReviewers reports whether the task should be offered to
// more workers: below quorum, or conflicted with reviewer capacity left.
func (m *Machine) NeedsAdditionalReviewers(labels []domain.Label) bool {
	cfg := m.Config()
	total := len(labels)
	if total < cfg.RequiredLabels {
		return true
	}
	result := m.CheckConsensus(labels)
	return result.Conflict && total < cfg.MaxReviewers
}

// AdditionalReviewersNeeded returns how many more labels to request: the
// shortfall while below quorum; a capped tie-break batch while conflicted;
// zero otherwise.
func (m *Machine) AdditionalReviewersNeeded(labels []domain.Label) int {
	cfg := m.Config()
	total := len(labels)
	if total < cfg.RequiredLabels {
		return cfg.RequiredLabels - total
	}
	result := m.CheckConsensus(labels)
	if result.Conflict {
		remaining := cfg.MaxReviewers - total
		if remaining <= 0 {
			return 0
		}
		if remaining < reviewerBatchSize {
			return remaining
		}
		return reviewerBatchSize
	}
	return 0
}
