package consensus

import (
	"testing"
	"time"

	"github.com/labelmint/labelmint/internal/domain"
)

func testConfig(required, threshold, maxReviewers int) domain.ConsensusConfig {
	return domain.ConsensusConfig{
		RequiredLabels:            required,
		Threshold:                 threshold,
		HoneypotThreshold:         0.9,
		MaxReviewers:              maxReviewers,
		ConflictResolutionTimeout: time.Hour,
	}
}

func newTestMachine(t *testing.T, cfg domain.ConsensusConfig) *Machine {
	t.Helper()
	m, err := NewMachine("task-1", cfg)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

func labelsOf(values ...string) []domain.Label {
	labels := make([]domain.Label, 0, len(values))
	for i, v := range values {
		labels = append(labels, domain.Label{
			ID:       string(rune('a' + i)),
			TaskID:   "task-1",
			WorkerID: string(rune('A' + i)),
			Value:    v,
		})
	}
	return labels
}

// ═══════════════════════════════════════════════════════════════════════════
// Vote Aggregation
// ═══════════════════════════════════════════════════════════════════════════

func TestCheckConsensus_Empty(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))
	r := m.CheckConsensus(nil)

	if r.Reached || r.Conflict {
		t.Error("empty label set should be neither reached nor conflicted")
	}
	if r.Confidence != 0 || r.TotalLabels != 0 {
		t.Errorf("confidence=%v totalLabels=%d, want zeros", r.Confidence, r.TotalLabels)
	}
	if r.LabelCounts == nil || len(r.LabelCounts) != 0 {
		t.Errorf("labelCounts = %v, want empty map", r.LabelCounts)
	}
}

func TestCheckConsensus_MajorityReached(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))
	r := m.CheckConsensus(labelsOf("yes", "yes", "no"))

	if !r.Reached {
		t.Fatal("expected consensus reached")
	}
	if r.Conflict {
		t.Error("2-1 at threshold 2 is not a conflict")
	}
	if r.AgreedLabel != "yes" {
		t.Errorf("agreedLabel = %q, want %q", r.AgreedLabel, "yes")
	}
	if want := 2.0 / 3.0; r.Confidence != want {
		t.Errorf("confidence = %v, want %v", r.Confidence, want)
	}
}

func TestCheckConsensus_AllDistinctConflict(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))
	r := m.CheckConsensus(labelsOf("yes", "no", "maybe"))

	if !r.Conflict {
		t.Fatal("three-way tie at quorum should be a conflict")
	}
	if r.Reached {
		t.Error("conflicted result cannot be reached")
	}
	if r.AgreedLabel != "" {
		t.Errorf("agreedLabel = %q, want empty", r.AgreedLabel)
	}
}

func TestCheckConsensus_BelowQuorum(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))
	r := m.CheckConsensus(labelsOf("yes", "yes"))

	if r.Reached || r.Conflict {
		t.Error("below quorum should be neither reached nor conflicted")
	}
	if !m.NeedsAdditionalReviewers(labelsOf("yes", "yes")) {
		t.Error("below quorum should need additional reviewers")
	}
	if n := m.AdditionalReviewersNeeded(labelsOf("yes", "yes")); n != 1 {
		t.Errorf("additional reviewers needed = %d, want 1", n)
	}
}

// The asymmetric near-tie rule: a 1-vote margin is a conflict only when the
// leader also misses the threshold. Same counts, different thresholds.
func TestCheckConsensus_NearTieAsymmetry(t *testing.T) {
	labels := labelsOf("A", "A", "B")

	atTwo := newTestMachine(t, testConfig(3, 2, 5)).CheckConsensus(labels)
	if atTwo.Conflict || !atTwo.Reached {
		t.Errorf("threshold 2: reached=%v conflict=%v, want reached, no conflict", atTwo.Reached, atTwo.Conflict)
	}

	atThree := newTestMachine(t, testConfig(3, 3, 5)).CheckConsensus(labels)
	if !atThree.Conflict || atThree.Reached {
		t.Errorf("threshold 3: reached=%v conflict=%v, want conflict, not reached", atThree.Reached, atThree.Conflict)
	}
}

func TestCheckConsensus_WideMarginBelowThreshold(t *testing.T) {
	// Leader short of threshold but margin above one: no verdict either way.
	m := newTestMachine(t, testConfig(5, 4, 7))
	r := m.CheckConsensus(labelsOf("A", "A", "A", "B", "C"))

	if r.Reached {
		t.Error("3 votes under threshold 4 cannot reach consensus")
	}
	if r.Conflict {
		t.Error("margin of 2 is not a conflict")
	}
}

func TestCheckConsensus_Unanimous(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))
	r := m.CheckConsensus(labelsOf("cat", "cat", "cat"))

	if !r.Reached || r.Conflict {
		t.Errorf("unanimous: reached=%v conflict=%v", r.Reached, r.Conflict)
	}
	if r.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", r.Confidence)
	}
}

func TestCheckConsensus_HoneypotShortcut(t *testing.T) {
	m := newTestMachine(t, testConfig(1, 1, 1))
	r := m.CheckConsensus(labelsOf("cat"))

	if !r.Reached {
		t.Fatal("single label should resolve a honeypot immediately")
	}
	if r.AgreedLabel != "cat" {
		t.Errorf("agreedLabel = %q, want %q", r.AgreedLabel, "cat")
	}
}

func TestCheckConsensus_SumInvariant(t *testing.T) {
	sets := [][]string{
		{"a"},
		{"a", "b"},
		{"a", "a", "b"},
		{"a", "b", "c", "c", "c"},
		{"x", "x", "y", "y", "z", "z", "z"},
	}
	m := newTestMachine(t, testConfig(3, 2, 7))

	for _, values := range sets {
		r := m.CheckConsensus(labelsOf(values...))
		sum := 0
		for _, c := range r.LabelCounts {
			sum += c
		}
		if sum != r.TotalLabels {
			t.Errorf("labels %v: Σcounts = %d, totalLabels = %d", values, sum, r.TotalLabels)
		}
		if r.TotalLabels != len(values) {
			t.Errorf("labels %v: totalLabels = %d, want %d", values, r.TotalLabels, len(values))
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Reviewer Shortfall
// ═══════════════════════════════════════════════════════════════════════════

func TestAdditionalReviewersNeeded_ConflictBatch(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 3, 7))
	labels := labelsOf("A", "A", "B") // conflict at quorum

	if !m.NeedsAdditionalReviewers(labels) {
		t.Fatal("conflict below max reviewers should need more")
	}
	if n := m.AdditionalReviewersNeeded(labels); n != 2 {
		t.Errorf("additional = %d, want fixed batch of 2", n)
	}
}

func TestAdditionalReviewersNeeded_CapacityExhausted(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 3, 4))
	labels := labelsOf("A", "A", "B", "B") // tie at max reviewers

	if m.NeedsAdditionalReviewers(labels) {
		t.Error("at max reviewers no more can be requested")
	}
	if n := m.AdditionalReviewersNeeded(labels); n != 0 {
		t.Errorf("additional = %d, want 0", n)
	}
}

func TestAdditionalReviewersNeeded_CapRemaining(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 3, 4))
	labels := labelsOf("A", "A", "B") // conflict with one slot left

	if n := m.AdditionalReviewersNeeded(labels); n != 1 {
		t.Errorf("additional = %d, want remaining capacity of 1", n)
	}
}

func TestAdditionalReviewersNeeded_Settled(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))
	labels := labelsOf("A", "A", "B")

	if m.NeedsAdditionalReviewers(labels) {
		t.Error("settled task should not need reviewers")
	}
	if n := m.AdditionalReviewersNeeded(labels); n != 0 {
		t.Errorf("additional = %d, want 0", n)
	}
}
