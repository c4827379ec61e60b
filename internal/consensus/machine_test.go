package consensus

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/labelmint/labelmint/internal/domain"
)

var machineStates = []domain.TaskState{
	domain.StateCreated,
	domain.StateAssigned,
	domain.StateInProgress,
	domain.StatePendingReview,
	domain.StateConsensusReached,
	domain.StateConflictDetected,
	domain.StateUnderDispute,
	domain.StateResolved,
	domain.StateCompleted,
	domain.StateCancelled,
	domain.StateExpired,
	domain.StateFailed,
}

func TestNewMachine(t *testing.T) {
	m, err := NewMachine("task-1", testConfig(3, 2, 5))
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if m.TaskID() != "task-1" {
		t.Errorf("taskID = %q", m.TaskID())
	}
	if m.State() != domain.StateCreated {
		t.Errorf("initial state = %s, want CREATED", m.State())
	}
	if len(m.History()) != 0 {
		t.Errorf("new machine has %d history entries", len(m.History()))
	}
	if !m.LastTransitionAt().IsZero() {
		t.Error("new machine should have zero last-transition time")
	}
}

func TestNewMachine_Invalid(t *testing.T) {
	if _, err := NewMachine("", testConfig(3, 2, 5)); err == nil {
		t.Error("empty task id should be rejected")
	}

	bad := testConfig(3, 2, 5)
	bad.RequiredLabels = 0
	_, err := NewMachine("task-1", bad)
	if !errors.Is(err, domain.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

// TestTransition_TableSweep exercises every (from, to) pair once. Valid pairs
// must commit exactly one history entry; invalid pairs must leave the machine
// untouched and return a StateTransitionError carrying both states.
func TestTransition_TableSweep(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, from := range machineStates {
		for _, to := range machineStates {
			m := newTestMachine(t, testConfig(3, 2, 5))
			m.now = func() time.Time { return fixed }
			m.state = from

			err := m.Transition(to, map[string]any{"note": "sweep"})

			if domain.IsValidTransition(from, to) {
				if err != nil {
					t.Errorf("%s -> %s: unexpected error %v", from, to, err)
					continue
				}
				if m.State() != to {
					t.Errorf("%s -> %s: state = %s", from, to, m.State())
				}
				hist := m.History()
				if len(hist) != 1 {
					t.Errorf("%s -> %s: %d history entries, want 1", from, to, len(hist))
					continue
				}
				rec := hist[0]
				if rec.From != from || rec.To != to || !rec.At.Equal(fixed) {
					t.Errorf("%s -> %s: record = %+v", from, to, rec)
				}
				if !m.LastTransitionAt().Equal(fixed) {
					t.Errorf("%s -> %s: lastTransitionAt = %v", from, to, m.LastTransitionAt())
				}
			} else {
				if err == nil {
					t.Errorf("%s -> %s: expected rejection", from, to)
					continue
				}
				var ste *domain.StateTransitionError
				if !errors.As(err, &ste) {
					t.Errorf("%s -> %s: error %T, want StateTransitionError", from, to, err)
					continue
				}
				if ste.From != from || ste.To != to {
					t.Errorf("%s -> %s: error carries %s -> %s", from, to, ste.From, ste.To)
				}
				if !errors.Is(err, domain.ErrInvalidTransition) {
					t.Errorf("%s -> %s: error does not unwrap to ErrInvalidTransition", from, to)
				}
				if m.State() != from {
					t.Errorf("%s -> %s: rejected transition mutated state to %s", from, to, m.State())
				}
				if len(m.History()) != 0 {
					t.Errorf("%s -> %s: rejected transition recorded history", from, to)
				}
			}
		}
	}
}

func TestLifecycleWrappers(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))

	steps := []struct {
		op   func() error
		want domain.TaskState
	}{
		{func() error { return m.AssignTo("w1") }, domain.StateAssigned},
		{func() error { return m.StartWork("w1") }, domain.StateInProgress},
		{func() error { return m.SubmitForReview("w1") }, domain.StatePendingReview},
	}
	for _, s := range steps {
		if err := s.op(); err != nil {
			t.Fatalf("step to %s: %v", s.want, err)
		}
		if m.State() != s.want {
			t.Fatalf("state = %s, want %s", m.State(), s.want)
		}
	}
	if len(m.History()) != 3 {
		t.Errorf("history length = %d, want 3", len(m.History()))
	}

	// Worker id must ride along in the context.
	if got := m.History()[0].Context["worker_id"]; got != "w1" {
		t.Errorf("assignment context worker_id = %v", got)
	}
}

func TestLifecycleWrappers_Rejected(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))

	// StartWork is illegal straight out of CREATED.
	if err := m.StartWork("w1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("StartWork from CREATED: %v", err)
	}
	if err := m.SubmitForReview("w1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("SubmitForReview from CREATED: %v", err)
	}
	if m.State() != domain.StateCreated {
		t.Errorf("rejections mutated state to %s", m.State())
	}
}

func TestHandleExpirationAndFailure(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))
	if err := m.AssignTo("w1"); err != nil {
		t.Fatal(err)
	}
	if err := m.HandleExpiration(); err != nil {
		t.Fatalf("HandleExpiration: %v", err)
	}
	if m.State() != domain.StateExpired {
		t.Fatalf("state = %s", m.State())
	}
	// Expired tasks requeue.
	if err := m.Transition(domain.StateCreated, map[string]any{"reason": "requeue"}); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	if err := m.AssignTo("w2"); err != nil {
		t.Fatal(err)
	}
	if err := m.HandleFailure("worker dropped"); err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if m.State() != domain.StateFailed {
		t.Fatalf("state = %s", m.State())
	}
	if got := m.History()[len(m.History())-1].Context["reason"]; got != "worker dropped" {
		t.Errorf("failure reason = %v", got)
	}
}

func TestProcessConsensusResult_Reached(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))
	m.state = domain.StatePendingReview

	result := domain.ConsensusResult{
		Reached:     true,
		AgreedLabel: "yes",
		Confidence:  2.0 / 3.0,
		TotalLabels: 3,
	}
	if err := m.ProcessConsensusResult(result, "w3"); err != nil {
		t.Fatalf("ProcessConsensusResult: %v", err)
	}
	if m.State() != domain.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", m.State())
	}

	hist := m.History()
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2 (CONSENSUS_REACHED then COMPLETED)", len(hist))
	}
	if hist[0].To != domain.StateConsensusReached || hist[1].To != domain.StateCompleted {
		t.Errorf("history targets = %s, %s", hist[0].To, hist[1].To)
	}
	for i, rec := range hist {
		if rec.Context["agreed_label"] != "yes" {
			t.Errorf("entry %d missing agreed label: %v", i, rec.Context)
		}
	}
}

func TestProcessConsensusResult_Conflict(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 3, 5))
	m.state = domain.StatePendingReview

	result := domain.ConsensusResult{
		Conflict:    true,
		LabelCounts: map[string]int{"A": 2, "B": 1},
		TotalLabels: 3,
	}
	if err := m.ProcessConsensusResult(result, "w3"); err != nil {
		t.Fatalf("ProcessConsensusResult: %v", err)
	}
	if m.State() != domain.StateConflictDetected {
		t.Fatalf("state = %s, want CONFLICT_DETECTED", m.State())
	}
}

func TestProcessConsensusResult_NeedsReviewers(t *testing.T) {
	// A conflicted task with neither verdict reopens for more reviewers.
	m := newTestMachine(t, testConfig(3, 3, 7))
	m.state = domain.StateConflictDetected

	if err := m.ProcessConsensusResult(domain.ConsensusResult{TotalLabels: 3}, ""); err != nil {
		t.Fatalf("ProcessConsensusResult: %v", err)
	}
	if m.State() != domain.StateAssigned {
		t.Fatalf("state = %s, want ASSIGNED", m.State())
	}
	rec := m.History()[len(m.History())-1]
	if rec.Context["reason"] != "additional_reviewers_needed" {
		t.Errorf("context = %v", rec.Context)
	}
}

func TestProcessConsensusResult_IneligibleState(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))

	err := m.ProcessConsensusResult(domain.ConsensusResult{Reached: true, AgreedLabel: "yes"}, "w1")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
	if m.State() != domain.StateCreated {
		t.Errorf("state mutated to %s", m.State())
	}
}

func TestOnTransition(t *testing.T) {
	m := newTestMachine(t, testConfig(3, 2, 5))

	var got []domain.TransitionRecord
	m.OnTransition(func(taskID string, rec domain.TransitionRecord) {
		if taskID != "task-1" {
			t.Errorf("listener taskID = %q", taskID)
		}
		got = append(got, rec)
	})

	if err := m.AssignTo("w1"); err != nil {
		t.Fatal(err)
	}
	if err := m.StartWork("w1"); err != nil {
		t.Fatal(err)
	}
	if err := m.StartWork("w1"); err == nil {
		t.Fatal("second StartWork should be rejected")
	}

	if len(got) != 2 {
		t.Fatalf("listener saw %d transitions, want 2", len(got))
	}
	if got[0].To != domain.StateAssigned || got[1].To != domain.StateInProgress {
		t.Errorf("listener records = %+v", got)
	}
}

func TestMachineJSONRoundTrip(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := newTestMachine(t, testConfig(3, 2, 5))
	m.now = func() time.Time { return fixed }

	if err := m.AssignTo("w1"); err != nil {
		t.Fatal(err)
	}
	if err := m.StartWork("w1"); err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}

	if back.TaskID() != m.TaskID() {
		t.Errorf("taskID = %q, want %q", back.TaskID(), m.TaskID())
	}
	if back.State() != m.State() {
		t.Errorf("state = %s, want %s", back.State(), m.State())
	}
	if !reflect.DeepEqual(back.Config(), m.Config()) {
		t.Errorf("config = %+v, want %+v", back.Config(), m.Config())
	}
	if !back.LastTransitionAt().Equal(m.LastTransitionAt()) {
		t.Errorf("lastTransitionAt = %v, want %v", back.LastTransitionAt(), m.LastTransitionAt())
	}

	wantHist, gotHist := m.History(), back.History()
	if len(gotHist) != len(wantHist) {
		t.Fatalf("history length = %d, want %d", len(gotHist), len(wantHist))
	}
	for i := range wantHist {
		if gotHist[i].From != wantHist[i].From || gotHist[i].To != wantHist[i].To ||
			!gotHist[i].At.Equal(wantHist[i].At) {
			t.Errorf("history[%d] = %+v, want %+v", i, gotHist[i], wantHist[i])
		}
	}

	// The restored machine keeps enforcing the table.
	if err := back.SubmitForReview("w1"); err != nil {
		t.Errorf("restored machine rejects legal transition: %v", err)
	}
}
