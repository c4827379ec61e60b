package domain

import "testing"

// allStates covers the full enumeration, including terminal states.
var allStates = []TaskState{
	StateCreated, StateAssigned, StateInProgress, StatePendingReview,
	StateConsensusReached, StateConflictDetected, StateUnderDispute,
	StateResolved, StateCompleted, StateCancelled, StateExpired, StateFailed,
}

func TestIsValidTransition_TableSweep(t *testing.T) {
	// The only legal pairs, written out in full so a table edit breaks a test.
	legal := map[TaskState][]TaskState{
		StateCreated:          {StateAssigned, StateCancelled, StateExpired},
		StateAssigned:         {StateInProgress, StateCancelled, StateExpired, StateFailed},
		StateInProgress:       {StatePendingReview, StateCancelled, StateExpired, StateFailed},
		StatePendingReview:    {StateConsensusReached, StateConflictDetected, StateUnderDispute},
		StateConsensusReached: {StateCompleted},
		StateConflictDetected: {StateAssigned, StateUnderDispute},
		StateUnderDispute:     {StateResolved, StateConflictDetected},
		StateResolved:         {StateCompleted},
		StateExpired:          {StateCreated},
		StateFailed:           {StateCreated},
		StateCompleted:        {},
		StateCancelled:        {},
	}

	for _, from := range allStates {
		allowed := make(map[TaskState]bool)
		for _, to := range legal[from] {
			allowed[to] = true
		}
		for _, to := range allStates {
			got := IsValidTransition(from, to)
			if got != allowed[to] {
				t.Errorf("IsValidTransition(%s, %s) = %v, want %v", from, to, got, allowed[to])
			}
		}
	}
}

func TestIsValidTransition_UnknownStates(t *testing.T) {
	if IsValidTransition("BOGUS", StateAssigned) {
		t.Error("unknown from-state should never be valid")
	}
	if IsValidTransition(StateCreated, "BOGUS") {
		t.Error("unknown to-state should never be valid")
	}
}

func TestNextStates(t *testing.T) {
	got := NextStates(StateCreated)
	want := []TaskState{StateAssigned, StateCancelled, StateExpired}
	if len(got) != len(want) {
		t.Fatalf("NextStates(CREATED) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("NextStates(CREATED)[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if n := NextStates(StateCompleted); len(n) != 0 {
		t.Errorf("NextStates(COMPLETED) = %v, want empty", n)
	}
	if n := NextStates("BOGUS"); n != nil {
		t.Errorf("NextStates(unknown) = %v, want nil", n)
	}
}

func TestStatePredicates(t *testing.T) {
	terminal := map[TaskState]bool{StateCompleted: true, StateCancelled: true}
	active := map[TaskState]bool{
		StateCreated: true, StateAssigned: true, StateInProgress: true,
		StatePendingReview: true, StateConflictDetected: true, StateUnderDispute: true,
	}
	eligible := map[TaskState]bool{
		StatePendingReview: true, StateConflictDetected: true, StateUnderDispute: true,
	}

	for _, s := range allStates {
		if IsTerminal(s) != terminal[s] {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, IsTerminal(s), terminal[s])
		}
		if IsActive(s) != active[s] {
			t.Errorf("IsActive(%s) = %v, want %v", s, IsActive(s), active[s])
		}
		if CanCalculateConsensus(s) != eligible[s] {
			t.Errorf("CanCalculateConsensus(%s) = %v, want %v", s, CanCalculateConsensus(s), eligible[s])
		}
	}
}
