package model

import (
	"testing"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateQueued, true},
		{StateQueued, StateExtracting, true},
		{StateExtracting, StateDetecting, true},
		{StateDetecting, StateExtracting, false},
		{StateQueued, StateQueued, false},
		{StateReporting, StateError, true},
		{StateDone, StateError, false},
		{StateError, StateQueued, false},
		{StateQueued, State("bogus"), false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestVerdictValid(t *testing.T) {
	for _, v := range []Verdict{VerdictPass, VerdictWeak, VerdictMissing, VerdictNeedsReview} {
		if !v.Valid() {
			t.Errorf("Expected %s to be valid", v)
		}
	}
	if Verdict("maybe").Valid() {
		t.Error("Expected unknown verdict to be invalid")
	}
}

func TestPageOf(t *testing.T) {
	a := &ExtractionArtifact{PageMap: []PageSpan{{Page: 1, Start: 0, End: 10}, {Page: 2, Start: 10, End: 25}}}

	if got := a.PageOf(2, 8); got != 1 {
		t.Errorf("Expected page 1, got %d", got)
	}
	if got := a.PageOf(12, 25); got != 2 {
		t.Errorf("Expected page 2, got %d", got)
	}
	if got := a.PageOf(8, 12); got != 0 {
		t.Errorf("Expected 0 for span crossing pages, got %d", got)
	}
}

func TestFindingPending(t *testing.T) {
	if !(Finding{}).Pending() {
		t.Error("Expected empty status to count as pending")
	}
	if (Finding{Status: StatusFinal}).Pending() {
		t.Error("Expected final finding not to be pending")
	}
}
