package models

import (
	"testing"
	"time"
)

func TestPhaseProgression(t *testing.T) {
	want := []Phase{
		{Kind: PhaseLobby},
		{Kind: PhaseTutorial},
		{Kind: PhaseRoundBriefing, Round: 1},
		{Kind: PhaseRoundGameplay, Round: 1},
		{Kind: PhaseRoundBreakdown, Round: 1},
		{Kind: PhaseRoundBriefing, Round: 2},
		{Kind: PhaseRoundGameplay, Round: 2},
		{Kind: PhaseRoundBreakdown, Round: 2},
		{Kind: PhaseRoundBriefing, Round: 3},
		{Kind: PhaseRoundGameplay, Round: 3},
		{Kind: PhaseRoundBreakdown, Round: 3},
		{Kind: PhaseResults, Round: 3},
	}

	p := Lobby()
	for i, expected := range want {
		if p != expected {
			t.Fatalf("step %d: got %s, want %s", i, p, expected)
		}
		if err := p.Validate(); err != nil {
			t.Fatalf("step %d: %s failed validation: %v", i, p, err)
		}
		next, ok := p.Next()
		if i == len(want)-1 {
			if ok {
				t.Fatalf("results should be terminal, got next %s", next)
			}
			break
		}
		if !ok {
			t.Fatalf("step %d: %s has no successor", i, p)
		}
		p = next
	}
}

func TestPhaseFlags(t *testing.T) {
	tests := []struct {
		phase  Phase
		timed  bool
		ledger bool
	}{
		{Lobby(), false, false},
		{Phase{Kind: PhaseTutorial}, true, false},
		{Phase{Kind: PhaseRoundBriefing, Round: 2}, false, false},
		{Phase{Kind: PhaseRoundGameplay, Round: 2}, true, true},
		{Phase{Kind: PhaseRoundBreakdown, Round: 2}, false, false},
		{Phase{Kind: PhaseResults, Round: 3}, false, false},
	}
	for _, tt := range tests {
		if got := tt.phase.IsTimed(); got != tt.timed {
			t.Errorf("%s IsTimed = %v, want %v", tt.phase, got, tt.timed)
		}
		if got := tt.phase.LedgerOpen(); got != tt.ledger {
			t.Errorf("%s LedgerOpen = %v, want %v", tt.phase, got, tt.ledger)
		}
	}
}

func TestPhaseValidateRejects(t *testing.T) {
	bad := []Phase{
		{Kind: "cutscene"},
		{Kind: PhaseLobby, Round: 1},
		{Kind: PhaseRoundGameplay, Round: 0},
		{Kind: PhaseRoundBreakdown, Round: 4},
	}
	for _, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("expected %+v to be invalid", p)
		}
	}
}

func TestSnapshotSectorsDerivesRemaining(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Room: Room{
			ID:          "R1",
			Phase:       Phase{Kind: PhaseRoundGameplay, Round: 2},
			RoundBudget: 100,
		},
		Placements: []Placement{
			{SectorID: 2, Round: 2, Cost: 30, CreatedAt: base.Add(2 * time.Second), Seq: 3},
			{SectorID: 2, Round: 2, Cost: 10, CreatedAt: base.Add(time.Second), Seq: 2},
			{SectorID: 2, Round: 1, Cost: 90, CreatedAt: base, Seq: 1},
			{SectorID: 3, Round: 2, Cost: 5, CreatedAt: base, Seq: 4},
		},
	}

	sectors := snap.Sectors()
	if got := sectors[0].Remaining; got != 100 {
		t.Errorf("sector 1 remaining = %d, want 100", got)
	}
	s2 := sectors[1]
	if s2.BudgetSpent != 40 || s2.Remaining != 60 {
		t.Errorf("sector 2 spent/remaining = %d/%d, want 40/60", s2.BudgetSpent, s2.Remaining)
	}
	if len(s2.Placements) != 2 || s2.Placements[0].Cost != 10 {
		t.Errorf("sector 2 placements not ordered by server time: %+v", s2.Placements)
	}
	if got := sectors[2].Remaining; got != 95 {
		t.Errorf("sector 3 remaining = %d, want 95", got)
	}
}
