package models

import "fmt"

// MaxRounds is the number of gameplay rounds in a session.
const MaxRounds = 3

// PhaseKind defines the stage of a room's progression.
type PhaseKind string

const (
	PhaseLobby          PhaseKind = "lobby"
	PhaseTutorial       PhaseKind = "tutorial"
	PhaseRoundBriefing  PhaseKind = "round_briefing"
	PhaseRoundGameplay  PhaseKind = "round_gameplay"
	PhaseRoundBreakdown PhaseKind = "round_breakdown"
	PhaseResults        PhaseKind = "results"
)

// Phase is a phase kind plus the round it belongs to. Round is 0 for lobby and
// tutorial, 1..MaxRounds for round phases, and MaxRounds for results.
type Phase struct {
	Kind  PhaseKind `json:"kind"`
	Round int       `json:"round"`
}

// Lobby is the phase every room is created in.
func Lobby() Phase {
	return Phase{Kind: PhaseLobby}
}

// Next returns the phase that follows p. Progression never skips; ok is false
// only for Results.
func (p Phase) Next() (Phase, bool) {
	switch p.Kind {
	case PhaseLobby:
		return Phase{Kind: PhaseTutorial}, true
	case PhaseTutorial:
		return Phase{Kind: PhaseRoundBriefing, Round: 1}, true
	case PhaseRoundBriefing:
		return Phase{Kind: PhaseRoundGameplay, Round: p.Round}, true
	case PhaseRoundGameplay:
		return Phase{Kind: PhaseRoundBreakdown, Round: p.Round}, true
	case PhaseRoundBreakdown:
		if p.Round >= MaxRounds {
			return Phase{Kind: PhaseResults, Round: p.Round}, true
		}
		return Phase{Kind: PhaseRoundBriefing, Round: p.Round + 1}, true
	default:
		return Phase{}, false
	}
}

// IsTimed reports whether the phase ends on a timeout rather than a continue signal.
func (p Phase) IsTimed() bool {
	return p.Kind == PhaseTutorial || p.Kind == PhaseRoundGameplay
}

// LedgerOpen reports whether sector placements are accepted in this phase.
func (p Phase) LedgerOpen() bool {
	return p.Kind == PhaseRoundGameplay
}

// IsTerminal reports whether the phase has no successor.
func (p Phase) IsTerminal() bool {
	return p.Kind == PhaseResults
}

// Validate checks that the kind is known and the round fits the kind.
func (p Phase) Validate() error {
	switch p.Kind {
	case PhaseLobby, PhaseTutorial:
		if p.Round != 0 {
			return fmt.Errorf("phase %s cannot carry round %d", p.Kind, p.Round)
		}
	case PhaseRoundBriefing, PhaseRoundGameplay, PhaseRoundBreakdown, PhaseResults:
		if p.Round < 1 || p.Round > MaxRounds {
			return fmt.Errorf("phase %s has round %d outside 1..%d", p.Kind, p.Round, MaxRounds)
		}
	default:
		return fmt.Errorf("unknown phase kind %q", p.Kind)
	}
	return nil
}

func (p Phase) String() string {
	if p.Round == 0 || p.Kind == PhaseResults {
		return string(p.Kind)
	}
	return fmt.Sprintf("%s(%d)", p.Kind, p.Round)
}
