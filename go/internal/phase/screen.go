package phase

import (
	"fmt"

	"github.com/mcdev12/shoreline/go/internal/models"
)

// Screen names what a client renders for a phase.
type Screen string

const (
	ScreenWaiting        Screen = "waiting"
	ScreenTutorial       Screen = "tutorial"
	ScreenBriefing       Screen = "briefing"
	ScreenGameplay       Screen = "gameplay"
	ScreenBreakdown      Screen = "breakdown"
	ScreenFinalReport    Screen = "final_report"
	ScreenFinalBreakdown Screen = "final_breakdown"
)

// ScreenFor maps a phase to exactly one screen. The last round's breakdown gets
// its own screen; every other breakdown shares ScreenBreakdown.
func ScreenFor(p models.Phase) (Screen, error) {
	switch p.Kind {
	case models.PhaseLobby:
		return ScreenWaiting, nil
	case models.PhaseTutorial:
		return ScreenTutorial, nil
	case models.PhaseRoundBriefing:
		return ScreenBriefing, nil
	case models.PhaseRoundGameplay:
		return ScreenGameplay, nil
	case models.PhaseRoundBreakdown:
		if p.Round == models.MaxRounds {
			return ScreenFinalBreakdown, nil
		}
		return ScreenBreakdown, nil
	case models.PhaseResults:
		return ScreenFinalReport, nil
	default:
		return "", fmt.Errorf("no screen for phase %q", p.Kind)
	}
}
