package phase

import (
	"time"

	"github.com/mcdev12/shoreline/go/internal/models"
)

// Durations holds the nominal length of each timed phase.
type Durations struct {
	Tutorial time.Duration
	Gameplay time.Duration
}

// DefaultDurations returns the standard session pacing.
func DefaultDurations() Durations {
	return Durations{
		Tutorial: 45 * time.Second,
		Gameplay: 90 * time.Second,
	}
}

// DurationFor returns the duration stored with p. Untimed phases get zero.
func (d Durations) DurationFor(p models.Phase) time.Duration {
	switch p.Kind {
	case models.PhaseTutorial:
		return d.Tutorial
	case models.PhaseRoundGameplay:
		return d.Gameplay
	default:
		return 0
	}
}

// Remaining computes the time left in the room's current phase at server time now.
// Untimed phases always report zero.
func Remaining(room models.Room, now time.Time) time.Duration {
	if !room.Phase.IsTimed() {
		return 0
	}
	return RemainingAgainst(room.PhaseEpoch, room.PhaseDuration, now)
}

// RemainingAgainst is max(0, duration - (now - epoch)). It is derived from the
// epoch on every call so stalled or reattached clients converge immediately.
func RemainingAgainst(epoch time.Time, duration time.Duration, now time.Time) time.Duration {
	left := duration - now.Sub(epoch)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether a timed phase has run out at now.
func Expired(room models.Room, now time.Time) bool {
	return room.Phase.IsTimed() && Remaining(room, now) == 0
}
