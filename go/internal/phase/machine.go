package phase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotObserved    = errors.New("no room snapshot observed yet")
	ErrNotContinuable = errors.New("phase advances on its own timer")
	ErrTerminal       = errors.New("session already finished")
)

// Store is the subset of the room adapter the machine writes through.
type Store interface {
	Room(ctx context.Context) (models.Room, error)
	AdvancePhase(ctx context.Context, from, to models.Phase, duration time.Duration) (models.Room, error)
}

// Clock reports the estimated server time.
type Clock interface {
	AdjustedNow() time.Time
}

// Transition describes a phase write this machine won.
type Transition struct {
	From models.Phase
	To   models.Phase
	Room models.Room
}

// Machine interprets room snapshots and drives conditioned phase advancement.
// Every client runs the same machine; the store's compare-and-swap picks the
// single writer.
type Machine struct {
	store     Store
	clock     Clock
	durations Durations

	mu       sync.Mutex
	room     models.Room
	observed bool
}

// NewMachine creates a machine that has not yet seen the room.
func NewMachine(store Store, clock Clock, durations Durations) *Machine {
	return &Machine{
		store:     store,
		clock:     clock,
		durations: durations,
	}
}

// Observe feeds a snapshot of the room record into the machine. It returns true
// when the phase moved forward. Duplicate or older deliveries are ignored.
func (m *Machine) Observe(room models.Room) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.observed {
		m.room = room
		m.observed = true
		return true
	}

	cur, next := Ordinal(m.room.Phase), Ordinal(room.Phase)
	switch {
	case next < cur:
		log.Debug().
			Str("room_id", room.ID).
			Str("current", m.room.Phase.String()).
			Str("delivered", room.Phase.String()).
			Msg("ignoring stale room snapshot")
		return false
	case next == cur:
		if room.PhaseEpoch.After(m.room.PhaseEpoch) {
			m.room = room
		}
		return false
	default:
		m.room = room
		return true
	}
}

// Current returns the last observed room record.
func (m *Machine) Current() (models.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room, m.observed
}

// Remaining is the time left in the current phase against the adjusted clock.
func (m *Machine) Remaining() time.Duration {
	room, ok := m.Current()
	if !ok {
		return 0
	}
	return Remaining(room, m.clock.AdjustedNow())
}

// RemainingFrom renders against a caller-supplied epoch instead of the stored one.
func (m *Machine) RemainingFrom(epoch time.Time) time.Duration {
	room, ok := m.Current()
	if !ok || !room.Phase.IsTimed() {
		return 0
	}
	return RemainingAgainst(epoch, room.PhaseDuration, m.clock.AdjustedNow())
}

// Tick advances a timed phase whose remaining time reached zero. ok is true only
// when this machine's write won.
func (m *Machine) Tick(ctx context.Context) (Transition, bool, error) {
	room, observed := m.Current()
	if !observed {
		return Transition{}, false, ErrNotObserved
	}
	if !Expired(room, m.clock.AdjustedNow()) {
		return Transition{}, false, nil
	}
	return m.advance(ctx, room.Phase)
}

// Continue advances an untimed phase on the host's signal.
func (m *Machine) Continue(ctx context.Context) (Transition, bool, error) {
	room, observed := m.Current()
	if !observed {
		return Transition{}, false, ErrNotObserved
	}
	if room.Phase.IsTerminal() {
		return Transition{}, false, ErrTerminal
	}
	if room.Phase.IsTimed() {
		return Transition{}, false, fmt.Errorf("%w: %s", ErrNotContinuable, room.Phase)
	}
	return m.advance(ctx, room.Phase)
}

// Refresh re-reads the room and observes it.
func (m *Machine) Refresh(ctx context.Context) (models.Room, error) {
	room, err := m.store.Room(ctx)
	if err != nil {
		return models.Room{}, err
	}
	m.Observe(room)
	cur, _ := m.Current()
	return cur, nil
}

func (m *Machine) advance(ctx context.Context, from models.Phase) (Transition, bool, error) {
	to, ok := from.Next()
	if !ok {
		return Transition{}, false, ErrTerminal
	}

	updated, err := m.store.AdvancePhase(ctx, from, to, m.durations.DurationFor(to))
	if err != nil {
		if errors.Is(err, roomstore.ErrWriteConflict) {
			// Another client won; pick up the canonical record.
			if _, rerr := m.Refresh(ctx); rerr != nil {
				return Transition{}, false, rerr
			}
			return Transition{}, false, nil
		}
		return Transition{}, false, err
	}

	m.Observe(updated)
	log.Info().
		Str("room_id", updated.ID).
		Str("from", from.String()).
		Str("to", to.String()).
		Dur("duration", updated.PhaseDuration).
		Msg("phase advanced")
	return Transition{From: from, To: to, Room: updated}, true, nil
}

// Ordinal is the position of p in the fixed progression.
func Ordinal(p models.Phase) int {
	switch p.Kind {
	case models.PhaseLobby:
		return 0
	case models.PhaseTutorial:
		return 1
	case models.PhaseRoundBriefing:
		return 2 + 3*(p.Round-1)
	case models.PhaseRoundGameplay:
		return 3 + 3*(p.Round-1)
	case models.PhaseRoundBreakdown:
		return 4 + 3*(p.Round-1)
	case models.PhaseResults:
		return 2 + 3*models.MaxRounds
	default:
		return -1
	}
}
