package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/rs/zerolog/log"
)

var (
	ErrInsufficientBudget = errors.New("insufficient budget")
	ErrLedgerClosed       = errors.New("ledger is closed in this phase")
	ErrInvalidSector      = errors.New("invalid sector id")
	ErrInvalidItem        = errors.New("invalid placement")
)

// Item is a placement request before the store stamps it.
type Item struct {
	Type          string          `json:"type" yaml:"type"`
	Cost          int             `json:"cost" yaml:"cost"`
	Descriptor    json.RawMessage `json:"descriptor,omitempty" yaml:"-"`
	Effectiveness float64         `json:"effectiveness" yaml:"effectiveness"`
}

func (i Item) validate() error {
	if i.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidItem)
	}
	if i.Cost < 0 {
		return fmt.Errorf("%w: negative cost %d", ErrInvalidItem, i.Cost)
	}
	if len(i.Descriptor) > 0 && !json.Valid(i.Descriptor) {
		return fmt.Errorf("%w: descriptor is not valid JSON", ErrInvalidItem)
	}
	return nil
}

// Appender persists placements.
type Appender interface {
	AppendPlacement(ctx context.Context, p models.Placement) (models.Placement, error)
}

// Ledger validates placements against the budget derived from the last
// observed snapshot. Remaining budget is never stored; it is recomputed from
// the placement sequence each time.
type Ledger struct {
	appender Appender

	mu   sync.Mutex
	snap models.Snapshot
}

// New creates a ledger that has not yet observed the room.
func New(appender Appender) *Ledger {
	return &Ledger{appender: appender}
}

// Observe replaces the known snapshot.
func (l *Ledger) Observe(snap models.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snap = snap
}

// Sectors returns the derived per-sector state for the current round.
func (l *Ledger) Sectors() [models.NumSectors]models.Sector {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap.Sectors()
}

// Remaining returns the sector's remaining budget for the current round.
func (l *Ledger) Remaining(sector models.SectorID) (int, error) {
	if !sector.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSector, sector)
	}
	return l.Sectors()[sector.Index()].Remaining, nil
}

// Place appends item to sector's ledger. Nothing is written when the cost
// exceeds the known remaining budget or the phase does not accept placements.
func (l *Ledger) Place(ctx context.Context, sector models.SectorID, item Item) (models.Placement, error) {
	if !sector.Valid() {
		return models.Placement{}, fmt.Errorf("%w: %d", ErrInvalidSector, sector)
	}
	if err := item.validate(); err != nil {
		return models.Placement{}, err
	}

	l.mu.Lock()
	room := l.snap.Room
	remaining := l.snap.Sectors()[sector.Index()].Remaining
	l.mu.Unlock()

	if !room.Phase.LedgerOpen() {
		return models.Placement{}, fmt.Errorf("%w: %s", ErrLedgerClosed, room.Phase)
	}
	if item.Cost > remaining {
		log.Debug().
			Str("room_id", room.ID).
			Int("sector_id", int(sector)).
			Int("cost", item.Cost).
			Int("remaining", remaining).
			Msg("placement rejected")
		return models.Placement{}, fmt.Errorf("%w: cost %d exceeds remaining %d", ErrInsufficientBudget, item.Cost, remaining)
	}

	stored, err := l.appender.AppendPlacement(ctx, models.Placement{
		SectorID:      sector,
		Round:         room.Round(),
		Type:          item.Type,
		Cost:          item.Cost,
		Descriptor:    item.Descriptor,
		Effectiveness: item.Effectiveness,
	})
	if err != nil {
		if errors.Is(err, roomstore.ErrPhaseClosed) {
			return models.Placement{}, fmt.Errorf("%w: %v", ErrLedgerClosed, err)
		}
		return models.Placement{}, err
	}

	l.mu.Lock()
	if l.snap.Room.ID == room.ID && !l.containsLocked(stored) {
		l.snap.Placements = append(l.snap.Placements, stored)
	}
	l.mu.Unlock()

	log.Info().
		Str("room_id", stored.RoomID).
		Int("sector_id", int(sector)).
		Int("round", stored.Round).
		Str("type", stored.Type).
		Int("cost", stored.Cost).
		Msg("placement accepted")
	return stored, nil
}

func (l *Ledger) containsLocked(p models.Placement) bool {
	for _, existing := range l.snap.Placements {
		if existing.ID == p.ID {
			return true
		}
	}
	return false
}
