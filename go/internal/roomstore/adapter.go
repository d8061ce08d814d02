package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Adapter is the typed facade over a Backend for one room.
type Adapter struct {
	backend Backend
	roomID  string
}

// NewAdapter binds a backend to a single room id.
func NewAdapter(backend Backend, roomID string) (*Adapter, error) {
	if err := models.ValidateRoomID(roomID); err != nil {
		return nil, err
	}
	return &Adapter{backend: backend, roomID: roomID}, nil
}

// RoomID returns the bound room id.
func (a *Adapter) RoomID() string {
	return a.roomID
}

// Open returns the room, creating it in the lobby if it does not exist yet.
func (a *Adapter) Open(ctx context.Context, roundBudget int) (models.Room, error) {
	room, created, err := a.backend.EnsureRoom(ctx, models.Room{
		ID:          a.roomID,
		Phase:       models.Lobby(),
		RoundBudget: roundBudget,
	})
	if err != nil {
		return models.Room{}, fmt.Errorf("failed to open room %s: %w", a.roomID, err)
	}
	if created {
		log.Info().
			Str("room_id", a.roomID).
			Int("round_budget", roundBudget).
			Msg("room created")
	}
	return room, nil
}

// Room re-reads the room record.
func (a *Adapter) Room(ctx context.Context) (models.Room, error) {
	room, err := a.backend.Room(ctx, a.roomID)
	if err != nil {
		return models.Room{}, fmt.Errorf("failed to read room %s: %w", a.roomID, err)
	}
	return room, nil
}

// Snapshot reads the room with its placements and presence records.
func (a *Adapter) Snapshot(ctx context.Context) (models.Snapshot, error) {
	snap, err := a.backend.Snapshot(ctx, a.roomID)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("failed to read snapshot for room %s: %w", a.roomID, err)
	}
	return snap, nil
}

// AdvancePhase writes the next phase triple conditioned on the stored phase
// still being from.
func (a *Adapter) AdvancePhase(ctx context.Context, from, to models.Phase, duration time.Duration) (models.Room, error) {
	if err := to.Validate(); err != nil {
		return models.Room{}, fmt.Errorf("invalid target phase: %w", err)
	}
	room, err := a.backend.SwapPhase(ctx, a.roomID, from, to, duration)
	if err != nil {
		if errors.Is(err, ErrWriteConflict) {
			log.Debug().
				Str("room_id", a.roomID).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("phase write lost race")
		}
		return models.Room{}, fmt.Errorf("failed to advance room %s from %s: %w", a.roomID, from, err)
	}
	return room, nil
}

// AppendPlacement appends an immutable ledger entry for the bound room.
func (a *Adapter) AppendPlacement(ctx context.Context, p models.Placement) (models.Placement, error) {
	p.RoomID = a.roomID
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	stored, err := a.backend.AppendPlacement(ctx, p)
	if err != nil {
		return models.Placement{}, fmt.Errorf("failed to append placement: %w", err)
	}
	return stored, nil
}

// Heartbeat creates or refreshes a presence record for this room.
func (a *Adapter) Heartbeat(ctx context.Context, sector models.SectorID, connectionID string) (models.Presence, error) {
	p, err := a.backend.Heartbeat(ctx, a.roomID, sector, connectionID)
	if err != nil {
		return models.Presence{}, fmt.Errorf("failed to heartbeat sector %d: %w", sector, err)
	}
	return p, nil
}

// AppendActivity writes one activity entry with a JSON-encoded payload.
func (a *Adapter) AppendActivity(ctx context.Context, kind models.ActivityKind, payload any) (models.ActivityEntry, error) {
	if !kind.Valid() {
		return models.ActivityEntry{}, fmt.Errorf("unknown activity kind %q", kind)
	}
	raw, err := EncodePayload(payload)
	if err != nil {
		return models.ActivityEntry{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	if raw != nil && !json.Valid(raw) {
		return models.ActivityEntry{}, fmt.Errorf("%s payload is not valid JSON", kind)
	}
	entry, err := a.backend.AppendActivity(ctx, models.ActivityEntry{
		ID:      uuid.New(),
		RoomID:  a.roomID,
		Kind:    kind,
		Payload: raw,
	})
	if err != nil {
		return models.ActivityEntry{}, fmt.Errorf("failed to append %s activity: %w", kind, err)
	}
	return entry, nil
}

// Activity lists every activity entry of the room.
func (a *Adapter) Activity(ctx context.Context) ([]models.ActivityEntry, error) {
	entries, err := a.backend.Activity(ctx, a.roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity for room %s: %w", a.roomID, err)
	}
	return entries, nil
}

// Watch subscribes to changes of the bound room.
func (a *Adapter) Watch(ctx context.Context) (<-chan Change, error) {
	ch, err := a.backend.Subscribe(ctx, a.roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to room %s: %w", a.roomID, err)
	}
	return ch, nil
}

// ServerTime reads the store's authoritative clock.
func (a *Adapter) ServerTime(ctx context.Context) (time.Time, error) {
	return a.backend.ServerTime(ctx)
}
