package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/mcdev12/shoreline/go/internal/activity"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/phase"
	"github.com/mcdev12/shoreline/go/internal/presence"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
)

// StateProvider interface defines methods for retrieving room state
type StateProvider interface {
	GetRoomState(ctx context.Context, roomID string) (*StateResponse, error)
	GetRoomActivity(ctx context.Context, roomID string) (*ActivityResponse, error)
}

// StateResponse is a room as seen at ServerTime. Remaining is computed
// against the store clock, so clients can check their own countdown.
type StateResponse struct {
	RoomID          string       `json:"room_id"`
	Phase           models.Phase `json:"phase"`
	Screen          phase.Screen `json:"screen"`
	Round           int          `json:"round"`
	PhaseEpoch      time.Time    `json:"phase_epoch"`
	PhaseDurationMs int64        `json:"phase_duration_ms"`
	RemainingMs     int64        `json:"remaining_ms"`
	ServerTime      time.Time    `json:"server_time"`
	RoundBudget     int          `json:"round_budget"`

	Sectors     [models.NumSectors]models.Sector    `json:"sectors"`
	Controllers [models.NumSectors]*models.Presence `json:"controllers"`
}

// ActivityResponse is a room's ordered timeline plus its leaderboard.
type ActivityResponse struct {
	RoomID  string                 `json:"room_id"`
	Entries []models.ActivityEntry `json:"entries"`
	Summary activity.Summary       `json:"summary"`
}

// BackendStateProvider reads state straight from the room store.
type BackendStateProvider struct {
	backend         roomstore.Backend
	presenceTimeout time.Duration
}

var _ StateProvider = (*BackendStateProvider)(nil)

// NewBackendStateProvider creates a state provider over backend.
func NewBackendStateProvider(backend roomstore.Backend, presenceTimeout time.Duration) *BackendStateProvider {
	if presenceTimeout <= 0 {
		presenceTimeout = presence.DefaultConfig().Timeout
	}
	return &BackendStateProvider{
		backend:         backend,
		presenceTimeout: presenceTimeout,
	}
}

// GetRoomState composes the room snapshot with the store's current time.
func (p *BackendStateProvider) GetRoomState(ctx context.Context, roomID string) (*StateResponse, error) {
	snap, err := p.backend.Snapshot(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	now, err := p.backend.ServerTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("get server time: %w", err)
	}
	screen, err := phase.ScreenFor(snap.Room.Phase)
	if err != nil {
		return nil, err
	}

	return &StateResponse{
		RoomID:          snap.Room.ID,
		Phase:           snap.Room.Phase,
		Screen:          screen,
		Round:           snap.Room.Round(),
		PhaseEpoch:      snap.Room.PhaseEpoch,
		PhaseDurationMs: snap.Room.PhaseDuration.Milliseconds(),
		RemainingMs:     phase.Remaining(snap.Room, now).Milliseconds(),
		ServerTime:      now,
		RoundBudget:     snap.Room.RoundBudget,
		Sectors:         snap.Sectors(),
		Controllers:     presence.ActiveBySector(snap.Presence, now, p.presenceTimeout),
	}, nil
}

// GetRoomActivity lists the timeline in (server time, seq) order.
func (p *BackendStateProvider) GetRoomActivity(ctx context.Context, roomID string) (*ActivityResponse, error) {
	entries, err := p.backend.Activity(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get activity: %w", err)
	}
	activity.Sort(entries)
	if entries == nil {
		entries = []models.ActivityEntry{}
	}
	return &ActivityResponse{
		RoomID:  roomID,
		Entries: entries,
		Summary: activity.Summarize(entries),
	}, nil
}
