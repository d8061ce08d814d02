package room

import (
	"time"

	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/phase"
	"github.com/mcdev12/shoreline/go/internal/presence"
)

// Status is the session's connection state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusDetached     Status = "detached"
)

// PresenceWarning is shown on a controller that another device has shadowed.
const PresenceWarning = "another controller is active on this sector"

// View is the composed state UI code renders.
type View struct {
	RoomID      string          `json:"room_id"`
	SectorID    models.SectorID `json:"sector_id"`
	Phase       models.Phase    `json:"phase"`
	Screen      phase.Screen    `json:"screen"`
	Round       int             `json:"round"`
	Remaining   time.Duration   `json:"remaining"`
	PhaseEpoch  time.Time       `json:"phase_epoch"`
	ClockSynced bool            `json:"clock_synced"`
	Status      Status          `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
	RoundBudget int             `json:"round_budget"`

	Sectors [models.NumSectors]models.Sector `json:"sectors"`

	// Controllers holds the active connection id per sector, empty when none.
	Controllers [models.NumSectors]string `json:"controllers"`

	Presence        presence.Status `json:"presence,omitempty"`
	PresenceWarning string          `json:"presence_warning,omitempty"`
}

// IsMainDisplay reports whether the view belongs to the shared screen.
func (v View) IsMainDisplay() bool {
	return v.SectorID == 0
}

// Sector returns the view of one sector.
func (v View) Sector(id models.SectorID) (models.Sector, bool) {
	if !id.Valid() {
		return models.Sector{}, false
	}
	return v.Sectors[id.Index()], true
}
