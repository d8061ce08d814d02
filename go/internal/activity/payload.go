package activity

import (
	"encoding/json"

	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ConnectionPayload accompanies connect and disconnect entries. SectorID is
// zero for the main display.
type ConnectionPayload struct {
	SectorID     models.SectorID `json:"sector_id"`
	ConnectionID string          `json:"connection_id"`
}

// PlacementPayload accompanies placement entries.
type PlacementPayload struct {
	PlacementID   string          `json:"placement_id"`
	SectorID      models.SectorID `json:"sector_id"`
	Round         int             `json:"round"`
	Type          string          `json:"type"`
	Cost          int             `json:"cost"`
	Effectiveness float64         `json:"effectiveness"`
}

// TransitionPayload accompanies phase_transition entries.
type TransitionPayload struct {
	From     models.Phase `json:"from"`
	To       models.Phase `json:"to"`
	Duration int64        `json:"duration_ms"`
}

// NewPlacementPayload describes an accepted placement.
func NewPlacementPayload(p models.Placement) PlacementPayload {
	return PlacementPayload{
		PlacementID:   p.ID.String(),
		SectorID:      p.SectorID,
		Round:         p.Round,
		Type:          p.Type,
		Cost:          p.Cost,
		Effectiveness: p.Effectiveness,
	}
}

// SectorTotals aggregates one sector's placements.
type SectorTotals struct {
	SectorID      models.SectorID `json:"sector_id"`
	Placements    int             `json:"placements"`
	Spent         int             `json:"spent"`
	Effectiveness float64         `json:"effectiveness"`
}

// Summary is the leaderboard view of a room's timeline.
type Summary struct {
	Sectors     [models.NumSectors]SectorTotals `json:"sectors"`
	Transitions int                             `json:"transitions"`
	Connects    int                             `json:"connects"`
}

// Summarize folds entries into per-sector totals. Entries with unreadable
// payloads are skipped.
func Summarize(entries []models.ActivityEntry) Summary {
	var s Summary
	for _, id := range models.SectorIDs() {
		s.Sectors[id.Index()].SectorID = id
	}

	for _, e := range entries {
		switch e.Kind {
		case models.ActivityPlacement:
			var p PlacementPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil || !p.SectorID.Valid() {
				log.Debug().Str("entry_id", e.ID.String()).Msg("skipping unreadable placement entry")
				continue
			}
			t := &s.Sectors[p.SectorID.Index()]
			t.Placements++
			t.Spent += p.Cost
			t.Effectiveness += p.Effectiveness
		case models.ActivityPhaseTransition:
			s.Transitions++
		case models.ActivityConnect:
			s.Connects++
		}
	}
	return s
}
