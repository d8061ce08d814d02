package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// NumSectors is the fixed number of coastal sectors per room.
const NumSectors = 3

// SectorID identifies a sector, 1..NumSectors. Zero means "no sector" (the main display).
type SectorID int

// Valid reports whether id names one of the fixed sectors.
func (id SectorID) Valid() bool {
	return id >= 1 && id <= NumSectors
}

// Index returns the zero-based array slot for the sector.
func (id SectorID) Index() int {
	return int(id) - 1
}

// SectorIDs lists every sector in order.
func SectorIDs() [NumSectors]SectorID {
	return [NumSectors]SectorID{1, 2, 3}
}

// Room is the shared per-session record. Phase, PhaseEpoch and PhaseDuration are
// always written together.
type Room struct {
	ID            string        `json:"id"`
	Phase         Phase         `json:"phase"`
	PhaseEpoch    time.Time     `json:"phase_epoch"`
	PhaseDuration time.Duration `json:"phase_duration"`
	RoundBudget   int           `json:"round_budget"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Round returns the room's current round index.
func (r Room) Round() int {
	return r.Phase.Round
}

// Placement is an immutable, budget-consuming action in a sector.
type Placement struct {
	ID            uuid.UUID       `json:"id"`
	RoomID        string          `json:"room_id"`
	SectorID      SectorID        `json:"sector_id"`
	Round         int             `json:"round"`
	Type          string          `json:"type"`
	Cost          int             `json:"cost"`
	Descriptor    json.RawMessage `json:"descriptor,omitempty"`
	Effectiveness float64         `json:"effectiveness"`
	CreatedAt     time.Time       `json:"created_at"`
	Seq           int64           `json:"seq"`
}

// Sector is a derived view of one sector for the room's current round.
type Sector struct {
	ID          SectorID    `json:"id"`
	BudgetSpent int         `json:"budget_spent"`
	Remaining   int         `json:"remaining"`
	Placements  []Placement `json:"placements"`
}

// Presence is a heartbeated controller binding.
type Presence struct {
	RoomID        string    `json:"room_id"`
	SectorID      SectorID  `json:"sector_id"`
	ConnectionID  string    `json:"connection_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Snapshot is everything a client needs to compose its view of a room.
type Snapshot struct {
	Room       Room        `json:"room"`
	Placements []Placement `json:"placements"`
	Presence   []Presence  `json:"presence"`
}

// Sectors derives per-sector budget state for the current round. Remaining is
// recomputed from the placement sequence on every call.
func (s Snapshot) Sectors() [NumSectors]Sector {
	var sectors [NumSectors]Sector
	for _, id := range SectorIDs() {
		sectors[id.Index()] = Sector{ID: id, Remaining: s.Room.RoundBudget, Placements: []Placement{}}
	}

	placements := make([]Placement, len(s.Placements))
	copy(placements, s.Placements)
	SortPlacements(placements)

	for _, p := range placements {
		if !p.SectorID.Valid() || p.Round != s.Room.Round() {
			continue
		}
		sec := &sectors[p.SectorID.Index()]
		sec.BudgetSpent += p.Cost
		sec.Remaining -= p.Cost
		sec.Placements = append(sec.Placements, p)
	}
	return sectors
}

// SortPlacements orders placements by server timestamp, then store sequence.
func SortPlacements(ps []Placement) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].Seq < ps[j].Seq
	})
}

// ActivityKind classifies activity log entries.
type ActivityKind string

const (
	ActivityConnect         ActivityKind = "connect"
	ActivityDisconnect      ActivityKind = "disconnect"
	ActivityPlacement       ActivityKind = "placement"
	ActivityPhaseTransition ActivityKind = "phase_transition"
)

// Valid reports whether k is a known activity kind.
func (k ActivityKind) Valid() bool {
	switch k {
	case ActivityConnect, ActivityDisconnect, ActivityPlacement, ActivityPhaseTransition:
		return true
	}
	return false
}

// ActivityEntry is one append-only session event. At is assigned by the store.
type ActivityEntry struct {
	ID      uuid.UUID       `json:"id"`
	RoomID  string          `json:"room_id"`
	Seq     int64           `json:"seq"`
	Kind    ActivityKind    `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Before reports whether e sorts before o in the global timeline.
func (e ActivityEntry) Before(o ActivityEntry) bool {
	if !e.At.Equal(o.At) {
		return e.At.Before(o.At)
	}
	return e.Seq < o.Seq
}

// ValidateRoomID rejects identifiers the stores cannot key on.
func ValidateRoomID(id string) error {
	if id == "" {
		return fmt.Errorf("room id is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("room id exceeds 128 characters")
	}
	return nil
}
