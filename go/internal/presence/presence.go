package presence

import (
	"time"

	"github.com/mcdev12/shoreline/go/internal/models"
)

// Status of one connection's claim on a sector.
type Status string

const (
	// StatusAbsent means the connection has no fresh record for the sector.
	StatusAbsent Status = "absent"
	// StatusActive means the connection holds the freshest heartbeat.
	StatusActive Status = "active"
	// StatusShadowed means another controller heartbeated more recently.
	StatusShadowed Status = "shadowed"
)

// Config controls heartbeat cadence and expiry.
type Config struct {
	HeartbeatInterval time.Duration
	Timeout           time.Duration
}

// DefaultConfig heartbeats every 3s and expires records after 10s.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 3 * time.Second,
		Timeout:           10 * time.Second,
	}
}

// IsStale reports whether p has not been refreshed within timeout.
func IsStale(p models.Presence, now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastHeartbeat) > timeout
}

// Active returns the freshest non-stale record for sector.
func Active(records []models.Presence, sector models.SectorID, now time.Time, timeout time.Duration) (models.Presence, bool) {
	var (
		best  models.Presence
		found bool
	)
	for _, p := range records {
		if p.SectorID != sector || IsStale(p, now, timeout) {
			continue
		}
		if !found || p.LastHeartbeat.After(best.LastHeartbeat) ||
			(p.LastHeartbeat.Equal(best.LastHeartbeat) && p.ConnectionID > best.ConnectionID) {
			best = p
			found = true
		}
	}
	return best, found
}

// StatusOf classifies connectionID's standing on sector.
func StatusOf(records []models.Presence, sector models.SectorID, connectionID string, now time.Time, timeout time.Duration) Status {
	active, ok := Active(records, sector, now, timeout)
	if !ok {
		return StatusAbsent
	}
	if active.ConnectionID == connectionID {
		return StatusActive
	}
	for _, p := range records {
		if p.SectorID == sector && p.ConnectionID == connectionID && !IsStale(p, now, timeout) {
			return StatusShadowed
		}
	}
	return StatusAbsent
}

// ActiveBySector returns the active record of every sector, if any.
func ActiveBySector(records []models.Presence, now time.Time, timeout time.Duration) [models.NumSectors]*models.Presence {
	var out [models.NumSectors]*models.Presence
	for _, id := range models.SectorIDs() {
		if p, ok := Active(records, id, now, timeout); ok {
			out[id.Index()] = &p
		}
	}
	return out
}
