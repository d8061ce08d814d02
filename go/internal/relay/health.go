package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	LastPublished     time.Time `json:"last_published"`
	EntriesPublished  uint64    `json:"entries_published"`
	PendingEntries    int       `json:"pending_entries"`
	DatabaseConnected bool      `json:"database_connected"`
	NATSConnected     bool      `json:"nats_connected"`
	ListenerActive    bool      `json:"listener_active"`
	Errors            []string  `json:"errors"`
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthChecker reports whether the relay is keeping up.
type HealthChecker struct {
	listener  *Listener
	store     EntryStore
	db        Pinger
	connected func() bool // nil when there is no NATS connection to check
	clock     clockwork.Clock
	threshold time.Duration // How long pending entries may wait before unhealthy
	backlog   int           // Pending count that raises a warning
}

func NewHealthChecker(listener *Listener, store EntryStore, db Pinger, connected func() bool, threshold time.Duration) *HealthChecker {
	return &HealthChecker{
		listener:  listener,
		store:     store,
		db:        db,
		connected: connected,
		clock:     listener.clock,
		threshold: threshold,
		backlog:   1000,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	status.EntriesPublished, status.LastPublished = h.listener.Stats()

	if err := h.db.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	if h.connected != nil {
		status.NATSConnected = h.connected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	status.ListenerActive = h.listener.Running()
	if !status.ListenerActive {
		status.Healthy = false
		status.Errors = append(status.Errors, "listener not active")
	}

	if status.DatabaseConnected {
		pending, err := h.store.CountUnpublished(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to count pending entries: %v", err))
		} else {
			status.PendingEntries = pending
			if pending > h.backlog {
				status.Errors = append(status.Errors, fmt.Sprintf("high pending entry count: %d", pending))
			}
		}
	}

	if status.PendingEntries > 0 && !status.LastPublished.IsZero() {
		if since := h.clock.Since(status.LastPublished); since > h.threshold {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("no entries published for %s", since))
		}
	}

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to encode relay health")
	}
}
