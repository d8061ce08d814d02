package gateway

import (
	"net/http"
	"strconv"

	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for room watchers
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	stateProvider     StateProvider
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, provider StateProvider) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		stateProvider:     provider,
	}
}

// HandleRoomConnection handles GET /ws/room?room_id=...&sector_id=...
// The new connection receives the current RoomState right away.
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room_id")
	if err := models.ValidateRoomID(roomID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var sectorID models.SectorID
	if raw := r.URL.Query().Get("sector_id"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || (n != 0 && !models.SectorID(n).Valid()) {
			http.Error(w, "invalid sector_id", http.StatusBadRequest)
			return
		}
		sectorID = models.SectorID(n)
	}

	// Check before upgrading; afterwards http.Error is no longer possible.
	if _, err := h.stateProvider.GetRoomState(r.Context(), roomID); err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to load room for WebSocket")
		writeStoreError(w, err, "Failed to get room state")
		return
	}

	conn, err := h.connectionManager.UpgradeConnection(w, r, roomID, sectorID)
	if err != nil {
		// The upgrader has already replied to the client.
		log.Error().
			Err(err).
			Str("room_id", roomID).
			Int("sector_id", int(sectorID)).
			Msg("failed to upgrade WebSocket connection")
		return
	}

	// Read again after registration; later changes arrive through the watcher.
	state, err := h.stateProvider.GetRoomState(r.Context(), roomID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("failed to load initial room state")
		return
	}
	event, err := NewRoomEvent(roomID, EventTypeRoomState, state, state.ServerTime)
	if err != nil {
		log.Error().Err(err).Msg("failed to build initial room state event")
		return
	}
	h.connectionManager.SendToConnection(roomID, conn.ID, event)
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.connectionManager.GetConnectionStats())
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/room", h.HandleRoomConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
