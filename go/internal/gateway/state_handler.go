package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/rs/zerolog/log"
)

// StateHandler handles HTTP requests for room state
type StateHandler struct {
	stateProvider StateProvider
}

// NewStateHandler creates a new state handler
func NewStateHandler(provider StateProvider) *StateHandler {
	return &StateHandler{
		stateProvider: provider,
	}
}

// HandleGetRoomState handles GET /api/rooms/{id}/state
func (h *StateHandler) HandleGetRoomState(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if err := models.ValidateRoomID(roomID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	state, err := h.stateProvider.GetRoomState(r.Context(), roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to get room state")
		writeStoreError(w, err, "Failed to get room state")
		return
	}

	writeJSON(w, state)
}

// HandleGetRoomActivity handles GET /api/rooms/{id}/activity
func (h *StateHandler) HandleGetRoomActivity(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("id")
	if err := models.ValidateRoomID(roomID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.stateProvider.GetRoomActivity(r.Context(), roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to get room activity")
		writeStoreError(w, err, "Failed to get room activity")
		return
	}

	writeJSON(w, res)
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/rooms/{id}/state", h.HandleGetRoomState)
	mux.HandleFunc("GET /api/rooms/{id}/activity", h.HandleGetRoomActivity)
}

func writeStoreError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, roomstore.ErrRoomNotFound):
		http.Error(w, "Room not found", http.StatusNotFound)
	case errors.Is(err, roomstore.ErrUnavailable):
		http.Error(w, "Room store unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
