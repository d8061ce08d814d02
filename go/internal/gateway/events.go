package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/shoreline/go/internal/models"
)

// RoomEvent is the envelope pushed to websocket clients.
type RoomEvent struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"` // server time at creation
	Data      json.RawMessage `json:"data"`
}

// EventType represents the type of room event
type EventType string

const (
	// EventTypeRoomState carries a full StateResponse after any room change.
	EventTypeRoomState EventType = "RoomState"
	// EventTypeActivity carries one models.ActivityEntry relayed from JetStream.
	EventTypeActivity EventType = "Activity"
)

// NewRoomEvent marshals payload into an envelope for roomID.
func NewRoomEvent(roomID string, eventType EventType, payload any, at time.Time) (*RoomEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &RoomEvent{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Type:      eventType,
		Timestamp: at,
		Data:      data,
	}, nil
}

// ParseEventPayload parses event data into the appropriate payload struct
func ParseEventPayload(event *RoomEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeRoomState:
		var payload StateResponse
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeActivity:
		var payload models.ActivityEntry
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Unknown event type
	}
}
