package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mcdev12/shoreline/go/internal/models"
)

var (
	// ErrUnavailable means the backing store could not be reached. Callers keep
	// retrying; nothing can progress without the store.
	ErrUnavailable = errors.New("room store unavailable")
	// ErrWriteConflict is returned when a conditional phase write lost the race.
	ErrWriteConflict = errors.New("room store write conflict")
	// ErrRoomNotFound is returned for reads against a room that was never created.
	ErrRoomNotFound = errors.New("room not found")
	// ErrPhaseClosed is returned when a placement arrives outside its gameplay phase.
	ErrPhaseClosed = errors.New("room phase does not accept placements")
)

// ChangeKind describes what changed in a room.
type ChangeKind string

const (
	ChangeRoom        ChangeKind = "room"
	ChangePlacement   ChangeKind = "placement"
	ChangePresence    ChangeKind = "presence"
	ChangeActivity    ChangeKind = "activity"
	ChangeReconnected ChangeKind = "reconnected"
)

// Change is a notification that a room record or one of its collections was
// written. Receivers re-read the snapshot; changes carry no data.
type Change struct {
	RoomID string     `json:"room_id"`
	Kind   ChangeKind `json:"kind"`
}

// Backend is the contract the backing store offers: durable records, a
// server-assigned timestamp on every write, and change subscription. Writes are
// single-record; there are no cross-record transactions.
type Backend interface {
	// EnsureRoom returns the existing room or creates it from init.
	EnsureRoom(ctx context.Context, init models.Room) (models.Room, bool, error)
	Room(ctx context.Context, roomID string) (models.Room, error)
	Snapshot(ctx context.Context, roomID string) (models.Snapshot, error)
	// SwapPhase replaces the phase triple only when the stored phase equals
	// expected. The epoch is the server's write timestamp.
	SwapPhase(ctx context.Context, roomID string, expected, next models.Phase, duration time.Duration) (models.Room, error)
	// AppendPlacement stamps CreatedAt and Seq. The append only lands while the
	// room is in RoundGameplay for the placement's round.
	AppendPlacement(ctx context.Context, p models.Placement) (models.Placement, error)
	Heartbeat(ctx context.Context, roomID string, sector models.SectorID, connectionID string) (models.Presence, error)
	AppendActivity(ctx context.Context, entry models.ActivityEntry) (models.ActivityEntry, error)
	Activity(ctx context.Context, roomID string) ([]models.ActivityEntry, error)
	// Subscribe delivers changes for roomID until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, roomID string) (<-chan Change, error)
	ServerTime(ctx context.Context) (time.Time, error)
}

// EncodePayload marshals an arbitrary payload for an activity entry.
func EncodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	return json.Marshal(payload)
}

// Offer hands change to a subscriber without blocking and reports whether it
// was queued. Ordinary changes are dropped when the buffer is full since one
// pending change already triggers a re-read. ChangeReconnected evicts the
// oldest pending change instead, because missing it leaves the subscriber
// attached to a stale connection.
func Offer(ch chan Change, change Change) bool {
	select {
	case ch <- change:
		return true
	default:
	}
	if change.Kind != ChangeReconnected {
		return false
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- change:
		return true
	default:
		return false
	}
}
