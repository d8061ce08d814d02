package roomstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/mcdev12/shoreline/go/internal/roomstore/memstore"
)

func TestAdapterRejectsBadRoomID(t *testing.T) {
	if _, err := roomstore.NewAdapter(memstore.New(nil), ""); err == nil {
		t.Fatal("expected empty room id to be rejected")
	}
}

func TestAdapterOpenAndAdvance(t *testing.T) {
	ctx := context.Background()
	a, err := roomstore.NewAdapter(memstore.New(clockwork.NewFakeClock()), "R1")
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}

	room, err := a.Open(ctx, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if room.Phase != models.Lobby() || room.RoundBudget != 100 {
		t.Fatalf("unexpected new room: %+v", room)
	}

	tutorial := models.Phase{Kind: models.PhaseTutorial}
	if _, err := a.AdvancePhase(ctx, models.Lobby(), tutorial, 30*time.Second); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	_, err = a.AdvancePhase(ctx, models.Lobby(), tutorial, 30*time.Second)
	if !errors.Is(err, roomstore.ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict on stale advance, got %v", err)
	}

	if _, err := a.AdvancePhase(ctx, tutorial, models.Phase{Kind: "bogus"}, 0); err == nil {
		t.Fatal("expected invalid target phase to be rejected")
	}
}

func TestAdapterAppendActivityEncodesPayload(t *testing.T) {
	ctx := context.Background()
	a, _ := roomstore.NewAdapter(memstore.New(clockwork.NewFakeClock()), "R1")
	if _, err := a.Open(ctx, 100); err != nil {
		t.Fatalf("Open: %v", err)
	}

	entry, err := a.AppendActivity(ctx, models.ActivityConnect, map[string]any{"sector_id": 2})
	if err != nil {
		t.Fatalf("AppendActivity: %v", err)
	}
	var payload map[string]int
	if err := json.Unmarshal(entry.Payload, &payload); err != nil || payload["sector_id"] != 2 {
		t.Fatalf("payload not encoded: %s (%v)", entry.Payload, err)
	}

	if _, err := a.AppendActivity(ctx, "teleport", nil); err == nil {
		t.Fatal("expected unknown kind to be rejected")
	}
}

func TestOfferNeverDropsReconnect(t *testing.T) {
	ch := make(chan roomstore.Change, 2)
	room := roomstore.Change{RoomID: "R1", Kind: roomstore.ChangeRoom}

	if !roomstore.Offer(ch, room) || !roomstore.Offer(ch, room) {
		t.Fatal("offers into free space should queue")
	}
	if roomstore.Offer(ch, room) {
		t.Fatal("ordinary change should be dropped when the buffer is full")
	}
	if !roomstore.Offer(ch, roomstore.Change{RoomID: "R1", Kind: roomstore.ChangeReconnected}) {
		t.Fatal("reconnect should displace a pending change")
	}

	if got := <-ch; got.Kind != roomstore.ChangeRoom {
		t.Fatalf("first = %+v", got)
	}
	if got := <-ch; got.Kind != roomstore.ChangeReconnected {
		t.Fatalf("second = %+v, want reconnected", got)
	}
}
