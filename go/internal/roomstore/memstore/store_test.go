package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
)

func newRoom(t *testing.T, s *Store, id string) models.Room {
	t.Helper()
	room, created, err := s.EnsureRoom(context.Background(), models.Room{ID: id, Phase: models.Lobby(), RoundBudget: 100})
	if err != nil {
		t.Fatalf("EnsureRoom: %v", err)
	}
	if !created {
		t.Fatalf("expected room %s to be created", id)
	}
	return room
}

func TestEnsureRoomIsIdempotent(t *testing.T) {
	s := New(clockwork.NewFakeClock())
	first := newRoom(t, s, "R1")

	again, created, err := s.EnsureRoom(context.Background(), models.Room{ID: "R1", Phase: models.Lobby(), RoundBudget: 5})
	if err != nil {
		t.Fatalf("EnsureRoom: %v", err)
	}
	if created {
		t.Fatal("second EnsureRoom should not create")
	}
	if again.RoundBudget != first.RoundBudget || !again.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("existing room was replaced: %+v vs %+v", again, first)
	}
}

func TestSwapPhaseExactlyOneWinner(t *testing.T) {
	s := New(clockwork.NewFakeClock())
	newRoom(t, s, "R1")

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SwapPhase(context.Background(), "R1", models.Lobby(), models.Phase{Kind: models.PhaseTutorial}, time.Minute)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, roomstore.ErrWriteConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestTimestampsAreStrictlyIncreasing(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock)
	newRoom(t, s, "R1")

	var last time.Time
	for i := 0; i < 5; i++ {
		entry, err := s.AppendActivity(context.Background(), models.ActivityEntry{ID: uuid.New(), RoomID: "R1", Kind: models.ActivityConnect})
		if err != nil {
			t.Fatalf("AppendActivity: %v", err)
		}
		if !entry.At.After(last) {
			t.Fatalf("entry %d timestamp %v not after %v", i, entry.At, last)
		}
		last = entry.At
	}
}

func TestAppendPlacementRequiresGameplayRound(t *testing.T) {
	s := New(clockwork.NewFakeClock())
	newRoom(t, s, "R1")
	ctx := context.Background()

	p := models.Placement{ID: uuid.New(), RoomID: "R1", SectorID: 1, Round: 1, Cost: 10}
	if _, err := s.AppendPlacement(ctx, p); !errors.Is(err, roomstore.ErrPhaseClosed) {
		t.Fatalf("expected ErrPhaseClosed in lobby, got %v", err)
	}

	gameplay := models.Phase{Kind: models.PhaseRoundGameplay, Round: 1}
	s.rooms["R1"].room.Phase = gameplay
	stored, err := s.AppendPlacement(ctx, p)
	if err != nil {
		t.Fatalf("AppendPlacement: %v", err)
	}
	if stored.CreatedAt.IsZero() || stored.Seq == 0 {
		t.Fatalf("placement not stamped: %+v", stored)
	}

	p.ID = uuid.New()
	p.Round = 2
	if _, err := s.AppendPlacement(ctx, p); !errors.Is(err, roomstore.ErrPhaseClosed) {
		t.Fatalf("expected ErrPhaseClosed for wrong round, got %v", err)
	}
}

func TestSubscribeDeliversAndCloses(t *testing.T) {
	s := New(clockwork.NewFakeClock())
	newRoom(t, s, "R1")

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Subscribe(ctx, "R1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := s.Heartbeat(context.Background(), "R1", 2, "conn-a"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	select {
	case change := <-ch:
		if change.Kind != roomstore.ChangePresence {
			t.Fatalf("got change %+v, want presence", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}

	cancel()
	for range ch {
	}
}

func TestUnavailable(t *testing.T) {
	s := New(clockwork.NewFakeClock())
	newRoom(t, s, "R1")
	s.SetUnavailable(true)

	if _, err := s.Snapshot(context.Background(), "R1"); !errors.Is(err, roomstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	s.SetUnavailable(false)
	if _, err := s.Snapshot(context.Background(), "R1"); err != nil {
		t.Fatalf("Snapshot after recovery: %v", err)
	}
}

func TestReconnectSurvivesFullSubscriberBuffer(t *testing.T) {
	s := New(clockwork.NewFakeClock())
	newRoom(t, s, "R1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := s.Subscribe(ctx, "R1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 2*subscriberBuffer; i++ {
		if _, err := s.Heartbeat(context.Background(), "R1", 1, "conn-a"); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	}
	s.SetUnavailable(true)
	s.SetUnavailable(false)

	var last roomstore.Change
	for n := 0; ; n++ {
		select {
		case c := <-ch:
			last = c
			continue
		default:
		}
		if n != subscriberBuffer {
			t.Fatalf("drained %d changes, want a full buffer of %d", n, subscriberBuffer)
		}
		break
	}
	if last.Kind != roomstore.ChangeReconnected {
		t.Fatalf("last change = %+v, want reconnected", last)
	}
}
