package room

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/shoreline/go/internal/ledger"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/phase"
	"github.com/mcdev12/shoreline/go/internal/presence"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/mcdev12/shoreline/go/internal/roomstore/memstore"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Durations = phase.Durations{Tutorial: 10 * time.Second, Gameplay: 30 * time.Second}
	cfg.RetryDelay = time.Second
	return cfg
}

func attach(t *testing.T, store roomstore.Backend, clock clockwork.Clock, roomID string, sector models.SectorID) *Session {
	t.Helper()
	s, err := Attach(context.Background(), store, nil, Params{RoomID: roomID, SectorID: sector}, testConfig(), clock)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	t.Cleanup(func() { s.Detach(context.Background()) })
	return s
}

// toGameplay drives the room from the lobby to round_gameplay(1) through host.
func toGameplay(t *testing.T, host *Session, clock *clockwork.FakeClock) {
	t.Helper()
	ctx := context.Background()
	if err := host.Continue(ctx); err != nil {
		t.Fatalf("Continue from lobby: %v", err)
	}
	clock.Advance(testConfig().Durations.Tutorial + time.Second)
	if err := host.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := host.View().Phase; got != (models.Phase{Kind: models.PhaseRoundBriefing, Round: 1}) {
		t.Fatalf("after tutorial timeout phase = %s", got)
	}
	if err := host.Continue(ctx); err != nil {
		t.Fatalf("Continue from briefing: %v", err)
	}
}

func TestAttachMainDisplay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	host := attach(t, memstore.New(clock), clock, "R1", 0)

	v := host.View()
	if v.Status != StatusConnected {
		t.Fatalf("status = %s", v.Status)
	}
	if v.Phase != models.Lobby() || v.Screen != phase.ScreenWaiting {
		t.Fatalf("fresh room view = %+v", v)
	}
	if v.RoundBudget != 100 || v.Sectors[0].Remaining != 100 {
		t.Fatalf("budget not applied: %+v", v.Sectors[0])
	}
	if !v.IsMainDisplay() || v.Presence != "" {
		t.Fatalf("main display should carry no presence: %+v", v)
	}
}

func TestContinueAndTimedPhase(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	host := attach(t, memstore.New(clock), clock, "R1", 0)

	if err := host.Continue(ctx); err != nil {
		t.Fatalf("Continue: %v", err)
	}
	v := host.View()
	if v.Phase.Kind != models.PhaseTutorial || v.Screen != phase.ScreenTutorial {
		t.Fatalf("expected tutorial, got %+v", v.Phase)
	}
	if v.Remaining < 10*time.Second || v.Remaining > 10*time.Second+time.Millisecond {
		t.Fatalf("remaining = %v, want ~10s", v.Remaining)
	}
	if err := host.Continue(ctx); !errors.Is(err, phase.ErrNotContinuable) {
		t.Fatalf("expected ErrNotContinuable, got %v", err)
	}

	entries, err := host.Activity(ctx)
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	kinds := map[models.ActivityKind]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	if kinds[models.ActivityConnect] != 1 || kinds[models.ActivityPhaseTransition] != 1 {
		t.Fatalf("activity kinds = %v", kinds)
	}
}

func TestControllerPlacements(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memstore.New(clock)
	host := attach(t, store, clock, "R1", 0)
	ctrl := attach(t, store, clock, "R1", 2)

	if v := ctrl.View(); v.Presence != presence.StatusActive || v.Controllers[1] != ctrl.ConnectionID() {
		t.Fatalf("controller presence = %s, controllers %v", v.Presence, v.Controllers)
	}
	if _, err := ctrl.Place(ctx, ledger.Item{Type: "seawall", Cost: 10}); !errors.Is(err, ledger.ErrLedgerClosed) {
		t.Fatalf("placement in lobby: %v", err)
	}
	if err := ctrl.Continue(ctx); !errors.Is(err, ErrNotHost) {
		t.Fatalf("controller Continue: %v", err)
	}
	if _, err := host.Place(ctx, ledger.Item{Type: "seawall", Cost: 10}); !errors.Is(err, ErrNotController) {
		t.Fatalf("host Place: %v", err)
	}

	toGameplay(t, host, clock)
	if err := ctrl.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if _, err := ctrl.Place(ctx, ledger.Item{Type: "seawall", Cost: 40}); err != nil {
		t.Fatalf("Place 40: %v", err)
	}
	if _, err := ctrl.Place(ctx, ledger.Item{Type: "dune", Cost: 70}); !errors.Is(err, ledger.ErrInsufficientBudget) {
		t.Fatalf("Place 70: %v", err)
	}
	sector, _ := ctrl.View().Sector(2)
	if sector.Remaining != 60 || len(sector.Placements) != 1 {
		t.Fatalf("sector 2 = %+v", sector)
	}

	if err := host.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := host.View().Sectors[1].BudgetSpent; got != 40 {
		t.Fatalf("host sees spent %d, want 40", got)
	}
}

func TestDuplicateControllerIsShadowed(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memstore.New(clock)
	first := attach(t, store, clock, "R1", 1)
	clock.Advance(time.Millisecond)
	second := attach(t, store, clock, "R1", 1)

	if err := first.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	v := first.View()
	if v.Presence != presence.StatusShadowed || v.PresenceWarning == "" {
		t.Fatalf("older tab should be shadowed, got %s", v.Presence)
	}
	if second.View().Presence != presence.StatusActive {
		t.Fatalf("newer tab should be active")
	}
}

func TestDetachCascades(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memstore.New(clock)
	s, err := Attach(ctx, store, nil, Params{RoomID: "R1", SectorID: 3}, testConfig(), clock)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	conn := s.ConnectionID()

	s.Detach(ctx)
	s.Detach(ctx)

	if s.Status() != StatusDetached {
		t.Fatalf("status = %s", s.Status())
	}
	if s.Clock().IsSynced() {
		t.Fatal("clock should be reset on detach")
	}
	if _, err := s.Place(ctx, ledger.Item{Type: "x", Cost: 1}); !errors.Is(err, ErrDetached) {
		t.Fatalf("Place after detach: %v", err)
	}
	if _, err := s.Activity(ctx); !errors.Is(err, ErrDetached) {
		t.Fatalf("Activity after detach: %v", err)
	}

	before := heartbeatOf(t, store, "R1", conn)
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if after := heartbeatOf(t, store, "R1", conn); !after.Equal(before) {
		t.Fatalf("heartbeat moved after detach: %v -> %v", before, after)
	}

	entries, err := store.Activity(ctx, "R1")
	if err != nil {
		t.Fatalf("Activity: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Kind != models.ActivityDisconnect {
		t.Fatalf("last activity = %s, want disconnect", last.Kind)
	}
}

func heartbeatOf(t *testing.T, store *memstore.Store, roomID, conn string) time.Time {
	t.Helper()
	snap, err := store.Snapshot(context.Background(), roomID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, p := range snap.Presence {
		if p.ConnectionID == conn {
			return p.LastHeartbeat
		}
	}
	t.Fatalf("no presence for %s", conn)
	return time.Time{}
}

func TestUnavailableStoreRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memstore.New(clock)
	store.SetUnavailable(true)

	s, err := Attach(context.Background(), store, nil, Params{RoomID: "R1"}, testConfig(), clock)
	if err != nil {
		t.Fatalf("Attach should not fail on an unavailable store: %v", err)
	}
	defer s.Detach(context.Background())

	v := s.View()
	if v.Status != StatusDisconnected || v.LastError == "" {
		t.Fatalf("view = %+v", v)
	}
	if err := s.Continue(context.Background()); !errors.Is(err, roomstore.ErrUnavailable) {
		t.Fatalf("Continue while disconnected: %v", err)
	}

	store.SetUnavailable(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// loop ticker, retry timer, clock sync ticker
	if err := clock.BlockUntilContext(ctx, 3); err != nil {
		t.Fatalf("BlockUntilContext: %v", err)
	}
	clock.Advance(testConfig().RetryDelay)

	waitFor(t, func() bool { return s.Status() == StatusConnected })
	if got := s.View().Phase; got != models.Lobby() {
		t.Fatalf("phase after reconnect = %s", got)
	}
}

type countingBackend struct {
	*memstore.Store
	opens atomic.Int32
}

func (b *countingBackend) EnsureRoom(ctx context.Context, init models.Room) (models.Room, bool, error) {
	b.opens.Add(1)
	return b.Store.EnsureRoom(ctx, init)
}

func TestZeroRetryDelayStillBacksOff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := &countingBackend{Store: memstore.New(clock)}
	store.SetUnavailable(true)

	cfg := testConfig()
	cfg.RetryDelay = 0
	cfg.MaxRetryDelay = 0
	s, err := Attach(context.Background(), store, nil, Params{RoomID: "R1"}, cfg, clock)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 3); err != nil {
		t.Fatalf("BlockUntilContext: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := store.opens.Load(); n != 1 {
		t.Fatalf("open attempts before any delay elapsed = %d, want 1", n)
	}

	clock.Advance(time.Second)
	waitFor(t, func() bool { return store.opens.Load() == 2 })

	// The second retry waits twice the one second default.
	if err := clock.BlockUntilContext(ctx, 3); err != nil {
		t.Fatalf("BlockUntilContext: %v", err)
	}
	clock.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	if n := store.opens.Load(); n != 2 {
		t.Fatalf("open attempts one second into the second backoff = %d, want 2", n)
	}
	clock.Advance(time.Second)
	waitFor(t, func() bool { return store.opens.Load() == 3 })
}

func TestSubscribeDeliversViews(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memstore.New(clock)
	host := attach(t, store, clock, "R1", 0)
	other := attach(t, store, clock, "R1", 0)

	views := make(chan View, 16)
	cancel := other.Subscribe(func(v View) { views <- v })
	defer cancel()

	if err := host.Continue(context.Background()); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-views:
			if v.Phase.Kind == models.PhaseTutorial {
				return
			}
		case <-deadline:
			t.Fatal("subscriber never saw the tutorial phase")
		}
	}
}

func TestSyncWithTimestamp(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := memstore.New(clock)
	host := attach(t, store, clock, "R1", 0)
	if err := host.Continue(ctx); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	epoch := clock.Now().Add(-4 * time.Second)
	s, err := Attach(ctx, store, nil, Params{RoomID: "R1", SyncWithTimestamp: &epoch}, testConfig(), clock)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach(ctx)

	if got := s.View().Remaining; got != 6*time.Second {
		t.Fatalf("remaining against supplied epoch = %v, want 6s", got)
	}
}

func TestAttachValidation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := memstore.New(clock)
	if _, err := Attach(context.Background(), store, nil, Params{RoomID: "R1", SectorID: 4}, testConfig(), clock); !errors.Is(err, presence.ErrInvalidSector) {
		t.Fatalf("sector 4: %v", err)
	}
	if _, err := Attach(context.Background(), store, nil, Params{}, testConfig(), clock); err == nil {
		t.Fatal("empty room id should fail")
	}
}

func TestResumeStore(t *testing.T) {
	r := NewResumeStore(filepath.Join(t.TempDir(), "nested", "resume.yaml"))

	if _, ok, err := r.Last(2); err != nil || ok {
		t.Fatalf("empty store Last = %v, %v", ok, err)
	}
	if err := r.Remember(2, "R1"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if err := r.Remember(0, "R9"); err != nil {
		t.Fatalf("Remember: %v", err)
	}
	if id, ok, err := r.Last(2); err != nil || !ok || id != "R1" {
		t.Fatalf("Last(2) = %q, %v, %v", id, ok, err)
	}
	if id, _, _ := r.Last(0); id != "R9" {
		t.Fatalf("Last(0) = %q", id)
	}
	if err := r.Remember(1, ""); err == nil {
		t.Fatal("empty room id should be rejected")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
