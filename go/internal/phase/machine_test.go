package phase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/phase"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/mcdev12/shoreline/go/internal/roomstore/memstore"
)

type skewedClock struct {
	clock  clockwork.Clock
	offset time.Duration
}

func (c skewedClock) AdjustedNow() time.Time { return c.clock.Now().Add(c.offset) }

var durations = phase.Durations{Tutorial: 10 * time.Second, Gameplay: 30 * time.Second}

// gameplayRoom drives a fresh room to round_gameplay(1) and returns its adapter.
func gameplayRoom(t *testing.T, store *memstore.Store, roomID string) *roomstore.Adapter {
	t.Helper()
	ctx := context.Background()
	a, err := roomstore.NewAdapter(store, roomID)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	room, err := a.Open(ctx, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for room.Phase.Kind != models.PhaseRoundGameplay {
		next, _ := room.Phase.Next()
		room, err = a.AdvancePhase(ctx, room.Phase, next, durations.DurationFor(next))
		if err != nil {
			t.Fatalf("AdvancePhase: %v", err)
		}
	}
	return a
}

func TestRemainingAgainst(t *testing.T) {
	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		elapsed time.Duration
		want    time.Duration
	}{
		{"start", 0, 30 * time.Second},
		{"midway", 12 * time.Second, 18 * time.Second},
		{"exactly over", 30 * time.Second, 0},
		{"long over", 5 * time.Minute, 0},
		{"clock behind epoch", -2 * time.Second, 32 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := phase.RemainingAgainst(epoch, 30*time.Second, epoch.Add(tt.elapsed)); got != tt.want {
				t.Fatalf("RemainingAgainst = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUntimedPhaseHasNoRemaining(t *testing.T) {
	room := models.Room{Phase: models.Phase{Kind: models.PhaseRoundBriefing, Round: 1}, PhaseDuration: time.Minute}
	if got := phase.Remaining(room, time.Now()); got != 0 {
		t.Fatalf("Remaining = %v, want 0", got)
	}
}

func TestConcurrentTimeoutHasSingleWinner(t *testing.T) {
	fake := clockwork.NewFakeClock()
	store := memstore.New(fake)
	a := gameplayRoom(t, store, "R1")
	ctx := context.Background()

	start, err := a.Room(ctx)
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	if start.PhaseDuration != 30*time.Second {
		t.Fatalf("gameplay duration = %v", start.PhaseDuration)
	}

	clients := []*phase.Machine{
		phase.NewMachine(a, skewedClock{clock: fake}, durations),
		phase.NewMachine(a, skewedClock{clock: fake, offset: 40 * time.Millisecond}, durations),
	}
	for _, m := range clients {
		m.Observe(start)
	}

	fake.Advance(31 * time.Second)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, m := range clients {
		wg.Add(1)
		go func(m *phase.Machine) {
			defer wg.Done()
			_, won, err := m.Tick(ctx)
			if err != nil {
				t.Errorf("Tick: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning write, got %d", wins)
	}
	want := models.Phase{Kind: models.PhaseRoundBreakdown, Round: 1}
	for i, m := range clients {
		room, _ := m.Current()
		if room.Phase != want {
			t.Fatalf("client %d sees %s, want %s", i, room.Phase, want)
		}
	}
	stored, _ := a.Room(ctx)
	if stored.Phase != want {
		t.Fatalf("store has %s, want %s", stored.Phase, want)
	}
}

func TestReattachComputesSameRemaining(t *testing.T) {
	fake := clockwork.NewFakeClock()
	store := memstore.New(fake)
	a := gameplayRoom(t, store, "R2")
	ctx := context.Background()
	clock := skewedClock{clock: fake}

	steady := phase.NewMachine(a, clock, durations)
	if _, err := steady.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	fake.Advance(12 * time.Second)

	late := phase.NewMachine(a, clock, durations)
	if _, err := late.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if steady.Remaining() != late.Remaining() {
		t.Fatalf("steady %v != reattached %v", steady.Remaining(), late.Remaining())
	}
	if got := late.Remaining(); got < 18*time.Second || got > 18*time.Second+time.Millisecond {
		t.Fatalf("remaining = %v, want ~18s", got)
	}
}

func TestTickBeforeTimeoutDoesNothing(t *testing.T) {
	fake := clockwork.NewFakeClock()
	a := gameplayRoom(t, memstore.New(fake), "R3")
	m := phase.NewMachine(a, skewedClock{clock: fake}, durations)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	fake.Advance(29 * time.Second)
	if _, won, err := m.Tick(context.Background()); err != nil || won {
		t.Fatalf("Tick = %v, %v; want no transition", won, err)
	}
}

func TestContinue(t *testing.T) {
	fake := clockwork.NewFakeClock()
	store := memstore.New(fake)
	a, err := roomstore.NewAdapter(store, "R4")
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	ctx := context.Background()
	if _, err := a.Open(ctx, 100); err != nil {
		t.Fatalf("Open: %v", err)
	}
	m := phase.NewMachine(a, skewedClock{clock: fake}, durations)

	if _, _, err := m.Continue(ctx); !errors.Is(err, phase.ErrNotObserved) {
		t.Fatalf("expected ErrNotObserved, got %v", err)
	}
	if _, err := m.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	tr, won, err := m.Continue(ctx)
	if err != nil || !won {
		t.Fatalf("Continue from lobby = %v, %v", won, err)
	}
	if tr.To.Kind != models.PhaseTutorial || tr.Room.PhaseDuration != durations.Tutorial {
		t.Fatalf("unexpected transition %+v", tr)
	}

	if _, _, err := m.Continue(ctx); !errors.Is(err, phase.ErrNotContinuable) {
		t.Fatalf("expected ErrNotContinuable during tutorial, got %v", err)
	}

	fake.Advance(durations.Tutorial + time.Second)
	tr, won, err = m.Tick(ctx)
	if err != nil || !won {
		t.Fatalf("Tick after tutorial = %v, %v", won, err)
	}
	if tr.To != (models.Phase{Kind: models.PhaseRoundBriefing, Round: 1}) {
		t.Fatalf("tutorial should lead to round_briefing(1), got %s", tr.To)
	}
}

func TestContinueLoserSeesWinner(t *testing.T) {
	fake := clockwork.NewFakeClock()
	a, err := roomstore.NewAdapter(memstore.New(fake), "R5")
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	ctx := context.Background()
	if _, err := a.Open(ctx, 100); err != nil {
		t.Fatalf("Open: %v", err)
	}
	host := phase.NewMachine(a, skewedClock{clock: fake}, durations)
	other := phase.NewMachine(a, skewedClock{clock: fake}, durations)
	host.Refresh(ctx)
	other.Refresh(ctx)

	if _, won, err := host.Continue(ctx); err != nil || !won {
		t.Fatalf("host Continue = %v, %v", won, err)
	}
	_, won, err := other.Continue(ctx)
	if err != nil || won {
		t.Fatalf("stale Continue should be swallowed, got %v, %v", won, err)
	}
	room, _ := other.Current()
	if room.Phase.Kind != models.PhaseTutorial {
		t.Fatalf("loser should observe tutorial, got %s", room.Phase)
	}
}

func TestObserveIgnoresDuplicatesAndStaleSnapshots(t *testing.T) {
	m := phase.NewMachine(nil, skewedClock{clock: clockwork.NewFakeClock()}, durations)
	gameplay := models.Room{ID: "R", Phase: models.Phase{Kind: models.PhaseRoundGameplay, Round: 2}}
	briefing := models.Room{ID: "R", Phase: models.Phase{Kind: models.PhaseRoundBriefing, Round: 2}}

	if !m.Observe(gameplay) {
		t.Fatal("first observation should report a change")
	}
	if m.Observe(gameplay) {
		t.Fatal("duplicate delivery should be a no-op")
	}
	if m.Observe(briefing) {
		t.Fatal("older phase should be ignored")
	}
	room, _ := m.Current()
	if room.Phase != gameplay.Phase {
		t.Fatalf("current = %s", room.Phase)
	}
}

func TestFullProgressionOrdinals(t *testing.T) {
	p := models.Lobby()
	last := phase.Ordinal(p)
	for {
		next, ok := p.Next()
		if !ok {
			break
		}
		if phase.Ordinal(next) != last+1 {
			t.Fatalf("%s -> %s skips ordinals", p, next)
		}
		last = phase.Ordinal(next)
		p = next
	}
	if p.Kind != models.PhaseResults {
		t.Fatalf("progression ended at %s", p)
	}
}

func TestScreenForIsExhaustive(t *testing.T) {
	seen := map[phase.Screen]bool{}
	p := models.Lobby()
	for {
		s, err := phase.ScreenFor(p)
		if err != nil {
			t.Fatalf("ScreenFor(%s): %v", p, err)
		}
		seen[s] = true
		next, ok := p.Next()
		if !ok {
			break
		}
		p = next
	}
	for _, s := range []phase.Screen{
		phase.ScreenWaiting, phase.ScreenTutorial, phase.ScreenBriefing, phase.ScreenGameplay,
		phase.ScreenBreakdown, phase.ScreenFinalBreakdown, phase.ScreenFinalReport,
	} {
		if !seen[s] {
			t.Errorf("screen %s is unreachable", s)
		}
	}
	if _, err := phase.ScreenFor(models.Phase{Kind: "bogus"}); err == nil {
		t.Fatal("unknown kind should fail")
	}
}
