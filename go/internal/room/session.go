package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/shoreline/go/internal/activity"
	"github.com/mcdev12/shoreline/go/internal/clocksync"
	"github.com/mcdev12/shoreline/go/internal/ledger"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/phase"
	"github.com/mcdev12/shoreline/go/internal/presence"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/rs/zerolog/log"
)

var (
	ErrDetached      = errors.New("session detached")
	ErrNotController = errors.New("session is not bound to a sector")
	ErrNotHost       = errors.New("only the main display can continue")
)

// Params identifies what a client attaches to.
type Params struct {
	RoomID string
	// SectorID is zero for the main display.
	SectorID models.SectorID
	// SyncWithTimestamp, when set, replaces the stored epoch for remaining-time math.
	SyncWithTimestamp *time.Time
}

// Config tunes one session.
type Config struct {
	Clock         clocksync.Config
	Presence      presence.Config
	Durations     phase.Durations
	RoundBudget   int
	TickInterval  time.Duration
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultConfig returns the standard session settings.
func DefaultConfig() Config {
	return Config{
		Clock:         clocksync.DefaultConfig(),
		Presence:      presence.DefaultConfig(),
		Durations:     phase.DefaultDurations(),
		RoundBudget:   100,
		TickInterval:  250 * time.Millisecond,
		RetryDelay:    time.Second,
		MaxRetryDelay: 15 * time.Second,
	}
}

// Session is the object UI code holds for one room attachment. It composes the
// clock engine, phase machine, presence binder, ledger and activity log over a
// single room adapter. A background loop serializes ticks, store changes and
// reconnect attempts.
type Session struct {
	params Params
	cfg    Config
	clock  clockwork.Clock

	store    *roomstore.Adapter
	engine   *clocksync.Engine
	machine  *phase.Machine
	ledger   *ledger.Ledger
	activity *activity.Log
	binder   *presence.Binder

	// opMu serializes every operation that reads or writes the store.
	opMu      sync.Mutex
	changes   <-chan roomstore.Change
	stopWatch context.CancelFunc
	announced bool
	attempt   int

	viewMu  sync.RWMutex
	snap    models.Snapshot
	status  Status
	lastErr error

	subsMu  sync.Mutex
	subs    map[int]func(View)
	nextSub int

	loopCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	detached sync.Once
}

// Attach joins a room, creating it if needed. If the store cannot be reached
// the session is still returned in StatusDisconnected and keeps retrying in
// the background. clockSource may be nil to use the store's clock.
func Attach(ctx context.Context, backend roomstore.Backend, clockSource clocksync.Source, params Params, cfg Config, clock clockwork.Clock) (*Session, error) {
	if params.SectorID != 0 && !params.SectorID.Valid() {
		return nil, fmt.Errorf("%w: %d", presence.ErrInvalidSector, params.SectorID)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay > 0 && cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	store, err := roomstore.NewAdapter(backend, params.RoomID)
	if err != nil {
		return nil, err
	}
	if clockSource == nil {
		clockSource = store
	}

	engine := clocksync.NewEngine(clockSource, clock, cfg.Clock)
	engine.Reset()

	s := &Session{
		params:   params,
		cfg:      cfg,
		clock:    clock,
		store:    store,
		engine:   engine,
		machine:  phase.NewMachine(store, engine, cfg.Durations),
		ledger:   ledger.New(store),
		activity: activity.New(store),
		status:   StatusConnecting,
		subs:     make(map[int]func(View)),
	}
	if params.SectorID.Valid() {
		s.binder = presence.NewBinder(store, clock, cfg.Presence)
	}
	s.loopCtx, s.cancel = context.WithCancel(context.Background())

	s.opMu.Lock()
	err = s.connectLocked(ctx)
	s.opMu.Unlock()
	if err != nil && !errors.Is(err, roomstore.ErrUnavailable) {
		s.cancel()
		return nil, err
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.engine.Run(s.loopCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.loop(s.loopCtx)
	}()

	log.Info().
		Str("room_id", params.RoomID).
		Int("sector_id", int(params.SectorID)).
		Str("status", string(s.Status())).
		Msg("session attached")
	return s, nil
}

// connectLocked opens the room, subscribes, loads the snapshot and binds
// presence. Callers hold opMu.
func (s *Session) connectLocked(ctx context.Context) error {
	if _, err := s.store.Open(ctx, s.cfg.RoundBudget); err != nil {
		return s.fail(err)
	}

	watchCtx, stopWatch := context.WithCancel(s.loopCtx)
	changes, err := s.store.Watch(watchCtx)
	if err != nil {
		stopWatch()
		return s.fail(err)
	}

	if err := s.refreshLocked(ctx); err != nil {
		stopWatch()
		return err
	}

	if s.binder != nil && s.binder.Sector() == 0 {
		if err := s.binder.Attach(ctx, s.params.SectorID); err != nil {
			stopWatch()
			return s.fail(err)
		}
	}

	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.changes, s.stopWatch = changes, stopWatch
	s.attempt = 0
	s.setStatus(StatusConnected, nil)

	if !s.announced {
		s.announced = true
		s.appendActivity(ctx, models.ActivityConnect, s.connectionPayload())
	}
	return nil
}

func (s *Session) connectionPayload() activity.ConnectionPayload {
	p := activity.ConnectionPayload{SectorID: s.params.SectorID}
	if s.binder != nil {
		p.ConnectionID = s.binder.ConnectionID()
	}
	return p
}

// fail records err and downgrades the status when the store is unreachable.
func (s *Session) fail(err error) error {
	if errors.Is(err, roomstore.ErrUnavailable) {
		s.setStatus(StatusDisconnected, err)
	}
	return err
}

func (s *Session) loop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	var retry clockwork.Timer
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		var retryC <-chan time.Time
		if s.Status() != StatusDisconnected && retry != nil {
			retry.Stop()
			retry = nil
		}
		if s.Status() == StatusDisconnected {
			if retry == nil {
				s.attempt++
				delay := s.cfg.RetryDelay * time.Duration(s.attempt)
				if s.cfg.MaxRetryDelay > 0 && delay > s.cfg.MaxRetryDelay {
					delay = s.cfg.MaxRetryDelay
				}
				log.Warn().
					Str("room_id", s.params.RoomID).
					Int("attempt", s.attempt).
					Dur("delay", delay).
					Msg("room store unavailable, retrying")
				retry = s.clock.NewTimer(delay)
			}
			retryC = retry.Chan()
		}

		select {
		case <-ctx.Done():
			return

		case <-ticker.Chan():
			s.opMu.Lock()
			advanced := s.tickLocked(ctx)
			s.opMu.Unlock()
			if !advanced {
				continue
			}

		case change, ok := <-s.changes:
			s.opMu.Lock()
			if !ok {
				s.changes = nil
				if ctx.Err() == nil {
					s.setStatus(StatusDisconnected, roomstore.ErrUnavailable)
				}
			} else if change.Kind == roomstore.ChangeReconnected {
				// Notifications may have been missed while the store was away.
				log.Info().Str("room_id", s.params.RoomID).Msg("store connection recovered, resyncing")
				if err := s.connectLocked(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Str("room_id", s.params.RoomID).Msg("failed to reattach after recovery")
				}
				s.engine.Resync()
			} else if err := s.refreshLocked(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("room_id", s.params.RoomID).Msg("failed to refresh room")
			}
			s.opMu.Unlock()

		case <-retryC:
			retry = nil
			s.opMu.Lock()
			if err := s.connectLocked(ctx); err == nil {
				log.Info().Str("room_id", s.params.RoomID).Msg("room store reconnected")
				s.engine.Resync()
			} else if !errors.Is(err, roomstore.ErrUnavailable) {
				log.Error().Err(err).Str("room_id", s.params.RoomID).Msg("reconnect failed")
				s.setStatus(StatusDisconnected, err)
			}
			s.opMu.Unlock()
		}
		s.publish()
	}
}

// tickLocked drives timeout advancement and reports whether the phase moved.
// Callers hold opMu.
func (s *Session) tickLocked(ctx context.Context) bool {
	if s.Status() != StatusConnected {
		return false
	}
	before, _ := s.machine.Current()
	tr, won, err := s.machine.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.fail(err)
			log.Error().Err(err).Str("room_id", s.params.RoomID).Msg("phase tick failed")
		}
		return false
	}
	if won {
		s.recordTransition(ctx, tr)
		if err := s.refreshLocked(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("room_id", s.params.RoomID).Msg("failed to refresh room")
		}
	}
	after, _ := s.machine.Current()
	return after.Phase != before.Phase
}

func (s *Session) recordTransition(ctx context.Context, tr phase.Transition) {
	s.appendActivity(ctx, models.ActivityPhaseTransition, activity.TransitionPayload{
		From:     tr.From,
		To:       tr.To,
		Duration: tr.Room.PhaseDuration.Milliseconds(),
	})
}

func (s *Session) appendActivity(ctx context.Context, kind models.ActivityKind, payload any) {
	if _, err := s.activity.Append(ctx, kind, payload); err != nil {
		log.Warn().
			Err(err).
			Str("room_id", s.params.RoomID).
			Str("kind", string(kind)).
			Msg("failed to record activity")
	}
}

// refreshLocked reloads the snapshot and feeds it to the machine and ledger.
func (s *Session) refreshLocked(ctx context.Context) error {
	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return s.fail(err)
	}
	if s.machine.Observe(snap.Room) {
		log.Debug().
			Str("room_id", s.params.RoomID).
			Str("phase", snap.Room.Phase.String()).
			Msg("phase observed")
	}
	// The machine may hold a newer record from its own write.
	if cur, ok := s.machine.Current(); ok && phase.Ordinal(cur.Phase) > phase.Ordinal(snap.Room.Phase) {
		snap.Room = cur
	}
	s.ledger.Observe(snap)

	s.viewMu.Lock()
	s.snap = snap
	s.viewMu.Unlock()
	return nil
}

func (s *Session) setStatus(status Status, err error) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if s.status == StatusDetached {
		return
	}
	s.status = status
	s.lastErr = err
}

// Status returns the connection state.
func (s *Session) Status() Status {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.status
}

// ConnectionID identifies this controller's presence records. Empty for the
// main display.
func (s *Session) ConnectionID() string {
	if s.binder == nil {
		return ""
	}
	return s.binder.ConnectionID()
}

// Clock exposes the session's clock engine.
func (s *Session) Clock() *clocksync.Engine {
	return s.engine
}

// View composes the current state. Remaining time is recomputed on every call.
func (s *Session) View() View {
	s.viewMu.RLock()
	snap, status, lastErr := s.snap, s.status, s.lastErr
	s.viewMu.RUnlock()

	room, ok := s.machine.Current()
	if !ok {
		room = snap.Room
	}
	snap.Room = room

	v := View{
		RoomID:      s.params.RoomID,
		SectorID:    s.params.SectorID,
		Phase:       room.Phase,
		Round:       room.Round(),
		PhaseEpoch:  room.PhaseEpoch,
		ClockSynced: s.engine.IsSynced(),
		Status:      status,
		RoundBudget: room.RoundBudget,
		Sectors:     snap.Sectors(),
	}
	if lastErr != nil {
		v.LastError = lastErr.Error()
	}
	if ok {
		if screen, err := phase.ScreenFor(room.Phase); err == nil {
			v.Screen = screen
		}
		if s.params.SyncWithTimestamp != nil {
			v.Remaining = s.machine.RemainingFrom(*s.params.SyncWithTimestamp)
		} else {
			v.Remaining = s.machine.Remaining()
		}
	}

	now := s.engine.AdjustedNow()
	timeout := s.cfg.Presence.Timeout
	for i, p := range presence.ActiveBySector(snap.Presence, now, timeout) {
		if p != nil {
			v.Controllers[i] = p.ConnectionID
		}
	}
	if s.binder != nil {
		v.Presence = presence.StatusOf(snap.Presence, s.params.SectorID, s.binder.ConnectionID(), now, timeout)
		if v.Presence == presence.StatusShadowed {
			v.PresenceWarning = PresenceWarning
		}
	}
	return v
}

// Subscribe registers fn to receive a fresh view after every room or presence
// change. fn runs on the session loop and must not call Detach.
func (s *Session) Subscribe(fn func(View)) (cancel func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Session) publish() {
	s.subsMu.Lock()
	fns := make([]func(View), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	if len(fns) == 0 {
		return
	}

	v := s.View()
	for _, fn := range fns {
		fn(v)
	}
}

func (s *Session) checkOpen() error {
	switch s.Status() {
	case StatusDetached:
		return ErrDetached
	case StatusDisconnected, StatusConnecting:
		return fmt.Errorf("room %s: %w", s.params.RoomID, roomstore.ErrUnavailable)
	}
	return nil
}

// Place submits a placement for this controller's sector.
func (s *Session) Place(ctx context.Context, item ledger.Item) (models.Placement, error) {
	if s.binder == nil {
		return models.Placement{}, ErrNotController
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return models.Placement{}, err
	}

	p, err := s.ledger.Place(ctx, s.params.SectorID, item)
	if err != nil {
		s.fail(err)
		return models.Placement{}, err
	}
	s.appendActivity(ctx, models.ActivityPlacement, activity.NewPlacementPayload(p))
	if err := s.refreshLocked(ctx); err != nil {
		log.Warn().Err(err).Str("room_id", s.params.RoomID).Msg("failed to refresh after placement")
	}
	return p, nil
}

// Continue advances an untimed phase. Only the main display may continue. A
// lost race is not an error; the view simply shows the winner's phase.
func (s *Session) Continue(ctx context.Context) error {
	if s.binder != nil {
		return ErrNotHost
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tr, won, err := s.machine.Continue(ctx)
	if err != nil {
		return s.fail(err)
	}
	if won {
		s.recordTransition(ctx, tr)
	}
	return s.refreshLocked(ctx)
}

// Poll runs one phase tick immediately.
func (s *Session) Poll(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.tickLocked(ctx)
	return nil
}

// Refresh reloads the room snapshot.
func (s *Session) Refresh(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.Status() == StatusDetached {
		return ErrDetached
	}
	return s.refreshLocked(ctx)
}

// Activity lists the room's timeline.
func (s *Session) Activity(ctx context.Context) ([]models.ActivityEntry, error) {
	if s.Status() == StatusDetached {
		return nil, ErrDetached
	}
	return s.activity.List(ctx)
}

// Detach tears the session down: the loop and its tick timer, clock polling,
// presence heartbeats and the store subscription all stop before it returns.
// The clock engine is reset. Calling Detach again is a no-op.
func (s *Session) Detach(ctx context.Context) {
	s.detached.Do(func() {
		s.cancel()
		s.wg.Wait()

		if s.binder != nil {
			s.binder.Detach()
		}

		s.opMu.Lock()
		if s.stopWatch != nil {
			s.stopWatch()
		}
		s.changes = nil
		if s.announced && s.Status() == StatusConnected {
			s.appendActivity(ctx, models.ActivityDisconnect, s.connectionPayload())
		}
		s.opMu.Unlock()

		s.engine.Reset()
		s.setStatus(StatusDetached, nil)

		s.subsMu.Lock()
		s.subs = make(map[int]func(View))
		s.subsMu.Unlock()

		log.Info().
			Str("room_id", s.params.RoomID).
			Int("sector_id", int(s.params.SectorID)).
			Msg("session detached")
	})
}
