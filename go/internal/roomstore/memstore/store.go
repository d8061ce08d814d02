package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 16

type presenceKey struct {
	sector       models.SectorID
	connectionID string
}

type roomState struct {
	room       models.Room
	placements []models.Placement
	presence   map[presenceKey]models.Presence
	activity   []models.ActivityEntry
}

// Store is an in-process Backend. Its clock plays the role of the server clock.
type Store struct {
	clock clockwork.Clock

	mu          sync.Mutex
	rooms       map[string]*roomState
	lastStamp   time.Time
	seq         int64
	unavailable bool

	subsMu sync.Mutex
	subs   map[string]map[chan roomstore.Change]struct{}
}

var _ roomstore.Backend = (*Store)(nil)

// New creates an empty store driven by clock.
func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock: clock,
		rooms: make(map[string]*roomState),
		subs:  make(map[string]map[chan roomstore.Change]struct{}),
	}
}

// SetUnavailable makes every call fail with ErrUnavailable until cleared.
// Clearing it tells subscribers the connection came back.
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	was := s.unavailable
	s.unavailable = down
	s.mu.Unlock()

	if was && !down {
		s.subsMu.Lock()
		rooms := make([]string, 0, len(s.subs))
		for roomID := range s.subs {
			rooms = append(rooms, roomID)
		}
		s.subsMu.Unlock()
		for _, roomID := range rooms {
			s.notify(roomID, roomstore.ChangeReconnected)
		}
	}
}

// stamp returns a strictly increasing server timestamp. Callers hold s.mu.
func (s *Store) stamp() time.Time {
	now := s.clock.Now().UTC()
	if !now.After(s.lastStamp) {
		now = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = now
	return now
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *Store) check() error {
	if s.unavailable {
		return roomstore.ErrUnavailable
	}
	return nil
}

func (s *Store) EnsureRoom(ctx context.Context, init models.Room) (models.Room, bool, error) {
	if err := models.ValidateRoomID(init.ID); err != nil {
		return models.Room{}, false, err
	}
	if err := init.Phase.Validate(); err != nil {
		return models.Room{}, false, err
	}

	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return models.Room{}, false, err
	}
	if st, ok := s.rooms[init.ID]; ok {
		room := st.room
		s.mu.Unlock()
		return room, false, nil
	}
	now := s.stamp()
	init.CreatedAt = now
	init.PhaseEpoch = now
	s.rooms[init.ID] = &roomState{
		room:     init,
		presence: make(map[presenceKey]models.Presence),
	}
	s.mu.Unlock()

	s.notify(init.ID, roomstore.ChangeRoom)
	return init, true, nil
}

func (s *Store) Room(ctx context.Context, roomID string) (models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return models.Room{}, err
	}
	st, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, roomstore.ErrRoomNotFound
	}
	return st.room, nil
}

func (s *Store) Snapshot(ctx context.Context, roomID string) (models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return models.Snapshot{}, err
	}
	st, ok := s.rooms[roomID]
	if !ok {
		return models.Snapshot{}, roomstore.ErrRoomNotFound
	}

	snap := models.Snapshot{
		Room:       st.room,
		Placements: make([]models.Placement, len(st.placements)),
		Presence:   make([]models.Presence, 0, len(st.presence)),
	}
	copy(snap.Placements, st.placements)
	for _, p := range st.presence {
		snap.Presence = append(snap.Presence, p)
	}
	sort.Slice(snap.Presence, func(i, j int) bool {
		if snap.Presence[i].SectorID != snap.Presence[j].SectorID {
			return snap.Presence[i].SectorID < snap.Presence[j].SectorID
		}
		return snap.Presence[i].ConnectionID < snap.Presence[j].ConnectionID
	})
	return snap, nil
}

func (s *Store) SwapPhase(ctx context.Context, roomID string, expected, next models.Phase, duration time.Duration) (models.Room, error) {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return models.Room{}, err
	}
	st, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return models.Room{}, roomstore.ErrRoomNotFound
	}
	if st.room.Phase != expected {
		current := st.room.Phase
		s.mu.Unlock()
		return models.Room{}, fmt.Errorf("%w: expected %s, stored %s", roomstore.ErrWriteConflict, expected, current)
	}
	st.room.Phase = next
	st.room.PhaseEpoch = s.stamp()
	st.room.PhaseDuration = duration
	room := st.room
	s.mu.Unlock()

	s.notify(roomID, roomstore.ChangeRoom)
	return room, nil
}

func (s *Store) AppendPlacement(ctx context.Context, p models.Placement) (models.Placement, error) {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return models.Placement{}, err
	}
	st, ok := s.rooms[p.RoomID]
	if !ok {
		s.mu.Unlock()
		return models.Placement{}, roomstore.ErrRoomNotFound
	}
	if !st.room.Phase.LedgerOpen() || st.room.Round() != p.Round {
		s.mu.Unlock()
		return models.Placement{}, roomstore.ErrPhaseClosed
	}
	p.CreatedAt = s.stamp()
	p.Seq = s.nextSeq()
	st.placements = append(st.placements, p)
	s.mu.Unlock()

	s.notify(p.RoomID, roomstore.ChangePlacement)
	return p, nil
}

func (s *Store) Heartbeat(ctx context.Context, roomID string, sector models.SectorID, connectionID string) (models.Presence, error) {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return models.Presence{}, err
	}
	st, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return models.Presence{}, roomstore.ErrRoomNotFound
	}
	p := models.Presence{
		RoomID:        roomID,
		SectorID:      sector,
		ConnectionID:  connectionID,
		LastHeartbeat: s.stamp(),
	}
	st.presence[presenceKey{sector: sector, connectionID: connectionID}] = p
	s.mu.Unlock()

	s.notify(roomID, roomstore.ChangePresence)
	return p, nil
}

func (s *Store) AppendActivity(ctx context.Context, entry models.ActivityEntry) (models.ActivityEntry, error) {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return models.ActivityEntry{}, err
	}
	st, ok := s.rooms[entry.RoomID]
	if !ok {
		s.mu.Unlock()
		return models.ActivityEntry{}, roomstore.ErrRoomNotFound
	}
	entry.At = s.stamp()
	entry.Seq = s.nextSeq()
	st.activity = append(st.activity, entry)
	s.mu.Unlock()

	s.notify(entry.RoomID, roomstore.ChangeActivity)
	return entry, nil
}

func (s *Store) Activity(ctx context.Context, roomID string) ([]models.ActivityEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	st, ok := s.rooms[roomID]
	if !ok {
		return nil, roomstore.ErrRoomNotFound
	}
	entries := make([]models.ActivityEntry, len(st.activity))
	copy(entries, st.activity)
	return entries, nil
}

func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return time.Time{}, err
	}
	return s.clock.Now().UTC(), nil
}

func (s *Store) Subscribe(ctx context.Context, roomID string) (<-chan roomstore.Change, error) {
	s.mu.Lock()
	err := s.check()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan roomstore.Change, subscriberBuffer)
	s.subsMu.Lock()
	if s.subs[roomID] == nil {
		s.subs[roomID] = make(map[chan roomstore.Change]struct{})
	}
	s.subs[roomID][ch] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs[roomID], ch)
		if len(s.subs[roomID]) == 0 {
			delete(s.subs, roomID)
		}
		close(ch)
		s.subsMu.Unlock()
	}()
	return ch, nil
}

// notify fans a change out without blocking.
func (s *Store) notify(roomID string, kind roomstore.ChangeKind) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs[roomID] {
		if !roomstore.Offer(ch, roomstore.Change{RoomID: roomID, Kind: kind}) {
			log.Debug().Str("room_id", roomID).Msg("subscriber buffer full, change coalesced")
		}
	}
}
