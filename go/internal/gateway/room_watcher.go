package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/rs/zerolog/log"
)

// RoomWatcher subscribes to store changes for every room that has at least
// one websocket connection and broadcasts a fresh RoomState after each one.
type RoomWatcher struct {
	backend    roomstore.Backend
	states     StateProvider
	cm         *ConnectionManager
	clock      clockwork.Clock
	retryDelay time.Duration

	mu      sync.Mutex
	base    context.Context
	stop    context.CancelFunc
	watches map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRoomWatcher creates a watcher. Rooms are only watched once Start has run.
func NewRoomWatcher(backend roomstore.Backend, states StateProvider, cm *ConnectionManager, clock clockwork.Clock, retryDelay time.Duration) *RoomWatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return &RoomWatcher{
		backend:    backend,
		states:     states,
		cm:         cm,
		clock:      clock,
		retryDelay: retryDelay,
		watches:    make(map[string]context.CancelFunc),
	}
}

// Start binds the watcher to ctx. Watches started afterwards end with it.
func (w *RoomWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.base, w.stop = context.WithCancel(ctx)
}

// Watch begins following roomID. Repeated calls are no-ops.
func (w *RoomWatcher) Watch(roomID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.base == nil || w.base.Err() != nil {
		return
	}
	if _, ok := w.watches[roomID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(w.base)
	w.watches[roomID] = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx, roomID)
	}()

	log.Debug().Str("room_id", roomID).Msg("watching room")
}

// Unwatch stops following roomID.
func (w *RoomWatcher) Unwatch(roomID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.watches[roomID]; ok {
		cancel()
		delete(w.watches, roomID)
		log.Debug().Str("room_id", roomID).Msg("stopped watching room")
	}
}

// Watching reports whether roomID currently has a subscription.
func (w *RoomWatcher) Watching(roomID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watches[roomID]
	return ok
}

// Stop cancels every watch and waits for them to exit.
func (w *RoomWatcher) Stop() {
	w.mu.Lock()
	if w.stop != nil {
		w.stop()
	}
	w.watches = make(map[string]context.CancelFunc)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *RoomWatcher) run(ctx context.Context, roomID string) {
	attempt := 0
	for {
		changes, err := w.backend.Subscribe(ctx, roomID)
		if err == nil {
			attempt = 0
			w.push(ctx, roomID)
			for range changes {
				drain(changes)
				w.push(ctx, roomID)
			}
		}
		if ctx.Err() != nil {
			return
		}

		attempt++
		delay := w.retryDelay * time.Duration(attempt)
		log.Warn().
			Err(err).
			Str("room_id", roomID).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("room subscription ended, resubscribing")

		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(delay):
		}
	}
}

// drain discards changes already queued; one state push covers them all.
func drain(changes <-chan roomstore.Change) {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (w *RoomWatcher) push(ctx context.Context, roomID string) {
	state, err := w.states.GetRoomState(ctx, roomID)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug().Err(err).Str("room_id", roomID).Msg("failed to load room state for broadcast")
		}
		return
	}
	event, err := NewRoomEvent(roomID, EventTypeRoomState, state, state.ServerTime)
	if err != nil {
		log.Error().Err(err).Msg("failed to build room state event")
		return
	}
	w.cm.BroadcastToRoom(roomID, event)
}
