package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/rs/zerolog/log"
)

// Subscribe registers for change notifications of roomID. The first call opens
// the shared LISTEN connection.
func (s *Store) Subscribe(ctx context.Context, roomID string) (<-chan roomstore.Change, error) {
	if err := s.ensureListener(); err != nil {
		return nil, err
	}

	ch := make(chan roomstore.Change, s.cfg.SubscriberBuf)
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

func (s *Store) ensureListener() error {
	s.listenOnce.Do(func() {
		l := pq.NewListener(
			s.cfg.DSN,
			s.cfg.MinReconnect,
			s.cfg.MaxReconnect,
			func(ev pq.ListenerEventType, err error) {
				if err != nil {
					log.Error().Err(err).Msg("room change listener event")
				}
			},
		)
		if err := l.Listen(s.cfg.ChangeChannel); err != nil {
			_ = l.Close()
			s.listenErr = fmt.Errorf("%w: failed to listen on %s: %v", roomstore.ErrUnavailable, s.cfg.ChangeChannel, err)
			return
		}
		s.listener = l

		log.Info().
			Str("channel", s.cfg.ChangeChannel).
			Msg("listening for room changes")

		go s.dispatch(l)
	})
	return s.listenErr
}

func (s *Store) dispatch(l *pq.Listener) {
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-s.stopListen:
			return
		case note, ok := <-l.Notify:
			if !ok {
				return
			}
			if note == nil {
				// nil notification means the connection was re-established and
				// notifications may have been missed.
				s.broadcastReconnected()
				continue
			}
			var change roomstore.Change
			if err := json.Unmarshal([]byte(note.Extra), &change); err != nil {
				log.Error().Err(err).Str("payload", note.Extra).Msg("invalid room change notification")
				continue
			}
			s.deliver(change)
		case <-pingTicker.C:
			if err := l.Ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping room change listener")
			}
		}
	}
}

func (s *Store) broadcastReconnected() {
	s.subsMu.Lock()
	rooms := make([]string, 0, len(s.subs))
	for roomID := range s.subs {
		rooms = append(rooms, roomID)
	}
	s.subsMu.Unlock()

	log.Info().Int("rooms", len(rooms)).Msg("room change listener reconnected")
	for _, roomID := range rooms {
		s.deliver(roomstore.Change{RoomID: roomID, Kind: roomstore.ChangeReconnected})
	}
}

func (s *Store) deliver(change roomstore.Change) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs[change.RoomID] {
		roomstore.Offer(ch, change)
	}
}
