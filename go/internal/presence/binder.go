package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidSector   = errors.New("invalid sector id")
	ErrAlreadyAttached = errors.New("binder already attached")
)

// Heartbeater writes presence records for one room.
type Heartbeater interface {
	Heartbeat(ctx context.Context, sector models.SectorID, connectionID string) (models.Presence, error)
}

// Binder keeps one connection's presence record fresh. It is not a lock:
// another binder for the same sector simply shadows this one.
type Binder struct {
	hb           Heartbeater
	clock        clockwork.Clock
	cfg          Config
	connectionID string

	mu     sync.Mutex
	sector models.SectorID
	cancel context.CancelFunc
	done   chan struct{}
	last   models.Presence
}

// NewBinder creates a binder with a fresh connection id.
func NewBinder(hb Heartbeater, clock clockwork.Clock, cfg Config) *Binder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Binder{
		hb:           hb,
		clock:        clock,
		cfg:          cfg,
		connectionID: uuid.NewString(),
	}
}

// ConnectionID identifies this binder's presence records.
func (b *Binder) ConnectionID() string {
	return b.connectionID
}

// Sector returns the attached sector, or zero.
func (b *Binder) Sector() models.SectorID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sector
}

// Last returns the most recently written record.
func (b *Binder) Last() models.Presence {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Attach writes a heartbeat now and keeps refreshing it until Detach. The first
// write must succeed; later failures are logged and retried on the next beat.
func (b *Binder) Attach(ctx context.Context, sector models.SectorID) error {
	if !sector.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSector, sector)
	}

	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return ErrAlreadyAttached
	}
	b.mu.Unlock()

	p, err := b.hb.Heartbeat(ctx, sector, b.connectionID)
	if err != nil {
		return fmt.Errorf("failed to attach sector %d: %w", sector, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		cancel()
		return ErrAlreadyAttached
	}
	b.sector = sector
	b.last = p
	b.cancel = cancel
	b.done = done
	b.mu.Unlock()

	log.Info().
		Int("sector_id", int(sector)).
		Str("connection_id", b.connectionID).
		Msg("controller attached")

	go b.beat(loopCtx, sector, done)
	return nil
}

func (b *Binder) beat(ctx context.Context, sector models.SectorID, done chan struct{}) {
	defer close(done)

	ticker := b.clock.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p, err := b.hb.Heartbeat(ctx, sector, b.connectionID)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().
						Err(err).
						Int("sector_id", int(sector)).
						Str("connection_id", b.connectionID).
						Msg("heartbeat failed")
				}
				continue
			}
			b.mu.Lock()
			b.last = p
			b.mu.Unlock()
		}
	}
}

// Detach stops heartbeats and waits for the loop to exit. The record is left
// to expire. Detach is safe to call more than once.
func (b *Binder) Detach() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	sector := b.sector
	b.sector = 0
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	log.Info().
		Int("sector_id", int(sector)).
		Str("connection_id", b.connectionID).
		Msg("controller detached")
}
