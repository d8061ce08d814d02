package clocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ErrClockSyncFailure means a round trip failed or timed out. The previous
// offset stays in effect.
var ErrClockSyncFailure = errors.New("clock sync failed")

// Source reports the authoritative server time.
type Source interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Config controls sync cadence and smoothing.
type Config struct {
	SyncInterval time.Duration
	SyncTimeout  time.Duration
	// Round trips slower than HighVarianceRTT are blended into the previous
	// offset with SmoothingWeight instead of replacing it.
	HighVarianceRTT time.Duration
	SmoothingWeight float64
}

// DefaultConfig returns the default sync configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval:    30 * time.Second,
		SyncTimeout:     5 * time.Second,
		HighVarianceRTT: time.Second,
		SmoothingWeight: 0.25,
	}
}

// Sample is the engine's current calibration.
type Sample struct {
	Offset   time.Duration
	RTT      time.Duration
	LastSync time.Time
	Synced   bool
}

// Engine estimates the offset between the local clock and the server clock.
// Its validity is scoped to one room attachment; call Reset on detach.
type Engine struct {
	source Source
	clock  clockwork.Clock
	cfg    Config

	mu         sync.Mutex
	offset     time.Duration
	rtt        time.Duration
	lastSync   time.Time
	synced     bool
	generation uint64

	resync chan struct{}
}

// NewEngine creates an unsynced engine.
func NewEngine(source Source, clock clockwork.Clock, cfg Config) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		source: source,
		clock:  clock,
		cfg:    cfg,
		resync: make(chan struct{}, 1),
	}
}

// Sync performs one round trip: offset = ts - (t0+t1)/2.
func (e *Engine) Sync(ctx context.Context) (Sample, error) {
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()

	if e.cfg.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SyncTimeout)
		defer cancel()
	}

	t0 := e.clock.Now()
	ts, err := e.source.ServerTime(ctx)
	t1 := e.clock.Now()
	if err != nil {
		return e.Sample(), fmt.Errorf("%w: %v", ErrClockSyncFailure, err)
	}

	rtt := t1.Sub(t0)
	midpoint := t0.Add(rtt / 2)
	measured := ts.Sub(midpoint)

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.generation {
		log.Debug().Dur("rtt", rtt).Msg("discarding clock sample from a previous attachment")
		return e.sampleLocked(), fmt.Errorf("%w: engine was reset during round trip", ErrClockSyncFailure)
	}

	offset := measured
	if e.synced && e.cfg.HighVarianceRTT > 0 && rtt > e.cfg.HighVarianceRTT && e.cfg.SmoothingWeight > 0 {
		w := e.cfg.SmoothingWeight
		offset = time.Duration(float64(e.offset)*(1-w) + float64(measured)*w)
	}

	e.offset = offset
	e.rtt = rtt
	e.lastSync = t1
	e.synced = true

	log.Debug().
		Dur("offset", offset).
		Dur("rtt", rtt).
		Msg("clock synced")

	return e.sampleLocked(), nil
}

// AdjustedNow approximates the server's current time.
func (e *Engine) AdjustedNow() time.Time {
	e.mu.Lock()
	offset := e.offset
	e.mu.Unlock()
	return e.clock.Now().Add(offset)
}

// IsSynced reports whether at least one sync succeeded since the last reset.
func (e *Engine) IsSynced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.synced
}

// Sample returns the current calibration.
func (e *Engine) Sample() Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampleLocked()
}

func (e *Engine) sampleLocked() Sample {
	return Sample{Offset: e.offset, RTT: e.rtt, LastSync: e.lastSync, Synced: e.synced}
}

// Reset drops the calibration. Round trips in flight are discarded when they return.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offset = 0
	e.rtt = 0
	e.lastSync = time.Time{}
	e.synced = false
	e.generation++
}

// Resync asks a running Run loop to sync immediately.
func (e *Engine) Resync() {
	select {
	case e.resync <- struct{}{}:
	default:
	}
}

// Run syncs immediately and then on every interval or Resync until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	e.syncAndLog(ctx)

	ticker := e.clock.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.syncAndLog(ctx)
		case <-e.resync:
			e.syncAndLog(ctx)
		}
	}
}

func (e *Engine) syncAndLog(ctx context.Context) {
	if _, err := e.Sync(ctx); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Bool("synced", e.IsSynced()).Msg("clock sync round trip failed")
	}
}
