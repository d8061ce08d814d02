package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

const pgForeignKeyViolation = "23503"

// Config holds Postgres settings for the room store.
type Config struct {
	DSN             string
	ChangeChannel   string // NOTIFY channel carrying roomstore.Change JSON
	ActivityChannel string // NOTIFY channel carrying activity ids for the relay
	MinReconnect    time.Duration
	MaxReconnect    time.Duration
	PingInterval    time.Duration
	SubscriberBuf   int
}

// DefaultConfig returns default store configuration for dsn.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             dsn,
		ChangeChannel:   "room_changes",
		ActivityChannel: "room_activity",
		MinReconnect:    10 * time.Second,
		MaxReconnect:    time.Minute,
		PingInterval:    90 * time.Second,
		SubscriberBuf:   16,
	}
}

// Store is a roomstore.Backend on Postgres. Server timestamps come from
// clock_timestamp(); subscriptions ride on LISTEN/NOTIFY.
type Store struct {
	pool *pgxpool.Pool
	cfg  Config

	listenOnce sync.Once
	listenErr  error
	listener   *pq.Listener
	stopListen chan struct{}

	subsMu sync.Mutex
	subs   map[string]map[chan roomstore.Change]struct{}
}

var _ roomstore.Backend = (*Store)(nil)

// New connects a pool and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool:       pool,
		cfg:        cfg,
		stopListen: make(chan struct{}),
		subs:       make(map[string]map[chan roomstore.Change]struct{}),
	}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the pool.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx))
}

// Close stops the listener and closes the pool.
func (s *Store) Close() error {
	close(s.stopListen)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.pool.Close()
	return err
}

const roomColumns = `id, phase, round, phase_epoch, phase_duration_ms, round_budget, created_at`

func scanRoom(row pgx.Row) (models.Room, error) {
	var (
		room       models.Room
		kind       string
		durationMS int64
	)
	err := row.Scan(&room.ID, &kind, &room.Phase.Round, &room.PhaseEpoch, &durationMS, &room.RoundBudget, &room.CreatedAt)
	if err != nil {
		return models.Room{}, err
	}
	room.Phase.Kind = models.PhaseKind(kind)
	room.PhaseDuration = time.Duration(durationMS) * time.Millisecond
	room.PhaseEpoch = room.PhaseEpoch.UTC()
	room.CreatedAt = room.CreatedAt.UTC()
	return room, nil
}

func (s *Store) EnsureRoom(ctx context.Context, init models.Room) (models.Room, bool, error) {
	if err := models.ValidateRoomID(init.ID); err != nil {
		return models.Room{}, false, err
	}
	if err := init.Phase.Validate(); err != nil {
		return models.Room{}, false, err
	}

	var (
		room    models.Room
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO rooms (id, phase, round, phase_duration_ms, round_budget)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
			RETURNING `+roomColumns,
			init.ID, string(init.Phase.Kind), init.Phase.Round, init.PhaseDuration.Milliseconds(), init.RoundBudget)
		var err error
		room, err = scanRoom(row)
		if err == nil {
			created = true
			return s.notify(ctx, tx, init.ID, roomstore.ChangeRoom)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		room, err = scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, init.ID))
		return err
	})
	if err != nil {
		return models.Room{}, false, classify(err)
	}
	return room, created, nil
}

func (s *Store) Room(ctx context.Context, roomID string) (models.Room, error) {
	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Room{}, roomstore.ErrRoomNotFound
	}
	return room, classify(err)
}

func (s *Store) Snapshot(ctx context.Context, roomID string) (models.Snapshot, error) {
	var snap models.Snapshot
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		room, err := scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
		if errors.Is(err, pgx.ErrNoRows) {
			return roomstore.ErrRoomNotFound
		}
		if err != nil {
			return err
		}
		snap.Room = room

		rows, err := tx.Query(ctx, `
			SELECT id, room_id, sector_id, round, type, cost, descriptor, effectiveness, created_at, seq
			FROM room_placements WHERE room_id = $1 ORDER BY created_at, seq`, roomID)
		if err != nil {
			return err
		}
		snap.Placements, err = pgx.CollectRows(rows, scanPlacement)
		if err != nil {
			return err
		}

		rows, err = tx.Query(ctx, `
			SELECT room_id, sector_id, connection_id, last_heartbeat
			FROM room_presence WHERE room_id = $1 ORDER BY sector_id, connection_id`, roomID)
		if err != nil {
			return err
		}
		snap.Presence, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Presence, error) {
			var p models.Presence
			var sector int16
			if err := row.Scan(&p.RoomID, &sector, &p.ConnectionID, &p.LastHeartbeat); err != nil {
				return models.Presence{}, err
			}
			p.SectorID = models.SectorID(sector)
			p.LastHeartbeat = p.LastHeartbeat.UTC()
			return p, nil
		})
		return err
	})
	if err != nil {
		return models.Snapshot{}, classify(err)
	}
	return snap, nil
}

func scanPlacement(row pgx.CollectableRow) (models.Placement, error) {
	var (
		p      models.Placement
		sector int16
	)
	err := row.Scan(&p.ID, &p.RoomID, &sector, &p.Round, &p.Type, &p.Cost, &p.Descriptor, &p.Effectiveness, &p.CreatedAt, &p.Seq)
	if err != nil {
		return models.Placement{}, err
	}
	p.SectorID = models.SectorID(sector)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *Store) SwapPhase(ctx context.Context, roomID string, expected, next models.Phase, duration time.Duration) (models.Room, error) {
	var room models.Room
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		room, err = scanRoom(tx.QueryRow(ctx, `
			UPDATE rooms
			SET phase = $4, round = $5, phase_epoch = clock_timestamp(), phase_duration_ms = $6
			WHERE id = $1 AND phase = $2 AND round = $3
			RETURNING `+roomColumns,
			roomID, string(expected.Kind), expected.Round, string(next.Kind), next.Round, duration.Milliseconds()))
		if errors.Is(err, pgx.ErrNoRows) {
			if _, rerr := scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID)); errors.Is(rerr, pgx.ErrNoRows) {
				return roomstore.ErrRoomNotFound
			}
			return fmt.Errorf("%w: stored phase is no longer %s", roomstore.ErrWriteConflict, expected)
		}
		if err != nil {
			return err
		}
		return s.notify(ctx, tx, roomID, roomstore.ChangeRoom)
	})
	if err != nil {
		return models.Room{}, classify(err)
	}
	return room, nil
}

func (s *Store) AppendPlacement(ctx context.Context, p models.Placement) (models.Placement, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO room_placements (id, room_id, sector_id, round, type, cost, descriptor, effectiveness)
			SELECT $1, $2, $3, $4, $5, $6, $7, $8
			FROM rooms
			WHERE id = $2 AND phase = $9 AND round = $4
			RETURNING created_at, seq`,
			p.ID, p.RoomID, int16(p.SectorID), p.Round, p.Type, p.Cost, p.Descriptor, p.Effectiveness,
			string(models.PhaseRoundGameplay),
		).Scan(&p.CreatedAt, &p.Seq)
		if errors.Is(err, pgx.ErrNoRows) {
			if _, rerr := scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, p.RoomID)); errors.Is(rerr, pgx.ErrNoRows) {
				return roomstore.ErrRoomNotFound
			}
			return roomstore.ErrPhaseClosed
		}
		if err != nil {
			return err
		}
		return s.notify(ctx, tx, p.RoomID, roomstore.ChangePlacement)
	})
	if err != nil {
		return models.Placement{}, classify(err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *Store) Heartbeat(ctx context.Context, roomID string, sector models.SectorID, connectionID string) (models.Presence, error) {
	p := models.Presence{RoomID: roomID, SectorID: sector, ConnectionID: connectionID}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO room_presence (room_id, sector_id, connection_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (room_id, sector_id, connection_id)
			DO UPDATE SET last_heartbeat = clock_timestamp()
			RETURNING last_heartbeat`,
			roomID, int16(sector), connectionID,
		).Scan(&p.LastHeartbeat)
		if err != nil {
			return err
		}
		return s.notify(ctx, tx, roomID, roomstore.ChangePresence)
	})
	if err != nil {
		return models.Presence{}, classify(err)
	}
	p.LastHeartbeat = p.LastHeartbeat.UTC()
	return p, nil
}

func (s *Store) AppendActivity(ctx context.Context, entry models.ActivityEntry) (models.ActivityEntry, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO room_activity (id, room_id, kind, payload)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at, seq`,
			entry.ID, entry.RoomID, string(entry.Kind), entry.Payload,
		).Scan(&entry.At, &entry.Seq)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.cfg.ActivityChannel, entry.ID.String()); err != nil {
			return err
		}
		return s.notify(ctx, tx, entry.RoomID, roomstore.ChangeActivity)
	})
	if err != nil {
		return models.ActivityEntry{}, classify(err)
	}
	entry.At = entry.At.UTC()
	return entry, nil
}

func (s *Store) Activity(ctx context.Context, roomID string) ([]models.ActivityEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, seq, kind, created_at, payload
		FROM room_activity WHERE room_id = $1 ORDER BY created_at, seq`, roomID)
	if err != nil {
		return nil, classify(err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ActivityEntry, error) {
		var (
			e    models.ActivityEntry
			kind string
		)
		if err := row.Scan(&e.ID, &e.RoomID, &e.Seq, &kind, &e.At, &e.Payload); err != nil {
			return models.ActivityEntry{}, err
		}
		e.Kind = models.ActivityKind(kind)
		e.At = e.At.UTC()
		return e, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&now); err != nil {
		return time.Time{}, classify(err)
	}
	return now.UTC(), nil
}

// notify queues a change notification that Postgres delivers on commit.
func (s *Store) notify(ctx context.Context, tx pgx.Tx, roomID string, kind roomstore.ChangeKind) error {
	payload, err := json.Marshal(roomstore.Change{RoomID: roomID, Kind: kind})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.cfg.ChangeChannel, string(payload))
	return err
}

// classify maps driver failures onto the roomstore error taxonomy. Anything
// that is not a server-side SQL error means the store could not be reached.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, roomstore.ErrRoomNotFound) ||
		errors.Is(err, roomstore.ErrWriteConflict) ||
		errors.Is(err, roomstore.ErrPhaseClosed) ||
		errors.Is(err, roomstore.ErrUnavailable) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("%w: %s", roomstore.ErrRoomNotFound, pgErr.Message)
		}
		return err
	}
	log.Debug().Err(err).Msg("treating postgres error as store unavailable")
	return fmt.Errorf("%w: %v", roomstore.ErrUnavailable, err)
}
