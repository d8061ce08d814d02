package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/mcdev12/shoreline/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

var (
	ErrEntryNotFound    = errors.New("activity entry not found")
	ErrAlreadyPublished = errors.New("activity entry already published")
)

// EntryStore is the slice of the activity table the relay needs.
type EntryStore interface {
	FetchUnpublished(ctx context.Context, limit int) ([]models.ActivityEntry, error)
	FetchByID(ctx context.Context, id uuid.UUID) (models.ActivityEntry, error)
	MarkPublished(ctx context.Context, ids ...uuid.UUID) error
	CountUnpublished(ctx context.Context) (int, error)
}

// Repository reads room_activity through database/sql and lib/pq.
type Repository struct {
	db *sql.DB
	q  *queries
}

var _ EntryStore = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, q: newQueries(db)}
}

func (r *Repository) FetchUnpublished(ctx context.Context, limit int) ([]models.ActivityEntry, error) {
	entries, err := r.q.fetchUnpublished(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unpublished activity: %w", err)
	}
	return entries, nil
}

func (r *Repository) FetchByID(ctx context.Context, id uuid.UUID) (models.ActivityEntry, error) {
	entry, publishedAt, err := r.q.fetchByID(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ActivityEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return models.ActivityEntry{}, fmt.Errorf("failed to fetch activity entry by ID: %w", err)
	}
	if at := sqlutil.FromSqlTime(publishedAt); at != nil {
		return entry, fmt.Errorf("%w at %s", ErrAlreadyPublished, at.Format("15:04:05.000"))
	}
	return entry, nil
}

// MarkPublished stamps every id in one transaction.
func (r *Repository) MarkPublished(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := sqlutil.Run(ctx, r.db, newQueries, func(q *queries) error {
		for _, id := range ids {
			if err := q.markPublished(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark activity published: %w", err)
	}
	return nil
}

func (r *Repository) CountUnpublished(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_activity WHERE published_at IS NULL`).Scan(&count)
	return count, err
}

type queries struct {
	db sqlutil.DBTX
}

func newQueries(db sqlutil.DBTX) *queries {
	return &queries{db: db}
}

const fetchUnpublished = `
SELECT id, room_id, seq, kind, created_at, payload
FROM room_activity
WHERE published_at IS NULL
ORDER BY seq
LIMIT $1`

func (q *queries) fetchUnpublished(ctx context.Context, limit int) ([]models.ActivityEntry, error) {
	rows, err := q.db.QueryContext(ctx, fetchUnpublished, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ActivityEntry
	for rows.Next() {
		var (
			e       models.ActivityEntry
			kind    string
			payload pqtype.NullRawMessage
		)
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Seq, &kind, &e.At, &payload); err != nil {
			return nil, err
		}
		e.Kind = models.ActivityKind(kind)
		e.At = e.At.UTC()
		e.Payload = sqlutil.FromNullRawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const fetchByID = `
SELECT id, room_id, seq, kind, created_at, payload, published_at
FROM room_activity
WHERE id = $1`

func (q *queries) fetchByID(ctx context.Context, id uuid.UUID) (models.ActivityEntry, sql.NullTime, error) {
	var (
		e           models.ActivityEntry
		kind        string
		payload     pqtype.NullRawMessage
		publishedAt sql.NullTime
	)
	err := q.db.QueryRowContext(ctx, fetchByID, id).
		Scan(&e.ID, &e.RoomID, &e.Seq, &kind, &e.At, &payload, &publishedAt)
	if err != nil {
		return models.ActivityEntry{}, sql.NullTime{}, err
	}
	e.Kind = models.ActivityKind(kind)
	e.At = e.At.UTC()
	e.Payload = sqlutil.FromNullRawMessage(payload)
	return e, publishedAt, nil
}

const markPublished = `
UPDATE room_activity
SET published_at = clock_timestamp()
WHERE id = $1 AND published_at IS NULL`

func (q *queries) markPublished(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, markPublished, id)
	return err
}
