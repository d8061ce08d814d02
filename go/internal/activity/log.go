package activity

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mcdev12/shoreline/go/internal/models"
)

// Store is the append/list surface of the room adapter.
type Store interface {
	AppendActivity(ctx context.Context, kind models.ActivityKind, payload any) (models.ActivityEntry, error)
	Activity(ctx context.Context) ([]models.ActivityEntry, error)
}

// Log is a client's view of a room's activity timeline. Every listing is
// merged into what was seen before, so the result only ever grows.
type Log struct {
	store Store

	mu   sync.Mutex
	seen []models.ActivityEntry
}

// New creates an empty log over store.
func New(store Store) *Log {
	return &Log{store: store}
}

// Append writes one entry. The store assigns its timestamp and sequence.
func (l *Log) Append(ctx context.Context, kind models.ActivityKind, payload any) (models.ActivityEntry, error) {
	entry, err := l.store.AppendActivity(ctx, kind, payload)
	if err != nil {
		return models.ActivityEntry{}, err
	}
	l.mu.Lock()
	l.seen = Merge(l.seen, []models.ActivityEntry{entry})
	l.mu.Unlock()
	return entry, nil
}

// List fetches the room's entries ordered by server timestamp then sequence.
func (l *Log) List(ctx context.Context) ([]models.ActivityEntry, error) {
	fresh, err := l.store.Activity(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = Merge(l.seen, fresh)
	out := make([]models.ActivityEntry, len(l.seen))
	copy(out, l.seen)
	return out, nil
}

// Merge returns the ordered union of known and fresh, keyed by entry id. An id
// already in known keeps its known value.
func Merge(known, fresh []models.ActivityEntry) []models.ActivityEntry {
	ids := make(map[uuid.UUID]struct{}, len(known)+len(fresh))
	out := make([]models.ActivityEntry, 0, len(known)+len(fresh))
	for _, batch := range [][]models.ActivityEntry{known, fresh} {
		for _, e := range batch {
			if _, dup := ids[e.ID]; dup {
				continue
			}
			ids[e.ID] = struct{}{}
			out = append(out, e)
		}
	}
	Sort(out)
	return out
}

// Sort orders entries by server timestamp, then store sequence.
func Sort(entries []models.ActivityEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Before(entries[j])
	})
}
