package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"
	"github.com/mcdev12/shoreline/go/internal/models"
	"github.com/rs/zerolog/log"
)

type ListenerConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel carrying activity entry ids
	FallbackInterval time.Duration // How often to poll for missed entries
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
	BatchSize        int // Max entries to fetch per poll
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		NotifyChannel:    "room_activity",
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
	}
}

// Listener relays activity entries to a Publisher as they are written. A NOTIFY
// carrying the entry id triggers an immediate publish; a periodic poll picks up
// anything a lost notification missed.
type Listener struct {
	store     EntryStore
	publisher Publisher
	metrics   MetricsCollector
	cfg       ListenerConfig
	clock     clockwork.Clock

	notify <-chan *pq.Notification
	ping   func() error
	close  func() error

	mu            sync.Mutex
	running       bool
	processed     uint64
	lastPublished time.Time
}

func NewListener(store EntryStore, publisher Publisher, metrics MetricsCollector, cfg ListenerConfig, clock clockwork.Clock) (*Listener, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("relay listener event")
			}
		},
	)
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for activity notifications")

	return newListener(store, publisher, metrics, cfg, clock, l.Notify, l.Ping, l.Close), nil
}

func newListener(
	store EntryStore,
	publisher Publisher,
	metrics MetricsCollector,
	cfg ListenerConfig,
	clock clockwork.Clock,
	notify <-chan *pq.Notification,
	ping func() error,
	closeFn func() error,
) *Listener {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = NoOpMetricsCollector{}
	}
	return &Listener{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		cfg:       cfg,
		clock:     clock,
		notify:    notify,
		ping:      ping,
		close:     closeFn,
	}
}

// Start drains the backlog, then relays until ctx is done.
func (l *Listener) Start(ctx context.Context) error {
	log.Info().
		Str("channel", l.cfg.NotifyChannel).
		Dur("ping_interval", l.cfg.PingInterval).
		Dur("fallback_interval", l.cfg.FallbackInterval).
		Msg("relay listener started")

	l.setRunning(true)
	defer l.setRunning(false)

	pingTicker := l.clock.NewTicker(l.cfg.PingInterval)
	fallbackTicker := l.clock.NewTicker(l.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	if err := l.processUnpublished(ctx); err != nil {
		log.Error().Err(err).Msg("failed to process activity backlog")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay listener shutting down")
			return l.Stop()
		case note, ok := <-l.notify:
			if !ok {
				return errors.New("notification channel closed")
			}
			if note == nil {
				// The connection was re-established; notifications sent while
				// it was down are gone.
				if err := l.processUnpublished(ctx); err != nil {
					log.Error().Err(err).Msg("failed to process unpublished activity after reconnect")
				}
				continue
			}
			if err := l.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.Chan():
			if err := l.processUnpublished(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process unpublished activity")
			}
		case <-pingTicker.Chan():
			if err := l.ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (l *Listener) Stop() error {
	if l.close == nil {
		return nil
	}
	return l.close()
}

// Running reports whether Start's loop is active.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Stats returns how many entries were relayed and when the last one went out.
func (l *Listener) Stats() (uint64, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processed, l.lastPublished
}

func (l *Listener) setRunning(v bool) {
	l.mu.Lock()
	l.running = v
	l.mu.Unlock()
}

func (l *Listener) recordPublished() {
	l.mu.Lock()
	l.processed++
	l.lastPublished = l.clock.Now()
	l.mu.Unlock()
}

// handleNotification publishes the entry named by a NOTIFY payload.
func (l *Listener) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid entry ID in notification: %w", err)
	}

	entry, err := l.store.FetchByID(ctx, id)
	if errors.Is(err, ErrAlreadyPublished) {
		log.Debug().Str("entry_id", id.String()).Msg("entry already relayed by poll")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to fetch activity entry: %w", err)
	}

	if err := l.publishWithRetry(ctx, entry); err != nil {
		return fmt.Errorf("failed to publish entry: %w", err)
	}
	if err := l.store.MarkPublished(ctx, id); err != nil {
		return err
	}

	log.Info().
		Str("entry_id", id.String()).
		Str("room_id", entry.RoomID).
		Str("kind", string(entry.Kind)).
		Msg("relayed activity entry")
	return nil
}

// processUnpublished relays one batch of unpublished entries in table order.
// It stops at the first entry that cannot be published so later entries are
// never delivered ahead of it.
func (l *Listener) processUnpublished(ctx context.Context) error {
	start := l.clock.Now()

	if pending, err := l.store.CountUnpublished(ctx); err == nil {
		l.metrics.RecordBacklog(pending)
	}

	entries, err := l.store.FetchUnpublished(ctx, l.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch unpublished activity: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	published := make([]uuid.UUID, 0, len(entries))
	var publishErr error
	for _, entry := range entries {
		if err := l.publishWithRetry(ctx, entry); err != nil {
			publishErr = err
			log.Error().Err(err).Str("entry_id", entry.ID.String()).Msg("failed to publish entry")
			break
		}
		published = append(published, entry.ID)
	}

	if err := l.store.MarkPublished(ctx, published...); err != nil {
		return err
	}
	l.metrics.RecordBatchProcessed(len(published), l.clock.Since(start))

	log.Debug().
		Int("published", len(published)).
		Int("fetched", len(entries)).
		Msg("processed unpublished activity")
	return publishErr
}

// publishWithRetry attempts to publish an entry with a linearly growing delay.
// JetStream deduplicates by entry id.
func (l *Listener) publishWithRetry(ctx context.Context, entry models.ActivityEntry) error {
	var lastErr error

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := l.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.clock.After(delay):
			}
		}

		err := l.publisher.Publish(ctx, entry)
		l.metrics.RecordPublishAttempt(entry.Kind, attempt+1, err == nil)
		if err != nil {
			lastErr = err
			log.Error().
				Err(err).
				Int("attempt", attempt+1).
				Str("entry_id", entry.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("entry_id", entry.ID.String()).
				Msg("publish succeeded after retry")
		}
		l.recordPublished()
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", l.cfg.MaxRetries+1, lastErr)
}
