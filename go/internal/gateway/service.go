package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/shoreline/go/internal/clocksync"
	"github.com/mcdev12/shoreline/go/internal/roomstore"
	"github.com/rs/zerolog/log"
)

// Service is the room gateway: the authoritative clock endpoint, room state
// over HTTP, and live room pushes over WebSocket.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	eventConsumer     *EventConsumer // nil when JetStream is disabled
	stateHandler      *StateHandler
	stateProvider     StateProvider
	watcher           *RoomWatcher
	clockSource       clocksync.Source
}

// Config holds configuration for the room gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	JetStreamConfig  JetStreamConsumerConfig
	PresenceTimeout  time.Duration
	WatchRetryDelay  time.Duration
}

// DefaultConfig returns default configuration for the room gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		JetStreamConfig:  DefaultJetStreamConsumerConfig(),
		PresenceTimeout:  10 * time.Second,
		WatchRetryDelay:  time.Second,
	}
}

// NewService creates a new room gateway service over backend. The backend
// also serves as the clock source, so every device syncs to the store clock.
func NewService(config Config, backend roomstore.Backend, clock clockwork.Clock) (*Service, error) {
	connectionManager := NewConnectionManager(config.ConnectionConfig)
	stateProvider := NewBackendStateProvider(backend, config.PresenceTimeout)
	watcher := NewRoomWatcher(backend, stateProvider, connectionManager, clock, config.WatchRetryDelay)
	connectionManager.OnRoomLifecycle(watcher.Watch, watcher.Unwatch)

	var eventConsumer *EventConsumer
	if config.JetStreamConfig.URL != "" {
		var err error
		eventConsumer, err = NewEventConsumer(connectionManager, config.JetStreamConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create event consumer: %w", err)
		}
	}

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager, stateProvider),
		eventConsumer:     eventConsumer,
		stateHandler:      NewStateHandler(stateProvider),
		stateProvider:     stateProvider,
		watcher:           watcher,
		clockSource:       backend,
	}, nil
}

// Start runs the gateway until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting room gateway service")

	s.watcher.Start(ctx)
	go s.connectionManager.Start(ctx)

	if s.eventConsumer != nil {
		go func() {
			if err := s.eventConsumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("event consumer failed")
			}
		}()
	}

	<-ctx.Done()

	log.Info().Msg("room gateway service shutting down")
	return s.Stop()
}

// Stop gracefully shuts down the gateway service
func (s *Service) Stop() error {
	s.watcher.Stop()
	if s.eventConsumer != nil {
		if err := s.eventConsumer.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop event consumer")
		}
	}
	log.Info().Msg("room gateway service stopped")
	return nil
}

// RegisterRoutes registers the clock, state and WebSocket routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle(clocksync.NewHandler(s.clockSource))
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("room gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "room_gateway"
	stats["status"] = "running"
	stats["activity_fanout"] = s.eventConsumer != nil
	return stats
}
