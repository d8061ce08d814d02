package main

import (
	"database/sql"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/shoreline/go/internal/config"
	"github.com/mcdev12/shoreline/go/internal/dbconfig"
	"github.com/mcdev12/shoreline/go/internal/gateway"
	"github.com/mcdev12/shoreline/go/internal/relay"
	"github.com/mcdev12/shoreline/go/internal/roomstore/pgstore"
)

type Services struct {
	Gateway     *gateway.Service
	Relay       *relay.Listener // nil without NATS
	RelayHealth *relay.HealthChecker
	Publisher   *relay.JetStreamPublisher
}

func setupServices(cfg ServerConfig, game *config.Config, store *pgstore.Store, database *sql.DB) (*Services, error) {
	clock := clockwork.NewRealClock()
	services := &Services{}

	// The relay creates the stream the gateway consumes, so it starts first.
	if cfg.NATSURL != "" {
		jsCfg := relay.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATSURL
		publisher, err := relay.NewJetStreamPublisher(jsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create JetStream publisher: %w", err)
		}

		repo := relay.NewRepository(database)
		counters := relay.NewCounters()
		lcfg := relay.DefaultListenerConfig()
		lcfg.DatabaseURL = dbconfig.NewConfigFromEnv().DSN()
		lcfg.FallbackInterval = cfg.FallbackInterval
		listener, err := relay.NewListener(repo, relay.NewMetricPublisher(publisher, counters), counters, lcfg, clock)
		if err != nil {
			publisher.Close()
			return nil, fmt.Errorf("failed to create relay listener: %w", err)
		}

		services.Publisher = publisher
		services.Relay = listener
		services.RelayHealth = relay.NewHealthChecker(listener, repo, database, publisher.Connected, 2*cfg.FallbackInterval)
	}

	gwCfg := gateway.DefaultConfig()
	gwCfg.PresenceTimeout = game.Presence.Timeout
	gwCfg.WatchRetryDelay = game.Session.RetryDelay
	gwCfg.JetStreamConfig.URL = cfg.NATSURL
	gw, err := gateway.NewService(gwCfg, store, clock)
	if err != nil {
		if services.Publisher != nil {
			services.Publisher.Close()
		}
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	services.Gateway = gw

	return services, nil
}
