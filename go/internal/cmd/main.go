package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mcdev12/shoreline/go/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg := loadServerConfig()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(cfg.LogLevel)

	game, err := config.Load(cfg.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ConfigPath).Msg("failed to load game config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, database, err := setupDatabase(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up database")
	}
	defer database.Close()
	defer store.Close()

	services, err := setupServices(cfg, game, store, database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}
	if services.Publisher != nil {
		defer services.Publisher.Close()
	}

	errCh := make(chan error, 3)
	go func() {
		errCh <- services.Gateway.Start(ctx)
	}()
	if services.Relay != nil {
		go func() {
			log.Info().Msg("starting activity relay")
			errCh <- services.Relay.Start(ctx)
		}()
	}

	server := setupServer(cfg, services)
	go func() {
		log.Info().Str("addr", server.Addr).Bool("relay", services.Relay != nil).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("service exited unexpectedly")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("shoreline server shutdown complete")
}
