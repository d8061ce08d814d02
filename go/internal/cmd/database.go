package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/mcdev12/shoreline/go/internal/dbconfig"
	"github.com/mcdev12/shoreline/go/internal/roomstore/pgstore"
	"github.com/rs/zerolog/log"
)

// setupDatabase opens the room store pool and, for the relay, a database/sql
// handle on the same database.
func setupDatabase(ctx context.Context, cfg ServerConfig) (*pgstore.Store, *sql.DB, error) {
	dbCfg := dbconfig.NewConfigFromEnv()

	store, err := pgstore.New(ctx, pgstore.DefaultConfig(dbCfg.DSN()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open room store: %w", err)
	}
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}

	database, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if err := database.PingContext(ctx); err != nil {
		store.Close()
		database.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().Str("database", dbCfg.Redacted()).Msg("connected to database")
	return store, database, nil
}
