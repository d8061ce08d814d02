package main

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

type ServerConfig struct {
	Port       string
	NATSURL    string // empty runs without the relay and activity fan-out
	ConfigPath string
	LogLevel   zerolog.Level
	Migrate    bool

	FallbackInterval time.Duration
	ShutdownTimeout  time.Duration
}

func loadServerConfig() ServerConfig {
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return ServerConfig{
		Port:             getEnv("PORT", "8080"),
		NATSURL:          os.Getenv("NATS_URL"),
		ConfigPath:       getEnv("SHORELINE_CONFIG", "shoreline.yaml"),
		LogLevel:         level,
		Migrate:          getEnvAsBool("DB_MIGRATE", true),
		FallbackInterval: getEnvAsDuration("FALLBACK_INTERVAL", 30*time.Second),
		ShutdownTimeout:  getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
