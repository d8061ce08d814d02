package main

import (
	"net/http"

	"github.com/mcdev12/shoreline/go/internal/gateway"
)

func setupServer(cfg ServerConfig, services *Services) *http.Server {
	mux := http.NewServeMux()

	services.Gateway.RegisterRoutes(mux)
	gateway.RegisterHealth(mux, "shoreline", services.Gateway.GetStats)
	if services.RelayHealth != nil {
		mux.Handle("/health/relay", services.RelayHealth)
	}

	return gateway.NewServer(cfg.Port, mux)
}
