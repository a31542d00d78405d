// Package server provides HTTP server construction for ghl-bridge.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/ghl-bridge/internal/api"
	"github.com/alexjbarnes/ghl-bridge/internal/auth"
	"github.com/alexjbarnes/ghl-bridge/internal/events"
)

// MuxConfig holds dependencies for building the HTTP handler.
type MuxConfig struct {
	API    *api.Deps
	Store  *auth.Store
	Events *events.Broker
	Logger *slog.Logger
}

// NewMux builds the HTTP handler. Health and the OAuth install flow are
// public; everything else under /api requires a bridge API key. Every
// request gets a correlation ID.
func NewMux(cfg MuxConfig) http.Handler {
	d := cfg.API

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", api.HandleHealth(d))
	mux.HandleFunc("GET /api/oauth/authorize", api.HandleAuthorize(d))
	mux.HandleFunc("GET /api/oauth/callback", api.HandleCallback(d))

	authMiddleware := auth.Middleware(cfg.Store, cfg.Logger)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	protect("GET /api/installations", api.HandleListInstallations(d))
	protect("GET /api/installations/{id}", api.HandleGetInstallation(d))
	protect("DELETE /api/installations/{id}", api.HandleDeleteInstallation(d))
	protect("POST /api/installations/{id}/refresh", api.HandleRefreshInstallation(d))
	protect("POST /api/installations/{id}/validate", api.HandleValidateInstallation(d))
	protect("POST /api/installations/{id}/location-token", api.HandleLocationToken(d))
	protect("GET /api/token-access/{id}", api.HandleTokenAccess(d))

	protect("GET /api/products", api.HandleListProducts(d))
	protect("POST /api/products/create", api.HandleCreateProduct(d))
	protect("POST /api/products/{productId}/prices", api.HandleCreatePrice(d))
	protect("GET /api/media", api.HandleListMedia(d))
	protect("POST /api/media/upload", api.HandleUploadMedia(d))

	protect("GET /api/events", events.HandleStream(cfg.Events, cfg.Logger))

	return auth.WithRequestID(mux)
}
