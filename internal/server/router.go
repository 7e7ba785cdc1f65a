// Package server wires the relay HTTP routes.
package server

import (
	"log/slog"
	"net/http"

	"github.com/iudanet/wmssync/internal/auth"
	"github.com/iudanet/wmssync/internal/server/handlers"
	"github.com/iudanet/wmssync/internal/server/middleware"
	"github.com/iudanet/wmssync/internal/server/storage"
)

// Routes of the relay API
const (
	PushPath   = "/api/v1/sync/push"
	PullPath   = "/api/v1/sync/pull"
	HealthPath = "/api/v1/health"
)

// Options configures the router
type Options struct {
	Limiter *middleware.RateLimiter // nil disables rate limiting
	Version string
	Auth    auth.Config
}

// NewRouter returns the relay handler.
// Sync routes require a device token; health is public.
func NewRouter(logger *slog.Logger, store storage.ChangeStorage, opts Options) http.Handler {
	syncHandler := handlers.NewSyncHandler(logger, store)
	healthHandler := handlers.NewHealthHandler(logger, store, opts.Version)

	protect := func(h http.HandlerFunc) http.Handler {
		var next http.Handler = h
		if opts.Limiter != nil {
			next = opts.Limiter.Middleware(next)
		}
		return middleware.AuthMiddleware(logger, opts.Auth)(next)
	}

	mux := http.NewServeMux()
	mux.Handle(PushPath, protect(syncHandler.Push))
	mux.Handle(PullPath, protect(syncHandler.Pull))
	mux.HandleFunc(HealthPath, healthHandler.Health)

	var root http.Handler = mux
	root = middleware.LoggingWithSkip(logger, []string{HealthPath})(root)
	root = middleware.RecoveryMiddleware(logger)(root)
	return root
}
