package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured. A nil limiter
// leaves writes unlimited.
func NewRouter(h *Handler, limiter *WriteRateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Public
	r.Get("/health", h.Health)

	r.Route("/rest/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(h.apiKey))
		if limiter != nil {
			r.Use(limiter.Middleware)
		}

		r.Post("/rpc/{fn}", h.CallRPC)
		r.Get("/{table}", h.SelectRows)
		r.Post("/{table}", h.InsertRows)
		r.Patch("/{table}", h.UpdateRows)
	})

	return r
}
