// Package api assembles the Switchboard HTTP router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/switchboardhq/switchboard/internal/api/handlers"
	"github.com/switchboardhq/switchboard/internal/api/middleware"
	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/metrics"
)

// NewRouter creates the HTTP router with all routes.
//
// RealIP is not used: the gate's source allow-list reads RemoteAddr.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)

	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)
	r.Handle("/metrics", metrics.Handler())

	r.Post("/v1/events", h.Events)

	auth := middleware.NewAPIKeyAuth(cfg.Auth.AdminAPIKeys)
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Auth.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id", "X-Trace-Id"},
			MaxAge:         300,
		}))
		r.Use(chimw.Compress(5))
		r.Use(auth.Middleware)

		r.Get("/registry", h.GetRegistry)
		r.Post("/intent", h.ProbeIntent)
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/breaker", h.GetBreaker)
			r.Post("/breaker/reset", h.ResetBreaker)
			r.Post("/prompt-cache/invalidate", h.InvalidatePrompts)
		})
	})

	return r
}
