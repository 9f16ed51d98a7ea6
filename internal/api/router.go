package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Device webhook: authenticated with the shared device token, not
	// operator JWTs.
	r.Group(func(r chi.Router) {
		r.Use(s.webhookAuthMiddleware)
		r.Post("/webhook/{deviceID}", s.handleWebhook)
	})

	// Prometheus scrape endpoint
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket event stream. Performs its own token check: the
		// browser WebSocket API cannot set headers on the upgrade
		// request, so the bearer token travels as a query parameter.
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/system", s.handleSystem)

			// Canonical user endpoints
			r.Route("/users", func(r chi.Router) {
				r.Get("/", s.handleListUsers)
				r.Post("/", s.handleCreateUser)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetUser)
					r.Patch("/", s.handleUpdateUser)
					r.Delete("/", s.handleDeleteUser)
					r.Put("/groups", s.handleSetUserGroups)
					r.Post("/face", s.handleUploadFace)
				})
			})

			// Access group endpoints
			r.Route("/groups", func(r chi.Router) {
				r.Get("/", s.handleListGroups)
				r.Post("/", s.handleUpsertGroup)
				r.Delete("/{name}", s.handleDeleteGroup)
			})

			// Device endpoints
			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/", s.handleCreateDevice)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Patch("/", s.handleUpdateDevice)
					r.Delete("/", s.handleDeleteDevice)
					r.Post("/sync", s.handleSyncDevice)
					r.Post("/full-sync", s.handleFullSyncDevice)
					r.Post("/reboot", s.handleRebootDevice)
					r.Get("/events", s.handleDeviceEvents)
				})
			})

			// Fleet-wide sync commands
			r.Post("/sync", s.handleSyncAll)
			r.Post("/full-sync", s.handleFullSyncAll)
			r.Post("/reboot", s.handleRebootDefault)
			r.Post("/events/refresh", s.handleRefreshEvents)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.db != nil {
		if err := s.db.HealthCheck(r.Context()); err != nil {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
	})
}
