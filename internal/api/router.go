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
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Device-facing endpoints authenticate per request with the
		// device's registry credentials. "-" as the device segment means
		// the credential itself identifies the device.
		r.Post("/ingest/{application}/{device}/{channel}", s.handleIngest)
		r.Get("/channel/{application}/{device}", s.handleChannel)

		// Producer endpoints require a bearer token.
		r.Group(func(r chi.Router) {
			r.Use(s.bearerAuthMiddleware)
			r.Post("/commands/{application}/{device}/{command}", s.handleCommand)
		})
	})

	// Instance-to-instance command inbox. Forwarding instances sign their
	// requests with an instance token minted from the shared secret.
	r.Group(func(r chi.Router) {
		r.Use(s.bearerAuthMiddleware)
		r.Post("/internal/v1/inbox/{session}", s.handleInbox)
	})

	return r
}

// handleHealth reports the health of the instance and its components.
// A failing component degrades the response to 503 so load balancers can
// drain the instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	healthy := true

	probe := func(name string, hc HealthChecker) {
		if hc == nil {
			return
		}
		if err := hc.HealthCheck(r.Context()); err != nil {
			components[name] = err.Error()
			healthy = false
			return
		}
		components[name] = "ok"
	}

	probe("database", s.database)
	probe("broker", s.broker)
	probe("telemetry", s.telemetry)

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":     state,
		"instance":   s.instance,
		"version":    s.version,
		"components": components,
	})
}
