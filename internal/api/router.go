package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.observeMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)
	if s.metrics != nil {
		r.Handle(s.metricsPath, s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/waypoints", s.handleListWaypoints)
		r.Get("/waypoints/{id}", s.handleGetWaypoint)
		r.Get("/devices", s.handleListDevices)
		r.Get("/sync/status", s.handleSyncStatus)
		r.Get("/sync/passes", s.handleListPasses)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/waypoints", s.handleCreateWaypoint)
			r.Patch("/waypoints/{id}", s.handleUpdateWaypoint)
			r.Post("/sync", s.handleSync)
			r.Post("/formats/reload", s.handleReloadFormats)
			r.Get("/audit", s.handleListAudit)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.sync.Status()
	status := "ok"
	if !st.Started {
		status = "starting"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    s.version,
		"waypoints":  st.Waypoints,
		"ws_clients": s.hub.ClientCount(),
		"ws_dropped": s.hub.Dropped(),
	})
}
