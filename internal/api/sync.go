package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/waypoint-sync/internal/audit"
)

const (
	defaultPassLimit = 20
	maxPassLimit     = 500
)

// handleSync exports the store and fans every waypoint out to every device.
// The request blocks until the pass completes.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	report := s.sync.SyncAll(r.Context())
	s.logger.Info("manual sync requested",
		"pass_id", report.ID,
		"subject", r.Context().Value(ctxKeySubject),
		"failures", report.Failures(),
	)
	s.recordAudit(r, audit.ActionSync, 0, map[string]any{
		"pass_id":  report.ID,
		"failures": report.Failures(),
	})
	writeJSON(w, http.StatusOK, report)
}

// handleSyncStatus returns the orchestrator status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.Status())
}

// handleListPasses returns recent pass summaries, newest first.
func (s *Server) handleListPasses(w http.ResponseWriter, r *http.Request) {
	if s.passes == nil {
		writeNotFound(w, "pass history is not recorded")
		return
	}

	limit := defaultPassLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPassLimit)
	}

	passes, err := s.passes.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing sync passes", "error", err)
		writeInternalError(w, "failed to list passes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"passes": passes,
		"count":  len(passes),
	})
}

// handleReloadFormats re-reads the format map file.
func (s *Server) handleReloadFormats(w http.ResponseWriter, r *http.Request) {
	n, err := s.sync.ReloadFormats()
	if err != nil {
		s.logger.Warn("format map reload failed", "error", err)
		writeValidationError(w, err.Error())
		return
	}
	s.recordAudit(r, audit.ActionReloadFormats, 0, map[string]any{"formats": n})
	writeJSON(w, http.StatusOK, map[string]any{"formats": n})
}
