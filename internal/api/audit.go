package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/waypoint-sync/internal/audit"
)

// AuditLog records and lists operator changes.
// Satisfied by *audit.SQLiteRepository.
type AuditLog interface {
	Record(ctx context.Context, e *audit.Entry) error
	List(ctx context.Context, f audit.Filter) (*audit.Page, error)
}

// recordAudit journals a successful mutation. Failures are only logged.
func (s *Server) recordAudit(r *http.Request, action string, waypointID uint16, details map[string]any) {
	if s.audit == nil {
		return
	}
	subject, _ := r.Context().Value(ctxKeySubject).(string)
	e := &audit.Entry{
		Action:     action,
		WaypointID: waypointID,
		Actor:      subject,
		Source:     audit.SourceAPI,
		Details:    details,
	}
	if err := s.audit.Record(r.Context(), e); err != nil {
		s.logger.Warn("audit record failed", "action", action, "error", err)
	}
}

// handleListAudit returns journal entries, newest first.
//
// Query parameters: action, source, waypoint_id, limit, offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeNotFound(w, "audit log is not recorded")
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		Action: q.Get("action"),
		Source: q.Get("source"),
	}
	if raw := q.Get("waypoint_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || id == 0 {
			writeBadRequest(w, "waypoint_id must be an integer in 1-65535")
			return
		}
		f.WaypointID = uint16(id)
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	page, err := s.audit.List(r.Context(), f)
	if err != nil {
		s.logger.Error("listing audit log", "error", err)
		writeInternalError(w, "failed to list audit log")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
