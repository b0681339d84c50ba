package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/waypoint-sync/internal/audit"
	"github.com/nerrad567/waypoint-sync/internal/waypoint"
)

// createWaypointRequest is the body of POST /waypoints.
// ID is optional; when given it must not already exist.
type createWaypointRequest struct {
	ID        uint16   `json:"id,omitempty"`
	Name      string   `json:"name"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// updateWaypointRequest is the body of PATCH /waypoints/{id}.
// Omitted fields keep their stored value.
type updateWaypointRequest struct {
	Name      *string  `json:"name"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// handleListWaypoints returns every stored waypoint ordered by id.
func (s *Server) handleListWaypoints(w http.ResponseWriter, _ *http.Request) {
	records := s.store.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"waypoints": records,
		"count":     len(records),
	})
}

// handleGetWaypoint returns a single waypoint.
func (s *Server) handleGetWaypoint(w http.ResponseWriter, r *http.Request) {
	id, ok := parseWaypointID(w, r)
	if !ok {
		return
	}

	rec, err := s.store.Get(id)
	if err != nil {
		writeNotFound(w, "waypoint not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCreateWaypoint stores a new waypoint and schedules its fan-out.
func (s *Server) handleCreateWaypoint(w http.ResponseWriter, r *http.Request) {
	var req createWaypointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		writeValidationError(w, "latitude and longitude are required")
		return
	}

	rec, err := s.sync.SubmitWaypoint(r.Context(), req.ID, req.Name, *req.Latitude, *req.Longitude)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.recordAudit(r, audit.ActionCreate, rec.ID, map[string]any{
		"name":      rec.Name,
		"latitude":  rec.Latitude,
		"longitude": rec.Longitude,
	})
	writeJSON(w, http.StatusCreated, rec)
}

// handleUpdateWaypoint applies a partial update.
// An update that changes nothing returns 200 with result "noop" and no pass runs.
func (s *Server) handleUpdateWaypoint(w http.ResponseWriter, r *http.Request) {
	id, ok := parseWaypointID(w, r)
	if !ok {
		return
	}

	var req updateWaypointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	current, err := s.store.Get(id)
	if err != nil {
		writeNotFound(w, "waypoint not found")
		return
	}
	name, lat, lon := current.Name, current.Latitude, current.Longitude
	if req.Name != nil {
		name = *req.Name
	}
	if req.Latitude != nil {
		lat = *req.Latitude
	}
	if req.Longitude != nil {
		lon = *req.Longitude
	}

	res, err := s.sync.SubmitUpdate(r.Context(), id, name, lat, lon)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if res == waypoint.NotFound {
		writeNotFound(w, "waypoint not found")
		return
	}

	rec, err := s.store.Get(id)
	if err != nil {
		writeNotFound(w, "waypoint not found")
		return
	}
	if res == waypoint.Changed {
		s.recordAudit(r, audit.ActionUpdate, id, map[string]any{
			"previous":  map[string]any{"name": current.Name, "latitude": current.Latitude, "longitude": current.Longitude},
			"name":      rec.Name,
			"latitude":  rec.Latitude,
			"longitude": rec.Longitude,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":   res.String(),
		"waypoint": rec,
	})
}

// writeStoreError maps store errors onto HTTP responses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, waypoint.ErrInvalidCoordinates), errors.Is(err, waypoint.ErrInvalidName):
		writeValidationError(w, err.Error())
	case errors.Is(err, waypoint.ErrWaypointExists):
		writeConflict(w, "waypoint id already exists, use PATCH to update it")
	case errors.Is(err, waypoint.ErrIDSpaceExhausted):
		writeError(w, http.StatusInsufficientStorage, ErrCodeUnavailable, "no waypoint ids left")
	case errors.Is(err, waypoint.ErrWaypointNotFound):
		writeNotFound(w, "waypoint not found")
	default:
		s.logger.Error("waypoint mutation failed", "error", err, "request_id", r.Context().Value(ctxKeyRequestID))
		writeInternalError(w, "failed to store waypoint")
	}
}

func parseWaypointID(w http.ResponseWriter, r *http.Request) (uint16, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || id == 0 {
		writeBadRequest(w, "waypoint id must be an integer in 1-65535")
		return 0, false
	}
	return uint16(id), true
}
