package api

import "net/http"

// handleListDevices returns the devices a pass would currently target.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	entries := s.devices.ListEntries()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices":  entries,
		"count":    len(entries),
		"override": s.devices.Override(),
	})
}
