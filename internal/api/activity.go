package api

import (
	"net/http"

	"github.com/lilistrocel/sensehub-sub001/internal/audit"
)

// handleListActivity returns the activity log, most recent first.
//
// Query parameters:
//   - automation_id: filter by automation
//   - source: filter by source ("automation", "system")
//   - limit: page size (default 50, max 200)
//   - offset: entries to skip
func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "activity log not available")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		AutomationID: q.Get("automation_id"),
		Source:       q.Get("source"),
	}
	if len(filter.AutomationID) > maxIDLen || len(filter.Source) > maxIDLen {
		writeBadRequest(w, "filter exceeds maximum length")
		return
	}

	var ok bool
	if filter.Limit, ok = queryInt(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = queryInt(w, r, "offset"); !ok {
		return
	}

	result, err := s.activity.List(r.Context(), filter)
	if err != nil {
		writeInternalError(w, "failed to list activity")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
