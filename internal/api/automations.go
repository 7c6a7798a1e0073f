package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lilistrocel/sensehub-sub001/internal/automation"
)

// maxIDLen limits path and query identifiers.
const maxIDLen = 100

// decodeJSON decodes the request body into v, writing the error response
// itself when it fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
			return false
		}
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// automationID reads and checks the {id} path parameter.
func automationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxIDLen {
		writeBadRequest(w, "invalid automation ID")
		return "", false
	}
	return id, true
}

// handleListAutomations returns all automations, highest priority first.
func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	automations, err := s.registry.ListAutomations(r.Context())
	if err != nil {
		writeInternalError(w, "failed to list automations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"automations": automations, "count": len(automations)})
}

// handleGetAutomation returns a single automation by ID.
func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := automationID(w, r)
	if !ok {
		return
	}

	a, err := s.registry.GetAutomation(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to get automation")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleCreateAutomation creates a new automation. The ID is generated
// when the body leaves it empty.
func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var a automation.Automation
	if !decodeJSON(w, r, &a) {
		return
	}
	if len(a.ID) > maxIDLen {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "id exceeds maximum length")
		return
	}

	if err := s.registry.CreateAutomation(r.Context(), &a); err != nil {
		writeDomainError(w, err, "failed to create automation")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleUpdateAutomation replaces an automation's definition. Run
// statistics are kept and pending timers are cancelled.
func (s *Server) handleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := automationID(w, r)
	if !ok {
		return
	}

	var a automation.Automation
	if !decodeJSON(w, r, &a) {
		return
	}
	if a.ID != "" && a.ID != id {
		writeBadRequest(w, "body id does not match path")
		return
	}
	a.ID = id

	if err := s.registry.UpdateAutomation(r.Context(), &a); err != nil {
		writeDomainError(w, err, "failed to update automation")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleDeleteAutomation removes an automation and its run history.
func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := automationID(w, r)
	if !ok {
		return
	}

	if err := s.registry.DeleteAutomation(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed to delete automation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableAutomation(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisableAutomation(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, ok := automationID(w, r)
	if !ok {
		return
	}

	a, err := s.registry.SetEnabled(r.Context(), id, enabled)
	if err != nil {
		writeDomainError(w, err, "failed to change automation state")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleTriggerAutomation fires an automation manually and returns the
// finalized run. A run whose conditions did not pass is still a 202 with
// status "warning".
func (s *Server) handleTriggerAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := automationID(w, r)
	if !ok {
		return
	}

	run, err := s.engine.Trigger(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to trigger automation")
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleTestAutomation returns a dry-run SimulationReport. It never
// records a run, so it also answers for disabled automations.
func (s *Server) handleTestAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := automationID(w, r)
	if !ok {
		return
	}

	report, err := s.engine.Test(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "failed to test automation")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleListRuns returns recent runs of an automation, newest first.
//
// Query parameters:
//   - limit: page size (repository default when omitted)
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := automationID(w, r)
	if !ok {
		return
	}

	limit, ok := queryInt(w, r, "limit")
	if !ok {
		return
	}

	if _, err := s.registry.GetAutomation(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed to get automation")
		return
	}

	runs, err := s.runs.ListRuns(r.Context(), id, limit)
	if err != nil {
		writeInternalError(w, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []automation.RunLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// queryInt parses an optional non-negative integer query parameter.
// It returns 0 when the parameter is absent.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeBadRequest(w, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
