package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/backlinehq/backline/internal/orchestrator"
	"github.com/backlinehq/backline/internal/pipeline"
)

const (
	defaultPendingLimit = 50
	maxPendingLimit     = 500
	auditTrailLimit     = 200
)

// handlePending lists items parked at PROPOSED, oldest first, for the
// review surface.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	limit := defaultPendingLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxPendingLimit)
	}

	items, err := s.queue.ListByState(r.Context(), pipeline.StateProposed, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// handleItem returns one item with its audit trail.
func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid item id"})
		return
	}

	item, err := s.queue.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if item == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
		return
	}

	resp := map[string]any{"item": item}
	if s.audit != nil {
		if trail, err := s.audit.ListByTarget(r.Context(), item.ID.String(), auditTrailLimit); err == nil {
			resp["audit"] = trail
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// decisionRequest is the POST body for a review verdict.
type decisionRequest struct {
	Verdict   string          `json:"verdict"`
	DecidedBy string          `json:"decided_by"`
	Reason    string          `json:"reason,omitempty"`
	Action    json.RawMessage `json:"action,omitempty"`
}

// handleDecision records a reviewer's verdict and kicks the worker so an
// approval executes without waiting for the next scheduled tick.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if s.resumer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "review decisions not available"})
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid item id"})
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}

	verdict := pipeline.Verdict(strings.ToLower(strings.TrimSpace(req.Verdict)))
	switch verdict {
	case pipeline.VerdictApproved, pipeline.VerdictRejected, pipeline.VerdictModified:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "verdict must be approved, rejected, or modified"})
		return
	}
	if req.DecidedBy == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decided_by required"})
		return
	}
	if verdict == pipeline.VerdictModified && len(req.Action) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "modified verdict needs a replacement action"})
		return
	}

	item, err := s.resumer.Resume(r.Context(), id, pipeline.Decision{
		Verdict:   verdict,
		DecidedBy: req.DecidedBy,
		Reason:    req.Reason,
		Action:    req.Action,
	})
	switch {
	case errors.Is(err, orchestrator.ErrItemNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
		return
	case errors.Is(err, orchestrator.ErrNotPending):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if s.worker != nil && verdict != pipeline.VerdictRejected {
		s.worker.Kick()
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
