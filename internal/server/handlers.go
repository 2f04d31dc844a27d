package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/remedyhq/remedy/internal/healer/engine"
	"github.com/remedyhq/remedy/internal/healer/runtime"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitResponse acknowledges an accepted event.
type SubmitResponse struct {
	CaseID string `json:"case_id"`
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleSubmitEvent admits a normalized failure event. Status mapping:
// 202 admitted, 409 duplicate within the dedup TTL, 429 backpressure,
// 422 rejected or stale, 400 malformed JSON.
func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev runtime.FailureEvent
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	caseID, err := s.svc.Admit(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, SubmitResponse{CaseID: caseID, Status: "admitted"})
	case errors.Is(err, engine.ErrDuplicate):
		writeJSON(w, http.StatusConflict, SubmitResponse{CaseID: caseID, Status: "duplicate"})
	case errors.Is(err, engine.ErrBackpressure):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, "admission queue full, retry later")
	case errors.Is(err, engine.ErrRejected), errors.Is(err, engine.ErrStale):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.WithError(err).Error("admission failed")
		writeError(w, http.StatusInternalServerError, "admission failed")
	}
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")
	if caseID == "" {
		writeError(w, http.StatusBadRequest, "case id is required")
		return
	}
	cs, err := s.svc.Case(r.Context(), caseID)
	if err != nil {
		s.log.WithError(err).WithField("case_id", caseID).Error("load case")
		writeError(w, http.StatusInternalServerError, "cannot load case")
		return
	}
	if cs == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("case %s not found", caseID))
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	WriteSSE(w, r, s.broadcaster)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
