package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/registry"
)

func (s *Server) handleListAgentTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.deps.Registry.List())
}

type spawnAgentRequest struct {
	AgentType string     `json:"agent_type"`
	Name      string     `json:"name,omitempty"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
}

// handleSpawnAgent creates a live agent instance. Capacity exhaustion is
// a fail-fast 503, not a queue.
func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.AgentType == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_type is required")
		return
	}

	agent, err := s.deps.Spawner.Spawn(req.AgentType, registry.SpawnOptions{
		Name:      req.Name,
		SessionID: req.SessionID,
	})
	if err != nil {
		var unknownErr *registry.UnknownAgentTypeError
		var capErr *registry.CapacityError
		switch {
		case errors.As(err, &unknownErr):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case errors.As(err, &capErr):
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeCapacity, err.Error())
		default:
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		}
		return
	}

	if s.deps.Exhaustion != nil {
		s.deps.Exhaustion.Track(r.Context(), agent.ID)
	}
	writeJSON(w, r, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.deps.Spawner.List())
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	agent, found := s.deps.Spawner.Get(id)
	if !found {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if !s.deps.Spawner.Stop(id) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent not found")
		return
	}
	if s.deps.Exhaustion != nil {
		s.deps.Exhaustion.Cleanup(r.Context(), id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if s.deps.Exhaustion == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "resource tracking is not configured")
		return
	}
	metrics, found := s.deps.Exhaustion.Get(id)
	if !found {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "agent is not tracked")
		return
	}
	writeJSON(w, r, http.StatusOK, metrics)
}

type recordUsageRequest struct {
	Metric string `json:"metric"`
	Amount int64  `json:"amount,omitempty"`
}

// handleRecordUsage records one resource-consumption event for an agent
// and re-evaluates its exhaustion phase. The response carries the
// evaluation so callers see escalations immediately.
func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if s.deps.Exhaustion == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "resource tracking is not configured")
		return
	}
	var req recordUsageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	ctx := r.Context()
	var err error
	switch req.Metric {
	case "file_read":
		err = s.deps.Exhaustion.RecordFileRead(ctx, id)
	case "file_write":
		err = s.deps.Exhaustion.RecordFileWrite(ctx, id)
	case "file_modify":
		err = s.deps.Exhaustion.RecordFileModify(ctx, id)
	case "api_call":
		err = s.deps.Exhaustion.RecordAPICall(ctx, id)
	case "subtask":
		err = s.deps.Exhaustion.RecordSubtask(ctx, id)
	case "tokens":
		if req.Amount <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "amount must be positive for tokens")
			return
		}
		err = s.deps.Exhaustion.RecordTokens(ctx, id, req.Amount)
	case "deliverable":
		err = s.deps.Exhaustion.RecordDeliverable(ctx, id)
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown metric "+req.Metric)
		return
	}
	if err != nil {
		s.logger.Error("record usage", "error", err, "agent_id", id, "metric", req.Metric)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to record usage")
		return
	}

	eval, err := s.deps.Exhaustion.EvaluateAgent(ctx, id)
	if err != nil {
		s.logger.Error("evaluate agent", "error", err, "agent_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to evaluate agent")
		return
	}
	writeJSON(w, r, http.StatusOK, eval)
}

type pauseRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePauseAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if s.deps.Exhaustion == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "resource tracking is not configured")
		return
	}
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "paused by operator"
	}
	s.deps.Exhaustion.PauseAgent(r.Context(), id, reason)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if s.deps.Exhaustion == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "resource tracking is not configured")
		return
	}
	if err := s.deps.Exhaustion.ResumeAgent(r.Context(), id); err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

// handleTerminateAgent is the explicit termination path. Termination is
// never automatic; it always requires this operator call.
func (s *Server) handleTerminateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if s.deps.Exhaustion == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "resource tracking is not configured")
		return
	}
	var req terminateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required")
		return
	}

	if err := s.deps.Exhaustion.TerminateAgent(r.Context(), id, req.Reason); err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	s.deps.Spawner.Stop(id)
	w.WriteHeader(http.StatusNoContent)
}
