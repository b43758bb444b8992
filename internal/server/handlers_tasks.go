package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/rookery-ai/rookery/internal/drift"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/storage"
)

type createTaskRequest struct {
	AgentType    string         `json:"agent_type"`
	Input        string         `json:"input"`
	Priority     *int           `json:"priority,omitempty"`
	ParentTaskID *uuid.UUID     `json:"parent_task_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	RiskLevel    *string        `json:"risk_level,omitempty"`
}

type createTaskResponse struct {
	Task       model.Task                 `json:"task"`
	Queued     bool                       `json:"queued"`
	Dispatch   *dispatchInfo              `json:"dispatch,omitempty"`
	Drift      *drift.Result              `json:"drift,omitempty"`
	Checkpoint *model.ConsensusCheckpoint `json:"checkpoint,omitempty"`
}

type dispatchInfo struct {
	AgentType  string  `json:"agent_type"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	FromCache  bool    `json:"from_cache"`
}

// handleCreateTask runs the full submission pipeline: classify the task
// type if the caller omitted it, check goal drift against ancestors,
// gate risky or deep tasks behind a consensus checkpoint, then persist
// and enqueue.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	priority := model.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if err := model.ValidateTaskInput(req.AgentType, req.Input, priority); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.RiskLevel != nil && !model.ValidRiskLevel(model.RiskLevel(*req.RiskLevel)) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid risk_level")
		return
	}

	resp := createTaskResponse{}
	ctx := r.Context()

	agentType := req.AgentType
	if agentType == "" {
		if s.deps.Dispatcher == nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_type is required")
			return
		}
		cls := s.deps.Dispatcher.Classify(ctx, req.Input)
		agentType = cls.AgentType
		resp.Dispatch = &dispatchInfo{
			AgentType:  cls.AgentType,
			Confidence: cls.Confidence,
			Reasoning:  cls.Reasoning,
			FromCache:  cls.FromCache,
		}
	}
	if _, ok := s.deps.Registry.Get(agentType); !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown agent type "+agentType)
		return
	}

	if s.deps.Drift != nil {
		result := s.deps.Drift.CheckDrift(ctx, req.Input, agentType, req.ParentTaskID)
		resp.Drift = &result
		if result.Action == model.DriftPrevented {
			writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeConflict,
				"task rejected: drifts from ancestor goals", result)
			return
		}
	}

	task := model.Task{
		ID:           uuid.New(),
		AgentType:    agentType,
		Input:        req.Input,
		Status:       model.TaskStatusPending,
		Priority:     priority,
		ParentTaskID: req.ParentTaskID,
		Metadata:     req.Metadata,
	}
	task, err := s.deps.DB.CreateTask(ctx, task)
	if err != nil {
		s.logger.Error("create task", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create task")
		return
	}
	resp.Task = task
	if s.deps.Drift != nil {
		s.deps.Drift.IndexTaskAsync(task)
	}

	// Consensus gate. Risk defaults to the keyword estimate; depth is
	// the parent's depth plus one.
	if s.deps.Consensus != nil {
		risk := s.deps.Consensus.EstimateRiskLevel(req.Input, agentType)
		if req.RiskLevel != nil {
			risk = model.RiskLevel(*req.RiskLevel)
		}
		depth := 0
		if req.ParentTaskID != nil {
			if d, err := s.deps.Consensus.CalculateTaskDepth(ctx, *req.ParentTaskID); err == nil {
				depth = d + 1
			}
		}
		if required, _ := s.deps.Consensus.RequiresConsensus(risk, depth, req.ParentTaskID); required {
			cp, err := s.deps.Consensus.CreateCheckpoint(ctx, task.ID, req.ParentTaskID,
				[]model.ProposedSubtask{{ID: task.ID.String(), AgentType: agentType, Input: req.Input}}, risk)
			if err != nil {
				s.logger.Error("create checkpoint", "error", err, "task_id", task.ID)
				writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create checkpoint")
				return
			}
			resp.Checkpoint = &cp
			writeJSON(w, r, http.StatusAccepted, resp)
			return
		}
	}

	if err := s.deps.Coordinator.SubmitTask(task, priority); err != nil {
		s.logger.Error("submit task", "error", err, "task_id", task.ID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to enqueue task")
		return
	}
	resp.Queued = true
	writeJSON(w, r, http.StatusAccepted, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	task, err := s.deps.DB.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
			return
		}
		s.logger.Error("get task", "error", err, "task_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to fetch task")
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	var status *model.TaskStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := model.TaskStatus(v)
		status = &st
	}
	var agentType *string
	if v := r.URL.Query().Get("agent_type"); v != "" {
		agentType = &v
	}

	tasks, err := s.deps.DB.ListTasks(r.Context(), status, agentType, limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list tasks")
		return
	}
	writeList(w, r, tasks, nil, len(tasks), limit, offset)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.deps.DB.DeleteTask(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task not found")
			return
		}
		s.logger.Error("delete task", "error", err, "task_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to delete task")
		return
	}
	if s.deps.Drift != nil {
		s.deps.Drift.DeindexTask(r.Context(), id)
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRelationshipRequest struct {
	ToTaskID         uuid.UUID      `json:"to_task_id"`
	RelationshipType string         `json:"relationship_type"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateRelationship(w http.ResponseWriter, r *http.Request) {
	fromID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req createRelationshipRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	relType := model.RelationshipType(req.RelationshipType)
	switch relType {
	case model.RelationshipParentOf, model.RelationshipDerivedFrom, model.RelationshipBlockedBy:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid relationship_type")
		return
	}
	if fromID == req.ToTaskID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cannot relate a task to itself")
		return
	}

	rel, err := s.deps.DB.CreateRelationship(r.Context(), model.TaskRelationship{
		ID:               uuid.New(),
		FromTaskID:       fromID,
		ToTaskID:         req.ToTaskID,
		RelationshipType: relType,
		Metadata:         req.Metadata,
	})
	if err != nil {
		s.logger.Error("create relationship", "error", err, "from", fromID, "to", req.ToTaskID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create relationship")
		return
	}
	writeJSON(w, r, http.StatusCreated, rel)
}

func (s *Server) handleListRelationships(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rels, err := s.deps.DB.ListRelationships(r.Context(), id)
	if err != nil {
		s.logger.Error("list relationships", "error", err, "task_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list relationships")
		return
	}
	writeJSON(w, r, http.StatusOK, rels)
}

type similarTask struct {
	Task  model.Task `json:"task"`
	Score float32    `json:"score"`
}

// handleSimilarTasks answers nearest-neighbor queries from the vector
// index, hydrating full task rows from Postgres.
func (s *Server) handleSimilarTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if s.deps.Searcher == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "vector search is not configured")
		return
	}

	emb, err := s.deps.DB.GetTaskEmbedding(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task has no embedding")
			return
		}
		s.logger.Error("get task embedding", "error", err, "task_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to fetch embedding")
		return
	}

	var agentType *string
	if v := r.URL.Query().Get("agent_type"); v != "" {
		agentType = &v
	}
	limit, _ := parsePagination(r)

	results, err := s.deps.Searcher.SimilarTasks(r.Context(), emb.Embedding.Slice(), id, agentType, limit)
	if err != nil {
		s.logger.Error("similar tasks", "error", err, "task_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "vector search failed")
		return
	}

	similar := make([]similarTask, 0, len(results))
	for _, res := range results {
		task, err := s.deps.DB.GetTask(r.Context(), res.TaskID)
		if err != nil {
			continue // Index lags deletes; skip vanished tasks.
		}
		similar = append(similar, similarTask{Task: task, Score: res.Score})
	}
	writeJSON(w, r, http.StatusOK, similar)
}

type classifyRequest struct {
	Description string `json:"description"`
}

// handleClassify exposes the dispatcher directly so callers can preview
// routing without submitting a task.
func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if s.deps.Dispatcher == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "dispatcher is not configured")
		return
	}
	writeJSON(w, r, http.StatusOK, s.deps.Dispatcher.Classify(r.Context(), req.Description))
}
