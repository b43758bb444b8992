package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/rookery-ai/rookery/internal/consensus"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/storage"
)

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	var status *model.CheckpointStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := model.CheckpointStatus(v)
		status = &st
	}

	cps, err := s.deps.DB.ListCheckpoints(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list checkpoints", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list checkpoints")
		return
	}
	writeList(w, r, cps, nil, len(cps), limit, offset)
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	cp, err := s.deps.DB.GetCheckpoint(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "checkpoint not found")
			return
		}
		s.logger.Error("get checkpoint", "error", err, "checkpoint_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to fetch checkpoint")
		return
	}
	writeJSON(w, r, http.StatusOK, cp)
}

type decisionResponse struct {
	Checkpoint model.ConsensusCheckpoint `json:"checkpoint"`
	Released   []model.Task              `json:"released,omitempty"`
}

// handleCheckpointDecision records a reviewer verdict. On approval, the
// surviving subtasks are released into the queue.
func (s *Server) handleCheckpointDecision(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var decision model.CheckpointDecision
	if err := decodeJSON(r, &decision); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if decision.ReviewerID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reviewer_id is required")
		return
	}

	cp, err := s.deps.Consensus.SubmitDecision(r.Context(), id, decision)
	if err != nil {
		var stateErr *consensus.StateError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "checkpoint not found")
		case errors.As(err, &stateErr):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		default:
			s.logger.Error("submit decision", "error", err, "checkpoint_id", id)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to submit decision")
		}
		return
	}

	resp := decisionResponse{Checkpoint: cp}
	if cp.Status == model.CheckpointApproved {
		approved, err := s.deps.Consensus.ApprovedSubtasks(r.Context(), id)
		if err != nil {
			s.logger.Error("approved subtasks", "error", err, "checkpoint_id", id)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load approved subtasks")
			return
		}
		resp.Released = s.releaseSubtasks(r, approved)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// releaseSubtasks enqueues the approved batch. Subtask IDs that name an
// existing task row (the submission pipeline uses the task UUID) are
// re-loaded and enqueued; anything else is created fresh.
func (s *Server) releaseSubtasks(r *http.Request, approved []model.ProposedSubtask) []model.Task {
	ctx := r.Context()
	released := make([]model.Task, 0, len(approved))

	for _, sub := range approved {
		var task model.Task
		if taskID, err := uuid.Parse(sub.ID); err == nil {
			if existing, err := s.deps.DB.GetTask(ctx, taskID); err == nil {
				task = existing
			}
		}
		if task.ID == uuid.Nil {
			created, err := s.deps.DB.CreateTask(ctx, model.Task{
				ID:        uuid.New(),
				AgentType: sub.AgentType,
				Input:     sub.Input,
				Status:    model.TaskStatusPending,
				Priority:  model.DefaultPriority,
			})
			if err != nil {
				s.logger.Error("create released subtask", "error", err, "subtask_id", sub.ID)
				continue
			}
			task = created
			if s.deps.Drift != nil {
				s.deps.Drift.IndexTaskAsync(task)
			}
		}

		if err := s.deps.Coordinator.SubmitTask(task, task.Priority); err != nil {
			s.logger.Error("enqueue released subtask", "error", err, "task_id", task.ID)
			continue
		}
		released = append(released, task)
	}
	return released
}
