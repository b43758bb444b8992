package server

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/rookery-ai/rookery/internal/identity"
	"github.com/rookery-ai/rookery/internal/model"
)

// actorFromClaims derives the audit actor from the authenticated key.
func actorFromClaims(r *http.Request) *string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		return nil
	}
	actor := claims.Label
	if actor == "" {
		actor = claims.KeyID.String()
	}
	return &actor
}

// writeIdentityError maps identity service errors onto HTTP statuses.
func (s *Server) writeIdentityError(w http.ResponseWriter, r *http.Request, err error, agentID uuid.UUID) {
	var notFound *identity.NotFoundError
	var invalid *identity.InvalidTransitionError
	var retired *identity.RetiredError
	switch {
	case errors.As(err, &notFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "identity not found")
	case errors.As(err, &invalid):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.As(err, &retired):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		s.logger.Error("identity operation", "error", err, "agent_id", agentID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "identity operation failed")
	}
}

type createIdentityRequest struct {
	AgentType    string         `json:"agent_type"`
	Capabilities []string       `json:"capabilities,omitempty"`
	DisplayName  *string        `json:"display_name,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	AutoActivate bool           `json:"auto_activate,omitempty"`
}

func (s *Server) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req createIdentityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.AgentType == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_type is required")
		return
	}

	id, err := s.deps.Identities.Create(r.Context(), identity.CreateRequest{
		AgentType:    req.AgentType,
		Capabilities: req.Capabilities,
		DisplayName:  req.DisplayName,
		Metadata:     req.Metadata,
		ActorID:      actorFromClaims(r),
		AutoActivate: req.AutoActivate,
	})
	if err != nil {
		s.logger.Error("create identity", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create identity")
		return
	}
	writeJSON(w, r, http.StatusCreated, id)
}

func (s *Server) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	id, err := s.deps.Identities.Get(r.Context(), agentID)
	if err != nil {
		s.writeIdentityError(w, r, err, agentID)
		return
	}
	writeJSON(w, r, http.StatusOK, id)
}

func (s *Server) handleListIdentities(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	var status *model.IdentityStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := model.IdentityStatus(v)
		status = &st
	}

	ids, total, err := s.deps.Identities.List(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list identities", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list identities")
		return
	}
	writeList(w, r, ids, &total, len(ids), limit, offset)
}

type updateIdentityRequest struct {
	Capabilities []string       `json:"capabilities,omitempty"`
	DisplayName  *string        `json:"display_name,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleUpdateIdentity(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateIdentityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	id, err := s.deps.Identities.Update(r.Context(), agentID, identity.UpdateRequest{
		Capabilities: req.Capabilities,
		DisplayName:  req.DisplayName,
		Metadata:     req.Metadata,
		ActorID:      actorFromClaims(r),
	})
	if err != nil {
		s.writeIdentityError(w, r, err, agentID)
		return
	}
	writeJSON(w, r, http.StatusOK, id)
}

func (s *Server) handleActivateIdentity(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	id, err := s.deps.Identities.Activate(r.Context(), agentID, actorFromClaims(r))
	if err != nil {
		s.writeIdentityError(w, r, err, agentID)
		return
	}
	writeJSON(w, r, http.StatusOK, id)
}

func (s *Server) handleDeactivateIdentity(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	id, err := s.deps.Identities.Deactivate(r.Context(), agentID, actorFromClaims(r))
	if err != nil {
		s.writeIdentityError(w, r, err, agentID)
		return
	}
	writeJSON(w, r, http.StatusOK, id)
}

type retireIdentityRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleRetireIdentity(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req retireIdentityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	id, err := s.deps.Identities.Retire(r.Context(), agentID, req.Reason, actorFromClaims(r))
	if err != nil {
		s.writeIdentityError(w, r, err, agentID)
		return
	}
	writeJSON(w, r, http.StatusOK, id)
}

func (s *Server) handleIdentityAudit(w http.ResponseWriter, r *http.Request) {
	agentID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	limit, offset := parsePagination(r)

	entries, err := s.deps.Identities.AuditTrail(r.Context(), agentID, limit, offset)
	if err != nil {
		s.writeIdentityError(w, r, err, agentID)
		return
	}
	writeList(w, r, entries, nil, len(entries), limit, offset)
}
