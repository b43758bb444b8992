package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rookery-ai/rookery/internal/auth"
	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/storage"
)

// SeedAdmin stores the configured bootstrap admin key if no keys exist
// yet. Without it a fresh deployment has no way to mint credentials.
func (s *Server) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	existing, err := s.deps.DB.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("seed admin: list keys: %w", err)
	}
	if len(existing) > 0 {
		s.logger.Info("api keys exist, skipping admin seed")
		return nil
	}
	if adminAPIKey == "" {
		return fmt.Errorf("seed admin: ROOKERY_ADMIN_API_KEY is empty and no API keys exist; set it to bootstrap initial admin access")
	}
	if !auth.ValidKeyShape(adminAPIKey) {
		return fmt.Errorf("seed admin: ROOKERY_ADMIN_API_KEY must start with rk_")
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	if _, err := s.deps.DB.CreateAPIKey(ctx, model.APIKey{
		Prefix:  auth.KeyPrefix(adminAPIKey),
		KeyHash: hash,
		Label:   "bootstrap-admin",
		Role:    model.RoleAdmin,
	}); err != nil {
		return fmt.Errorf("seed admin: store key: %w", err)
	}
	s.logger.Info("seeded initial admin api key")
	return nil
}

type tokenRequest struct {
	APIKey string `json:"api_key"`
}

type tokenResponse struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
	Role      model.OperatorRole `json:"role"`
}

// handleExchangeToken trades a raw API key for a short-lived JWT. Key
// lookup goes through the stored prefix so only a handful of Argon2
// verifications run per attempt; a miss still burns one hash to keep
// timing flat.
func (s *Server) handleExchangeToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if !auth.ValidKeyShape(req.APIKey) {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid API key")
		return
	}

	candidates, err := s.deps.DB.GetActiveAPIKeysByPrefix(r.Context(), auth.KeyPrefix(req.APIKey))
	if err != nil {
		s.logger.Error("lookup api key", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "authentication failed")
		return
	}

	var matched *model.APIKey
	for i := range candidates {
		ok, err := auth.VerifyAPIKey(req.APIKey, candidates[i].KeyHash)
		if err == nil && ok {
			matched = &candidates[i]
			break
		}
	}
	if matched == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid API key")
		return
	}

	token, expiresAt, err := s.deps.JWT.IssueToken(*matched)
	if err != nil {
		s.logger.Error("issue token", "error", err, "key_id", matched.ID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "authentication failed")
		return
	}

	if err := s.deps.DB.TouchAPIKeyLastUsed(r.Context(), matched.ID); err != nil {
		s.logger.Warn("touch api key", "error", err, "key_id", matched.ID)
	}

	writeJSON(w, r, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Role:      matched.Role,
	})
}

type createKeyRequest struct {
	Label     string     `json:"label"`
	Role      string     `json:"role"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type createKeyResponse struct {
	Key model.APIKey `json:"key"`
	// Plaintext is returned exactly once, at creation.
	Plaintext string `json:"plaintext"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.Label == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "label is required")
		return
	}
	role := model.OperatorRole(req.Role)
	if role != model.RoleAdmin && role != model.RoleViewer {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "role must be admin or viewer")
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "expires_at is in the past")
		return
	}

	plaintext, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		s.logger.Error("generate api key", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create key")
		return
	}
	hash, err := auth.HashAPIKey(plaintext)
	if err != nil {
		s.logger.Error("hash api key", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create key")
		return
	}

	key, err := s.deps.DB.CreateAPIKey(r.Context(), model.APIKey{
		Prefix:    prefix,
		KeyHash:   hash,
		Label:     req.Label,
		Role:      role,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		s.logger.Error("store api key", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create key")
		return
	}

	writeJSON(w, r, http.StatusCreated, createKeyResponse{Key: key, Plaintext: plaintext})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.DB.ListAPIKeys(r.Context())
	if err != nil {
		s.logger.Error("list api keys", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list keys")
		return
	}
	writeJSON(w, r, http.StatusOK, keys)
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := s.deps.DB.RevokeAPIKey(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "key not found")
			return
		}
		s.logger.Error("revoke api key", "error", err, "key_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to revoke key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
