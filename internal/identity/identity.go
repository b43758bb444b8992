// Package identity implements the persistent agent identity service: a
// strict lifecycle state machine over created/active/dormant/retired with
// an append-only, hash-stamped audit log.
//
// Identity records are independent of spawned agent instances — the
// spawner owns ephemeral workers, this service owns the durable record
// linking them by id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rookery-ai/rookery/internal/events"
	"github.com/rookery-ai/rookery/internal/integrity"
	"github.com/rookery-ai/rookery/internal/model"
)

// Event names emitted by the identity service.
const (
	EventIdentityCreated = "identity:created"
	EventIdentityRetired = "identity:retired"
)

// transitions is the closed transition table. Retired is absorbing: it
// has no outgoing transitions.
var transitions = map[model.IdentityStatus][]model.IdentityStatus{
	model.IdentityStatusCreated: {model.IdentityStatusActive, model.IdentityStatusRetired},
	model.IdentityStatusActive:  {model.IdentityStatusDormant, model.IdentityStatusRetired},
	model.IdentityStatusDormant: {model.IdentityStatusActive, model.IdentityStatusRetired},
	model.IdentityStatusRetired: {},
}

// InvalidTransitionError names an attempted transition outside the table.
type InvalidTransitionError struct {
	AgentID uuid.UUID
	From    model.IdentityStatus
	To      model.IdentityStatus
}

func (e *InvalidTransitionError) Error() string {
	allowed := transitions[e.From]
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = string(s)
	}
	allowedStr := strings.Join(names, ", ")
	if allowedStr == "" {
		allowedStr = "none"
	}
	return fmt.Sprintf("identity: invalid transition %s -> %s for agent %s (allowed from %s: %s)",
		e.From, e.To, e.AgentID, e.From, allowedStr)
}

// RetiredError indicates a mutation attempt on a retired identity.
type RetiredError struct {
	AgentID uuid.UUID
}

func (e *RetiredError) Error() string {
	return fmt.Sprintf("identity: agent %s is retired", e.AgentID)
}

// NotFoundError indicates an unknown identity id.
type NotFoundError struct {
	AgentID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("identity: agent %s not found", e.AgentID)
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to model.IdentityStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Store is the persistence contract the service depends on. Mutations
// that pair a record update with an audit append must be atomic.
type Store interface {
	CreateIdentity(ctx context.Context, identity model.AgentIdentity, audits []model.IdentityAuditEntry) error
	GetIdentity(ctx context.Context, agentID uuid.UUID) (model.AgentIdentity, error)
	ListIdentities(ctx context.Context, status *model.IdentityStatus, limit, offset int) ([]model.AgentIdentity, int, error)
	// UpdateIdentity persists the record and appends the audit entry in
	// one transaction.
	UpdateIdentity(ctx context.Context, identity model.AgentIdentity, audit model.IdentityAuditEntry) error
	ListAudit(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.IdentityAuditEntry, error)
}

// ErrNotFound is returned by Store implementations for unknown ids; the
// service translates it into a typed NotFoundError.
var ErrNotFound = errors.New("identity: not found")

// Service mediates all identity mutations.
type Service struct {
	store   Store
	logger  *slog.Logger
	emitter events.Emitter
}

// NewService creates an identity service.
func NewService(store Store, emitter events.Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.Noop{}
	}
	return &Service{store: store, logger: logger, emitter: emitter}
}

// CreateRequest holds the fields for a new identity.
type CreateRequest struct {
	AgentType    string
	Capabilities []string
	DisplayName  *string
	Metadata     map[string]any
	ActorID      *string
	AutoActivate bool
}

// Create writes the initial record plus a created audit entry, and — when
// AutoActivate is set — a second activated entry with previous status
// created.
func (s *Service) Create(ctx context.Context, req CreateRequest) (model.AgentIdentity, error) {
	if req.AgentType == "" {
		return model.AgentIdentity{}, fmt.Errorf("identity: agent_type is required")
	}

	now := time.Now().UTC()
	id := model.AgentIdentity{
		AgentID:      uuid.New(),
		AgentType:    req.AgentType,
		Status:       model.IdentityStatusCreated,
		Capabilities: req.Capabilities,
		DisplayName:  req.DisplayName,
		Metadata:     req.Metadata,
		Version:      1,
		CreatedAt:    now,
		LastActiveAt: now,
		UpdatedAt:    now,
	}
	if id.Metadata == nil {
		id.Metadata = map[string]any{}
	}

	audits := []model.IdentityAuditEntry{
		s.auditEntry(id.AgentID, model.AuditActionCreated, nil, ptrStatus(model.IdentityStatusCreated), nil, req.ActorID, now),
	}
	if req.AutoActivate {
		id.Status = model.IdentityStatusActive
		audits = append(audits, s.auditEntry(
			id.AgentID, model.AuditActionActivated,
			ptrStatus(model.IdentityStatusCreated), ptrStatus(model.IdentityStatusActive),
			nil, req.ActorID, now.Add(time.Microsecond),
		))
	}

	if err := s.store.CreateIdentity(ctx, id, audits); err != nil {
		return model.AgentIdentity{}, fmt.Errorf("identity: create: %w", err)
	}

	s.emitter.Emit(EventIdentityCreated, map[string]any{"agent_id": id.AgentID, "agent_type": id.AgentType})
	return id, nil
}

// Get returns an identity by id.
func (s *Service) Get(ctx context.Context, agentID uuid.UUID) (model.AgentIdentity, error) {
	id, err := s.store.GetIdentity(ctx, agentID)
	if err != nil {
		return model.AgentIdentity{}, wrapNotFound(err, agentID)
	}
	return id, nil
}

// List returns identities, optionally filtered by status.
func (s *Service) List(ctx context.Context, status *model.IdentityStatus, limit, offset int) ([]model.AgentIdentity, int, error) {
	return s.store.ListIdentities(ctx, status, limit, offset)
}

// UpdateRequest holds the non-lifecycle fields that Update can change.
type UpdateRequest struct {
	Capabilities []string
	DisplayName  *string
	Metadata     map[string]any
	ActorID      *string
}

// Update modifies non-lifecycle fields. Fails with *RetiredError on a
// retired identity. Bumps the record version and appends one audit entry.
func (s *Service) Update(ctx context.Context, agentID uuid.UUID, req UpdateRequest) (model.AgentIdentity, error) {
	id, err := s.store.GetIdentity(ctx, agentID)
	if err != nil {
		return model.AgentIdentity{}, wrapNotFound(err, agentID)
	}
	if id.Status == model.IdentityStatusRetired {
		return model.AgentIdentity{}, &RetiredError{AgentID: agentID}
	}

	if req.Capabilities != nil {
		id.Capabilities = req.Capabilities
	}
	if req.DisplayName != nil {
		id.DisplayName = req.DisplayName
	}
	if req.Metadata != nil {
		id.Metadata = req.Metadata
	}
	now := time.Now().UTC()
	id.Version++
	id.UpdatedAt = now

	audit := s.auditEntry(agentID, model.AuditActionUpdated, nil, nil, nil, req.ActorID, now)
	if err := s.store.UpdateIdentity(ctx, id, audit); err != nil {
		return model.AgentIdentity{}, fmt.Errorf("identity: update: %w", err)
	}
	return id, nil
}

// Activate transitions created/dormant -> active and refreshes
// last_active_at.
func (s *Service) Activate(ctx context.Context, agentID uuid.UUID, actorID *string) (model.AgentIdentity, error) {
	return s.transition(ctx, agentID, model.IdentityStatusActive, model.AuditActionActivated, nil, actorID)
}

// Deactivate transitions active -> dormant.
func (s *Service) Deactivate(ctx context.Context, agentID uuid.UUID, actorID *string) (model.AgentIdentity, error) {
	return s.transition(ctx, agentID, model.IdentityStatusDormant, model.AuditActionDeactivated, nil, actorID)
}

// Retire transitions any non-retired status to retired, stamping
// retired_at and the retirement reason. The only transition that does so.
func (s *Service) Retire(ctx context.Context, agentID uuid.UUID, reason string, actorID *string) (model.AgentIdentity, error) {
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	id, err := s.transition(ctx, agentID, model.IdentityStatusRetired, model.AuditActionRetired, reasonPtr, actorID)
	if err != nil {
		return model.AgentIdentity{}, err
	}
	s.emitter.Emit(EventIdentityRetired, map[string]any{"agent_id": agentID, "reason": reason})
	return id, nil
}

// RecordSpawn links a spawned instance to the identity: refreshes
// last_active_at and appends a spawned audit entry. It does not create
// the SpawnedAgent — that is the spawner's job. Fails on a retired
// identity.
func (s *Service) RecordSpawn(ctx context.Context, agentID uuid.UUID, spawnedID uuid.UUID) error {
	id, err := s.store.GetIdentity(ctx, agentID)
	if err != nil {
		return wrapNotFound(err, agentID)
	}
	if id.Status == model.IdentityStatusRetired {
		return &RetiredError{AgentID: agentID}
	}

	now := time.Now().UTC()
	id.LastActiveAt = now
	id.UpdatedAt = now

	audit := s.auditEntry(agentID, model.AuditActionSpawned, nil, nil, nil, nil, now)
	audit.Metadata = map[string]any{"spawned_agent_id": spawnedID.String()}
	if err := s.store.UpdateIdentity(ctx, id, audit); err != nil {
		return fmt.Errorf("identity: record spawn: %w", err)
	}
	return nil
}

// AuditTrail returns audit entries for an identity ordered by timestamp
// descending. Entries whose content hash fails verification are logged
// and still returned — tampering is surfaced, not hidden.
func (s *Service) AuditTrail(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.IdentityAuditEntry, error) {
	entries, err := s.store.ListAudit(ctx, agentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("identity: audit trail: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	for _, e := range entries {
		if e.ContentHash == "" {
			continue
		}
		prev, next := statusStr(e.PreviousStatus), statusStr(e.NewStatus)
		if !integrity.VerifyAuditHash(e.ContentHash, e.ID, e.AgentID, string(e.Action), prev, next, e.Reason, e.Timestamp) {
			s.logger.Warn("identity: audit entry hash mismatch", "entry_id", e.ID, "agent_id", agentID)
		}
	}
	return entries, nil
}

// transition is the generic lifecycle helper behind Activate, Deactivate
// and Retire: validates the table, mutates the record, and appends one
// audit entry atomically.
func (s *Service) transition(ctx context.Context, agentID uuid.UUID, to model.IdentityStatus, action model.AuditAction, reason *string, actorID *string) (model.AgentIdentity, error) {
	id, err := s.store.GetIdentity(ctx, agentID)
	if err != nil {
		return model.AgentIdentity{}, wrapNotFound(err, agentID)
	}

	from := id.Status
	if !CanTransition(from, to) {
		return model.AgentIdentity{}, &InvalidTransitionError{AgentID: agentID, From: from, To: to}
	}

	now := time.Now().UTC()
	id.Status = to
	id.Version++
	id.UpdatedAt = now
	if to == model.IdentityStatusActive {
		id.LastActiveAt = now
	}
	if to == model.IdentityStatusRetired {
		id.RetiredAt = &now
		id.RetirementReason = reason
	}

	audit := s.auditEntry(agentID, action, &from, &to, reason, actorID, now)
	if err := s.store.UpdateIdentity(ctx, id, audit); err != nil {
		return model.AgentIdentity{}, fmt.Errorf("identity: transition %s -> %s: %w", from, to, err)
	}
	return id, nil
}

// auditEntry builds a hash-stamped audit entry.
func (s *Service) auditEntry(agentID uuid.UUID, action model.AuditAction, prev, next *model.IdentityStatus, reason, actorID *string, ts time.Time) model.IdentityAuditEntry {
	entry := model.IdentityAuditEntry{
		ID:             uuid.New(),
		AgentID:        agentID,
		Action:         action,
		PreviousStatus: prev,
		NewStatus:      next,
		Reason:         reason,
		ActorID:        actorID,
		Timestamp:      ts,
	}
	entry.ContentHash = integrity.ComputeAuditHash(
		entry.ID, agentID, string(action), statusStr(prev), statusStr(next), reason, ts,
	)
	return entry
}

func wrapNotFound(err error, agentID uuid.UUID) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return &NotFoundError{AgentID: agentID}
	}
	return fmt.Errorf("identity: %w", err)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || strings.Contains(err.Error(), "not found")
}

func ptrStatus(s model.IdentityStatus) *model.IdentityStatus { return &s }

func statusStr(s *model.IdentityStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}
