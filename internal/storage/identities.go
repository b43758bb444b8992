package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rookery-ai/rookery/internal/model"
)

const identityColumns = `agent_id, agent_type, status, capabilities, display_name, metadata,
	 version, created_at, last_active_at, updated_at, retired_at, retirement_reason`

// CreateIdentity inserts a new agent identity and its initial audit
// entries atomically within a single transaction.
func (db *DB) CreateIdentity(ctx context.Context, identity model.AgentIdentity, audits []model.IdentityAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin create identity tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if identity.Capabilities == nil {
		identity.Capabilities = []string{}
	}
	if identity.Metadata == nil {
		identity.Metadata = map[string]any{}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_identities (`+identityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		identity.AgentID, identity.AgentType, string(identity.Status),
		identity.Capabilities, identity.DisplayName, identity.Metadata,
		identity.Version, identity.CreatedAt, identity.LastActiveAt,
		identity.UpdatedAt, identity.RetiredAt, identity.RetirementReason,
	); err != nil {
		return fmt.Errorf("storage: create identity: %w", err)
	}

	for _, audit := range audits {
		if err := insertIdentityAuditTx(ctx, tx, audit); err != nil {
			return fmt.Errorf("storage: audit in create identity tx: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit create identity tx: %w", err)
	}
	return nil
}

// GetIdentity retrieves an identity by agent id.
func (db *DB) GetIdentity(ctx context.Context, agentID uuid.UUID) (model.AgentIdentity, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM agent_identities WHERE agent_id = $1`, agentID)
	identity, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentIdentity{}, fmt.Errorf("storage: identity %s: %w", agentID, ErrNotFound)
		}
		return model.AgentIdentity{}, fmt.Errorf("storage: get identity: %w", err)
	}
	return identity, nil
}

// ListIdentities returns identities with optional status filter and the
// total count for that filter. limit is clamped to [1, 1000] with a
// default of 200.
func (db *DB) ListIdentities(ctx context.Context, status *model.IdentityStatus, limit, offset int) ([]model.AgentIdentity, int, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM agent_identities WHERE ($1::text IS NULL OR status = $1)`, status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count identities: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM agent_identities
		 WHERE ($1::text IS NULL OR status = $1)
		 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		status, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list identities: %w", err)
	}
	defer rows.Close()

	var identities []model.AgentIdentity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	return identities, total, rows.Err()
}

// UpdateIdentity persists an identity record and appends an audit entry
// atomically within a single transaction. The version column guards
// against lost updates: a stale version means another writer won.
func (db *DB) UpdateIdentity(ctx context.Context, identity model.AgentIdentity, audit model.IdentityAuditEntry) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin update identity tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE agent_identities
		 SET agent_type = $2, status = $3, capabilities = $4, display_name = $5,
		     metadata = $6, version = $7, last_active_at = $8, updated_at = $9,
		     retired_at = $10, retirement_reason = $11
		 WHERE agent_id = $1 AND version = $7 - 1`,
		identity.AgentID, identity.AgentType, string(identity.Status),
		identity.Capabilities, identity.DisplayName, identity.Metadata,
		identity.Version, identity.LastActiveAt, identity.UpdatedAt,
		identity.RetiredAt, identity.RetirementReason,
	)
	if err != nil {
		return fmt.Errorf("storage: update identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: identity %s at version %d: %w", identity.AgentID, identity.Version-1, ErrNotFound)
	}

	if err := insertIdentityAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("storage: audit in update identity tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit update identity tx: %w", err)
	}
	return nil
}

// ListAudit returns audit entries for an identity, newest first.
func (db *DB) ListAudit(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]model.IdentityAuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, action, previous_status, new_status, reason, actor_id, metadata, content_hash, timestamp
		 FROM identity_audit
		 WHERE agent_id = $1
		 ORDER BY timestamp DESC LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var entries []model.IdentityAuditEntry
	for rows.Next() {
		var e model.IdentityAuditEntry
		var action string
		var prev, next *string
		if err := rows.Scan(&e.ID, &e.AgentID, &action, &prev, &next, &e.Reason, &e.ActorID, &e.Metadata, &e.ContentHash, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan audit entry: %w", err)
		}
		e.Action = model.AuditAction(action)
		if prev != nil {
			s := model.IdentityStatus(*prev)
			e.PreviousStatus = &s
		}
		if next != nil {
			s := model.IdentityStatus(*next)
			e.NewStatus = &s
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// insertIdentityAuditTx appends one audit row inside an open transaction.
// The audit table is append-only; no update or delete methods exist.
func insertIdentityAuditTx(ctx context.Context, tx pgx.Tx, e model.IdentityAuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var prev, next *string
	if e.PreviousStatus != nil {
		s := string(*e.PreviousStatus)
		prev = &s
	}
	if e.NewStatus != nil {
		s := string(*e.NewStatus)
		next = &s
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO identity_audit (id, agent_id, action, previous_status, new_status, reason, actor_id, metadata, content_hash, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AgentID, string(e.Action), prev, next, e.Reason, e.ActorID, e.Metadata, e.ContentHash, e.Timestamp,
	)
	return err
}

func scanIdentity(row pgx.Row) (model.AgentIdentity, error) {
	var identity model.AgentIdentity
	var status string
	err := row.Scan(
		&identity.AgentID, &identity.AgentType, &status, &identity.Capabilities,
		&identity.DisplayName, &identity.Metadata, &identity.Version,
		&identity.CreatedAt, &identity.LastActiveAt, &identity.UpdatedAt,
		&identity.RetiredAt, &identity.RetirementReason,
	)
	if err != nil {
		return model.AgentIdentity{}, err
	}
	identity.Status = model.IdentityStatus(status)
	return identity, nil
}
