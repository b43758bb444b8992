package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rookery-ai/rookery/internal/model"
)

const checkpointColumns = `id, task_id, parent_task_id, proposed_subtasks, risk_level, status,
	 reviewer_strategy, reviewer_type, decision, created_at, expires_at, decided_at`

// CreateCheckpoint inserts a new consensus checkpoint.
func (db *DB) CreateCheckpoint(ctx context.Context, cp model.ConsensusCheckpoint) error {
	subtasks, err := json.Marshal(cp.ProposedSubtasks)
	if err != nil {
		return fmt.Errorf("storage: marshal proposed subtasks: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO consensus_checkpoints (`+checkpointColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cp.ID, cp.TaskID, cp.ParentTaskID, subtasks, string(cp.RiskLevel), string(cp.Status),
		cp.ReviewerStrategy, cp.ReviewerType, nil, cp.CreatedAt, cp.ExpiresAt, cp.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint by id.
func (db *DB) GetCheckpoint(ctx context.Context, id uuid.UUID) (model.ConsensusCheckpoint, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+checkpointColumns+` FROM consensus_checkpoints WHERE id = $1`, id)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ConsensusCheckpoint{}, fmt.Errorf("storage: checkpoint %s: %w", id, ErrNotFound)
		}
		return model.ConsensusCheckpoint{}, fmt.Errorf("storage: get checkpoint: %w", err)
	}
	return cp, nil
}

// UpdateCheckpointStatus transitions a checkpoint out of pending.
// The WHERE status = 'pending' guard makes concurrent transitions (a
// decision racing the expiry sweep) idempotent: the loser updates zero
// rows and that is not an error.
func (db *DB) UpdateCheckpointStatus(ctx context.Context, cp model.ConsensusCheckpoint) error {
	var decision []byte
	if cp.Decision != nil {
		var err error
		decision, err = json.Marshal(cp.Decision)
		if err != nil {
			return fmt.Errorf("storage: marshal decision: %w", err)
		}
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE consensus_checkpoints
		 SET status = $2, decision = $3, decided_at = $4
		 WHERE id = $1 AND status = $5`,
		cp.ID, string(cp.Status), decision, cp.DecidedAt, string(model.CheckpointPending),
	)
	if err != nil {
		return fmt.Errorf("storage: update checkpoint status: %w", err)
	}
	return nil
}

// ListPendingCheckpoints returns pending checkpoints whose deadline is
// before the given time. Used by the background expiry sweep.
func (db *DB) ListPendingCheckpoints(ctx context.Context, before time.Time) ([]model.ConsensusCheckpoint, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+checkpointColumns+` FROM consensus_checkpoints
		 WHERE status = $1 AND expires_at < $2
		 ORDER BY expires_at ASC`,
		string(model.CheckpointPending), before,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []model.ConsensusCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// ListCheckpoints returns checkpoints with an optional status filter,
// newest first.
func (db *DB) ListCheckpoints(ctx context.Context, status *model.CheckpointStatus, limit, offset int) ([]model.ConsensusCheckpoint, error) {
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
		`SELECT `+checkpointColumns+` FROM consensus_checkpoints
		 WHERE ($1::text IS NULL OR status = $1)
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		status, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []model.ConsensusCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func scanCheckpoint(row pgx.Row) (model.ConsensusCheckpoint, error) {
	var cp model.ConsensusCheckpoint
	var riskLevel, status string
	var subtasks, decision []byte
	err := row.Scan(
		&cp.ID, &cp.TaskID, &cp.ParentTaskID, &subtasks, &riskLevel, &status,
		&cp.ReviewerStrategy, &cp.ReviewerType, &decision,
		&cp.CreatedAt, &cp.ExpiresAt, &cp.DecidedAt,
	)
	if err != nil {
		return model.ConsensusCheckpoint{}, err
	}
	cp.RiskLevel = model.RiskLevel(riskLevel)
	cp.Status = model.CheckpointStatus(status)
	if err := json.Unmarshal(subtasks, &cp.ProposedSubtasks); err != nil {
		return model.ConsensusCheckpoint{}, fmt.Errorf("unmarshal proposed subtasks: %w", err)
	}
	if len(decision) > 0 {
		cp.Decision = &model.CheckpointDecision{}
		if err := json.Unmarshal(decision, cp.Decision); err != nil {
			return model.ConsensusCheckpoint{}, fmt.Errorf("unmarshal decision: %w", err)
		}
	}
	return cp, nil
}
