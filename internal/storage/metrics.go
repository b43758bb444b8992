package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rookery-ai/rookery/internal/model"
)

// UpsertResourceMetrics stores or replaces the resource-metrics row for
// an agent. Called best-effort on every counter mutation.
func (db *DB) UpsertResourceMetrics(ctx context.Context, m model.ResourceMetrics) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO resource_metrics (agent_id, files_read, files_written, files_modified,
		     api_calls_count, subtasks_spawned, tokens_consumed, started_at,
		     last_deliverable_at, last_activity_at, phase, paused_at, pause_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (agent_id) DO UPDATE
		 SET files_read = EXCLUDED.files_read,
		     files_written = EXCLUDED.files_written,
		     files_modified = EXCLUDED.files_modified,
		     api_calls_count = EXCLUDED.api_calls_count,
		     subtasks_spawned = EXCLUDED.subtasks_spawned,
		     tokens_consumed = EXCLUDED.tokens_consumed,
		     last_deliverable_at = EXCLUDED.last_deliverable_at,
		     last_activity_at = EXCLUDED.last_activity_at,
		     phase = EXCLUDED.phase,
		     paused_at = EXCLUDED.paused_at,
		     pause_reason = EXCLUDED.pause_reason`,
		m.AgentID, m.FilesRead, m.FilesWritten, m.FilesModified,
		m.APICallsCount, m.SubtasksSpawned, m.TokensConsumed, m.StartedAt,
		m.LastDeliverableAt, m.LastActivityAt, string(m.Phase), m.PausedAt, m.PauseReason,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert resource metrics: %w", err)
	}
	return nil
}

// ListResourceMetrics returns all persisted resource-metrics rows. Used
// to rebuild the in-memory cache on startup.
func (db *DB) ListResourceMetrics(ctx context.Context) ([]model.ResourceMetrics, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id, files_read, files_written, files_modified,
		        api_calls_count, subtasks_spawned, tokens_consumed, started_at,
		        last_deliverable_at, last_activity_at, phase, paused_at, pause_reason
		 FROM resource_metrics`)
	if err != nil {
		return nil, fmt.Errorf("storage: list resource metrics: %w", err)
	}
	defer rows.Close()

	var metrics []model.ResourceMetrics
	for rows.Next() {
		var m model.ResourceMetrics
		var phase string
		if err := rows.Scan(&m.AgentID, &m.FilesRead, &m.FilesWritten, &m.FilesModified,
			&m.APICallsCount, &m.SubtasksSpawned, &m.TokensConsumed, &m.StartedAt,
			&m.LastDeliverableAt, &m.LastActivityAt, &phase, &m.PausedAt, &m.PauseReason); err != nil {
			return nil, fmt.Errorf("storage: scan resource metrics: %w", err)
		}
		m.Phase = model.Phase(phase)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// DeleteResourceMetrics removes the persisted row for an agent. Called
// when an agent is cleaned up after stop.
func (db *DB) DeleteResourceMetrics(ctx context.Context, agentID uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM resource_metrics WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("storage: delete resource metrics: %w", err)
	}
	return nil
}
