package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rookery-ai/rookery/internal/model"
)

// GetTaskEmbedding retrieves the stored embedding for a task.
func (db *DB) GetTaskEmbedding(ctx context.Context, taskID uuid.UUID) (model.TaskEmbedding, error) {
	var emb model.TaskEmbedding
	err := db.pool.QueryRow(ctx,
		`SELECT task_id, embedding, model, dimensions, created_at
		 FROM task_embeddings WHERE task_id = $1`, taskID,
	).Scan(&emb.TaskID, &emb.Embedding, &emb.Model, &emb.Dimensions, &emb.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TaskEmbedding{}, fmt.Errorf("storage: embedding for task %s: %w", taskID, ErrNotFound)
		}
		return model.TaskEmbedding{}, fmt.Errorf("storage: get task embedding: %w", err)
	}
	return emb, nil
}

// UpsertTaskEmbedding stores or replaces the embedding for a task.
func (db *DB) UpsertTaskEmbedding(ctx context.Context, emb model.TaskEmbedding) error {
	if emb.CreatedAt.IsZero() {
		emb.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO task_embeddings (task_id, embedding, model, dimensions, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (task_id) DO UPDATE
		 SET embedding = EXCLUDED.embedding, model = EXCLUDED.model,
		     dimensions = EXCLUDED.dimensions, created_at = EXCLUDED.created_at`,
		emb.TaskID, emb.Embedding, emb.Model, emb.Dimensions, emb.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert task embedding: %w", err)
	}
	return nil
}

// InsertDriftEvent appends a drift event. The task_id column carries no
// foreign key: drift history survives task deletion.
func (db *DB) InsertDriftEvent(ctx context.Context, event model.DriftEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO drift_events (id, task_id, task_type, ancestor_task_id, similarity_score, threshold, action_taken, task_input, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.TaskID, event.TaskType, event.AncestorTaskID,
		event.SimilarityScore, event.Threshold, string(event.ActionTaken),
		event.TaskInput, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert drift event: %w", err)
	}
	return nil
}

// ListDriftEvents returns drift events newest first, optionally
// filtered by task type.
func (db *DB) ListDriftEvents(ctx context.Context, taskType *string, limit, offset int) ([]model.DriftEvent, error) {
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
		`SELECT id, task_id, task_type, ancestor_task_id, similarity_score, threshold, action_taken, task_input, created_at
		 FROM drift_events
		 WHERE ($1::text IS NULL OR task_type = $1)
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		taskType, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list drift events: %w", err)
	}
	defer rows.Close()

	var events []model.DriftEvent
	for rows.Next() {
		var e model.DriftEvent
		var action string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.TaskType, &e.AncestorTaskID,
			&e.SimilarityScore, &e.Threshold, &action, &e.TaskInput, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan drift event: %w", err)
		}
		e.ActionTaken = model.DriftAction(action)
		events = append(events, e)
	}
	return events, rows.Err()
}

// DriftStats holds aggregate drift counts per action.
type DriftStats struct {
	Total     int `json:"total"`
	Prevented int `json:"prevented"`
	Warned    int `json:"warned"`
}

// GetDriftStats returns aggregate drift event counts.
func (db *DB) GetDriftStats(ctx context.Context) (DriftStats, error) {
	var s DriftStats
	err := db.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE action_taken = 'prevented'),
		       count(*) FILTER (WHERE action_taken = 'warned')
		FROM drift_events`,
	).Scan(&s.Total, &s.Prevented, &s.Warned)
	if err != nil {
		return s, fmt.Errorf("storage: drift stats: %w", err)
	}
	return s, nil
}
