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

// CreateTask inserts a new task. When ParentTaskID is set, a parent_of
// relationship edge is written in the same transaction.
func (db *DB) CreateTask(ctx context.Context, task model.Task) (model.Task, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = model.TaskStatusPending
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Task{}, fmt.Errorf("storage: begin create task tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO tasks (id, agent_type, input, status, priority, parent_task_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.AgentType, task.Input, string(task.Status),
		task.Priority, task.ParentTaskID, task.Metadata, task.CreatedAt,
	); err != nil {
		return model.Task{}, fmt.Errorf("storage: create task: %w", err)
	}

	if task.ParentTaskID != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_relationships (id, from_task_id, to_task_id, relationship_type, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (from_task_id, to_task_id, relationship_type) DO NOTHING`,
			uuid.New(), *task.ParentTaskID, task.ID,
			string(model.RelationshipParentOf), map[string]any{}, task.CreatedAt,
		); err != nil {
			return model.Task{}, fmt.Errorf("storage: create parent relationship: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Task{}, fmt.Errorf("storage: commit create task tx: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by id.
func (db *DB) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	var t model.Task
	var status string
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_type, input, status, priority, parent_task_id, metadata, created_at
		 FROM tasks WHERE id = $1`, id,
	).Scan(&t.ID, &t.AgentType, &t.Input, &status, &t.Priority, &t.ParentTaskID, &t.Metadata, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Task{}, fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
		}
		return model.Task{}, fmt.Errorf("storage: get task: %w", err)
	}
	t.Status = model.TaskStatus(status)
	return t, nil
}

// ListTasks returns tasks filtered by optional status and agent type,
// newest first. limit is clamped to [1, 1000] with a default of 200.
func (db *DB) ListTasks(ctx context.Context, status *model.TaskStatus, agentType *string, limit, offset int) ([]model.Task, error) {
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
		`SELECT id, agent_type, input, status, priority, parent_task_id, metadata, created_at
		 FROM tasks
		 WHERE ($1::text IS NULL OR status = $1)
		   AND ($2::text IS NULL OR agent_type = $2)
		 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		status, agentType, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var t model.Task
		var s string
		if err := rows.Scan(&t.ID, &t.AgentType, &t.Input, &s, &t.Priority, &t.ParentTaskID, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan task: %w", err)
		}
		t.Status = model.TaskStatus(s)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus transitions a task's status and priority.
func (db *DB) UpdateTaskStatus(ctx context.Context, id uuid.UUID, status model.TaskStatus, priority int) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, priority = $2 WHERE id = $3`,
		string(status), priority, id,
	)
	if err != nil {
		return fmt.Errorf("storage: update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteTask removes a task. Embeddings and relationship edges cascade
// via foreign keys; drift_events rows referencing the task survive by
// design so the metrics history is preserved.
func (db *DB) DeleteTask(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: task %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateRelationship inserts a task-graph edge. Duplicate
// (from, to, type) tuples collapse to the existing row.
func (db *DB) CreateRelationship(ctx context.Context, rel model.TaskRelationship) (model.TaskRelationship, error) {
	if rel.ID == uuid.Nil {
		rel.ID = uuid.New()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	if rel.Metadata == nil {
		rel.Metadata = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO task_relationships (id, from_task_id, to_task_id, relationship_type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (from_task_id, to_task_id, relationship_type) DO NOTHING`,
		rel.ID, rel.FromTaskID, rel.ToTaskID, string(rel.RelationshipType), rel.Metadata, rel.CreatedAt,
	)
	if err != nil {
		return model.TaskRelationship{}, fmt.Errorf("storage: create relationship: %w", err)
	}
	return rel, nil
}

// ListRelationships returns all edges touching a task, in either direction.
func (db *DB) ListRelationships(ctx context.Context, taskID uuid.UUID) ([]model.TaskRelationship, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, from_task_id, to_task_id, relationship_type, metadata, created_at
		 FROM task_relationships
		 WHERE from_task_id = $1 OR to_task_id = $1
		 ORDER BY created_at ASC`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list relationships: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// ListParentEdges returns edges that point from an ancestor toward
// taskID (inbound parent_of / derived_from edges). Used by the drift
// detector's ancestor walk.
func (db *DB) ListParentEdges(ctx context.Context, taskID uuid.UUID) ([]model.TaskRelationship, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, from_task_id, to_task_id, relationship_type, metadata, created_at
		 FROM task_relationships
		 WHERE to_task_id = $1 AND relationship_type IN ($2, $3)`,
		taskID, string(model.RelationshipParentOf), string(model.RelationshipDerivedFrom),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list parent edges: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

func scanRelationships(rows pgx.Rows) ([]model.TaskRelationship, error) {
	var rels []model.TaskRelationship
	for rows.Next() {
		var r model.TaskRelationship
		var rt string
		if err := rows.Scan(&r.ID, &r.FromTaskID, &r.ToTaskID, &rt, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan relationship: %w", err)
		}
		r.RelationshipType = model.RelationshipType(rt)
		rels = append(rels, r)
	}
	return rels, rows.Err()
}
