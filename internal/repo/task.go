package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lupamo/realtime-collab/internal/model"
)

var ErrNotFound = errors.New("not found")

// ConflictError is returned when a conditional update loses the version race.
// It carries the current authoritative task so the caller can rebase.
type ConflictError struct {
	Current model.Task
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: task %d is at version %d", e.Current.ID, e.Current.Version)
}

const taskColumns = `id, project_id, title, description, status, priority,
		       assignee_id, created_by, due_date, version, created_at, updated_at`

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.AssigneeID, &t.CreatedBy, &t.DueDate, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

func (r *TaskRepo) Create(ctx context.Context, t model.Task) (model.Task, error) {
	created, err := scanTask(r.pool.QueryRow(ctx, `
		INSERT INTO tasks (project_id, title, description, status, priority, assignee_id, created_by, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+taskColumns,
		t.ProjectID, t.Title, t.Description, t.Status, t.Priority, t.AssigneeID, t.CreatedBy, t.DueDate,
	))
	return created, mapError(err)
}

func (r *TaskRepo) Get(ctx context.Context, id int64) (model.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

// ConditionalUpdate is the compare-and-swap at the heart of the protocol:
// a single UPDATE guarded by the expected version, so the version check and
// the increment commit together. Zero rows means the row is gone or the
// version is stale; deletion wins the tie-break, so we re-read to tell the
// two apart.
func (r *TaskRepo) ConditionalUpdate(ctx context.Context, id int64, patch model.TaskPatch, expectedVersion int) (model.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET title       = COALESCE($2, title),
		    description = COALESCE($3, description),
		    status      = COALESCE($4, status),
		    priority    = COALESCE($5, priority),
		    assignee_id = COALESCE($6, assignee_id),
		    due_date    = COALESCE($7, due_date),
		    version     = version + 1,
		    updated_at  = now()
		WHERE id = $1 AND version = $8
		RETURNING `+taskColumns,
		id, patch.Title, patch.Description, patch.Status, patch.Priority,
		patch.AssigneeID, patch.DueDate, expectedVersion,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return t, err
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		// Includes ErrNotFound: updates against a deleted task are
		// NotFound, never a phantom conflict.
		return model.Task{}, err
	}
	return model.Task{}, &ConflictError{Current: current}
}

func (r *TaskRepo) Delete(ctx context.Context, id int64) (model.Task, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `
		DELETE FROM tasks
		WHERE id = $1
		RETURNING `+taskColumns,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (r *TaskRepo) SaveIdempotencyKey(ctx context.Context, key string, resourceID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, resource_id) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING
	`, key, resourceID)
	return err
}

func (r *TaskRepo) GetIdempotencyKey(ctx context.Context, key string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		SELECT resource_id FROM idempotency_keys WHERE key = $1
	`, key).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23503" { // bad project / assignee reference
			return ErrNotFound
		}
	}
	return err
}
