package repo

import (
	"context"

	"github.com/lupamo/realtime-collab/internal/model"
)

// TaskStore is the durable, versioned system of record for tasks.
// ConditionalUpdate must be atomic at the storage layer (one compare-and-swap
// statement) because multiple server processes run concurrently.
type TaskStore interface {
	Create(ctx context.Context, t model.Task) (model.Task, error)
	Get(ctx context.Context, id int64) (model.Task, error)
	ConditionalUpdate(ctx context.Context, id int64, patch model.TaskPatch, expectedVersion int) (model.Task, error)
	Delete(ctx context.Context, id int64) (model.Task, error)
	SaveIdempotencyKey(ctx context.Context, key string, resourceID int64) error
	GetIdempotencyKey(ctx context.Context, key string) (int64, error)
}
