// Package service implements the optimistic concurrency protocol: every task
// mutation goes through a single conditional store write, and every commit is
// broadcast as a full-state change event before the caller sees the result.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lupamo/realtime-collab/internal/event"
	"github.com/lupamo/realtime-collab/internal/model"
	"github.com/lupamo/realtime-collab/internal/repo"
)

var (
	ErrValidation = errors.New("validation error")
	// ErrStoreTimeout means the conditional write did not complete in time.
	// No write occurred; the caller may retry with the same expected version.
	ErrStoreTimeout = errors.New("store timeout")
)

// Publisher fans a committed change event out to room members.
type Publisher interface {
	Publish(ev event.Event)
}

type CreateTaskRequest struct {
	ProjectID   int64      `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssigneeID  *int64     `json:"assignee_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

type SyncService struct {
	store   repo.TaskStore
	pub     Publisher
	timeout time.Duration
	logger  *zap.Logger
}

func NewSyncService(store repo.TaskStore, pub Publisher, timeout time.Duration, logger *zap.Logger) *SyncService {
	return &SyncService{store: store, pub: pub, timeout: timeout, logger: logger}
}

// Apply performs one optimistic mutation. On a version race it returns
// *repo.ConflictError carrying the authoritative task; the protocol never
// auto-merges. On success the broadcast is dispatched before Apply returns,
// so the originator's confirmation can never precede the room fan-out.
func (s *SyncService) Apply(ctx context.Context, origin string, id int64, patch model.TaskPatch, expectedVersion int) (model.Task, error) {
	if patch.Empty() {
		return model.Task{}, ErrValidation
	}
	if err := validatePatch(patch); err != nil {
		return model.Task{}, err
	}
	if expectedVersion < 1 {
		return model.Task{}, ErrValidation
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	task, err := s.store.ConditionalUpdate(ctx, id, patch, expectedVersion)
	if err != nil {
		return model.Task{}, s.mapStoreError(err)
	}

	s.pub.Publish(event.NewTaskUpdated(task, origin))
	return task, nil
}

// Create inserts a task at version 1. An idempotency key makes retried
// creates return the originally created task instead of a duplicate.
func (s *SyncService) Create(ctx context.Context, origin string, req CreateTaskRequest, idempKey string) (model.Task, error) {
	t := model.Task{
		ProjectID:   req.ProjectID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		AssigneeID:  req.AssigneeID,
		DueDate:     req.DueDate,
	}
	if t.Status == "" {
		t.Status = model.StatusTodo
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	if t.Title == "" || t.ProjectID == 0 {
		return t, ErrValidation
	}
	if !model.ValidStatus(t.Status) || !model.ValidPriority(t.Priority) {
		return t, ErrValidation
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if idempKey != "" {
		existingID, err := s.store.GetIdempotencyKey(ctx, idempKey)
		switch {
		case err == nil:
			return s.store.Get(ctx, existingID)
		case !errors.Is(err, repo.ErrNotFound):
			// A failed lookup must not defeat the key and create a
			// duplicate; the caller retries.
			return t, s.mapStoreError(err)
		}
	}

	task, err := s.store.Create(ctx, t)
	if err != nil {
		return task, s.mapStoreError(err)
	}

	if idempKey != "" {
		if err := s.store.SaveIdempotencyKey(ctx, idempKey, task.ID); err != nil {
			s.logger.Warn("failed to save idempotency key", zap.String("key", idempKey), zap.Error(err))
		}
	}

	s.pub.Publish(event.NewTaskCreated(task, origin))
	return task, nil
}

// Delete requires no version precondition beyond existence.
func (s *SyncService) Delete(ctx context.Context, origin string, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	task, err := s.store.Delete(ctx, id)
	if err != nil {
		return s.mapStoreError(err)
	}

	s.pub.Publish(event.NewTaskDeleted(task, origin))
	return nil
}

func (s *SyncService) Get(ctx context.Context, id int64) (model.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.Get(ctx, id)
}

func (s *SyncService) mapStoreError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrStoreTimeout
	}
	return err
}

func validatePatch(p model.TaskPatch) error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return ErrValidation
	}
	if p.Status != nil && !model.ValidStatus(*p.Status) {
		return ErrValidation
	}
	if p.Priority != nil && !model.ValidPriority(*p.Priority) {
		return ErrValidation
	}
	return nil
}
