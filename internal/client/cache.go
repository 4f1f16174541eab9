package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lupamo/realtime-collab/internal/event"
	"github.com/lupamo/realtime-collab/internal/model"
)

var ErrUnknownTask = errors.New("unknown task")

// RollbackToken identifies one speculative mutation so it can be undone when
// the server rejects it.
type RollbackToken int64

type rollbackEntry struct {
	taskID int64
	prior  model.Task
}

// Cache is the client's speculative task store. Edits are applied locally
// before the server confirms them; a conflict or failure rolls the task back
// to its pre-edit snapshot, and authoritative events always win.
type Cache struct {
	mu      sync.Mutex
	tasks   map[int64]model.Task
	next    RollbackToken
	pending map[RollbackToken]rollbackEntry
}

func NewCache() *Cache {
	return &Cache{
		tasks:   make(map[int64]model.Task),
		pending: make(map[RollbackToken]rollbackEntry),
	}
}

func (c *Cache) Get(id int64) (model.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	return t, ok
}

func (c *Cache) Put(t model.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[t.ID] = t
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// ApplySpeculative applies the patch locally without touching the version
// and returns a token that undoes it. The caller submits the real mutation
// with the pre-edit version and either Commits the server result or Rolls
// back.
func (c *Cache) ApplySpeculative(id int64, patch model.TaskPatch) (RollbackToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prior, ok := c.tasks[id]
	if !ok {
		return 0, ErrUnknownTask
	}

	c.next++
	token := c.next
	c.pending[token] = rollbackEntry{taskID: id, prior: prior}
	c.tasks[id] = patch.ApplyTo(prior)
	return token, nil
}

// Rollback restores the pre-edit snapshot. The user's intended change is
// kept by the caller (edit buffer), never by the cache.
func (c *Cache) Rollback(token RollbackToken) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.pending[token]
	if !ok {
		return
	}
	delete(c.pending, token)

	// The task may have been deleted or replaced by an authoritative
	// event while the mutation was in flight; never resurrect it.
	if cur, ok := c.tasks[entry.taskID]; ok && cur.Version == entry.prior.Version {
		c.tasks[entry.taskID] = entry.prior
	}
}

// Commit settles a speculative edit with the authoritative server result.
func (c *Cache) Commit(token RollbackToken, server model.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, token)
	c.tasks[server.ID] = server
}

// ApplyEvent folds an authoritative change event into the cache. Full-state
// payloads mean a client that missed an event still converges here.
func (c *Cache) ApplyEvent(env event.Envelope) error {
	switch env.Type {
	case event.TaskCreated, event.TaskUpdated:
		var t model.Task
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		c.mu.Lock()
		// Stale events (older version than what we hold) never regress
		// the cache.
		if cur, ok := c.tasks[t.ID]; !ok || t.Version >= cur.Version {
			c.tasks[t.ID] = t
		}
		c.mu.Unlock()

	case event.TaskDeleted:
		var d event.TaskDeletedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		c.mu.Lock()
		delete(c.tasks, d.TaskID)
		c.mu.Unlock()
	}
	return nil
}

// Reconcile is the pure reconciliation rule for one speculative edit: the
// server result is authoritative when present; otherwise the speculative
// patch over the base state stands.
func Reconcile(base model.Task, patch model.TaskPatch, server *model.Task) model.Task {
	if server != nil {
		return *server
	}
	return patch.ApplyTo(base)
}
