// Package bridge fans committed change events across server processes over
// Redis pub/sub. Local members are delivered synchronously through the room
// registry; the Redis leg exists so that every process's rooms see mutations
// committed by any other process.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lupamo/realtime-collab/internal/event"
)

// Channel carries every committed change event, mirroring the original
// task-service -> websocket-service pipeline.
const Channel = "task_events"

// Local is the in-process fan-out target (the room registry).
type Local interface {
	Publish(ev event.Event)
}

type Bridge struct {
	node   string
	rc     *redis.Client
	local  Local
	logger *zap.Logger

	mu    sync.Mutex
	rooms map[int64]*sync.Mutex
}

func New(rc *redis.Client, local Local, logger *zap.Logger) *Bridge {
	return &Bridge{
		node:   uuid.NewString(),
		rc:     rc,
		local:  local,
		logger: logger,
		rooms:  make(map[int64]*sync.Mutex),
	}
}

// Publish delivers locally first (synchronously, preserving per-room order
// for this process) and then ships the event to the other processes.
// Publishers to the same room are serialized so remote processes see the
// same per-room order as local members. Redis delivery is best-effort: a
// failed publish is logged, never blocks the mutation path's result.
func (b *Bridge) Publish(ev event.Event) {
	lock := b.roomLock(ev.Room)
	lock.Lock()
	defer lock.Unlock()

	b.local.Publish(ev)

	data, err := json.Marshal(ev.Data)
	if err != nil {
		b.logger.Error("failed to marshal event for bridge", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	payload, err := json.Marshal(event.Wire{
		Node:   b.node,
		Room:   ev.Room,
		Origin: ev.Origin,
		Type:   ev.Type,
		Data:   data,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		b.logger.Error("failed to marshal wire envelope", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rc.Publish(ctx, Channel, payload).Err(); err != nil {
		b.logger.Error("failed to publish to redis", zap.Error(err))
	}
}

func (b *Bridge) roomLock(roomID int64) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.rooms[roomID]
	if !ok {
		lock = &sync.Mutex{}
		b.rooms[roomID] = lock
	}
	return lock
}

// Run subscribes to the event channel and fans foreign events into the local
// registry until the context is done. A closed pub/sub channel is re-opened
// after a short pause.
func (b *Bridge) Run(ctx context.Context) {
	for {
		sub := b.rc.Subscribe(ctx, Channel)
		ch := sub.Channel()

	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				b.handle(msg.Payload)
			}
		}

		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func (b *Bridge) handle(payload string) {
	var w event.Wire
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		b.logger.Error("unable to parse bridge message", zap.Error(err))
		return
	}
	if w.Node == b.node {
		// Already delivered synchronously in Publish.
		return
	}
	b.local.Publish(event.Event{
		Type:   w.Type,
		Room:   w.Room,
		Origin: w.Origin,
		Data:   w.Data,
	})
}
