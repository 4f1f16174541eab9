// Package room keeps the per-project membership sets and fans committed
// change events out to every subscribed session. All membership mutation and
// publishing for one room happens under that room's lock, which is what gives
// members a single total order of events per room.
package room

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lupamo/realtime-collab/internal/event"
	"github.com/lupamo/realtime-collab/internal/model"
)

// Subscriber is one connected session. Enqueue must not block: it either
// accepts the event, sheds a non-critical one to make space, or reports
// overflow so the broadcaster can disconnect the session instead of silently
// losing a task event.
type Subscriber interface {
	ID() string
	User() model.User
	Enqueue(ev event.Event) error
	// Kick tears the session down; called off the room lock when a
	// critical event could not be enqueued.
	Kick(reason string)
}

// Snapshotter supplies the presence snapshot delivered to a joining session.
type Snapshotter interface {
	Snapshot(roomID int64) []event.PresenceData
}

type Stats struct {
	Rooms    int `json:"rooms"`
	Members  int `json:"members"`
	Presence int `json:"presence"`
}

type room struct {
	mu sync.Mutex
	// dead is set atomically with the registry-map delete; a joiner that
	// fetched this room before the delete must retry on a fresh one.
	dead    bool
	members map[string]Subscriber
}

// Registry maps project ids to live rooms. Rooms are created lazily on the
// first join and discarded when the last member leaves; the registry holds no
// durable state and is safe to lose on restart.
type Registry struct {
	mu       sync.Mutex
	rooms    map[int64]*room
	snapshot Snapshotter
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		rooms:  make(map[int64]*room),
		logger: logger,
	}
}

// SetSnapshot wires the presence tracker in after construction; the tracker
// publishes through the registry, so the two are connected both ways.
func (g *Registry) SetSnapshot(s Snapshotter) {
	g.mu.Lock()
	g.snapshot = s
	g.mu.Unlock()
}

func (g *Registry) get(roomID int64, create bool) *room {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if !ok && create {
		r = &room{members: make(map[string]Subscriber)}
		g.rooms[roomID] = r
	}
	return r
}

// Join adds the session to the room, announces it to every member (the
// joiner included) and hands the joiner the current presence snapshot so it
// never needs a separate fetch. Re-joins after a reconnect go through the
// same path on purpose: the snapshot is the continuity mechanism.
func (g *Registry) Join(sub Subscriber, roomID int64) {
	g.mu.Lock()
	snap := g.snapshot
	g.mu.Unlock()

	var failed []Subscriber
	for {
		r := g.get(roomID, true)

		r.mu.Lock()
		if r.dead {
			// Lost the race with the last leave's discard.
			r.mu.Unlock()
			continue
		}
		r.members[sub.ID()] = sub
		joined := event.Event{Type: event.UserJoined, Room: roomID, Data: event.UserJoinedData{User: sub.User()}}
		failed = r.deliver(joined)

		if snap != nil {
			for _, p := range snap.Snapshot(roomID) {
				// Best-effort: presence is reconstructible, never kicks.
				_ = sub.Enqueue(event.Event{Type: event.Presence, Room: roomID, Data: p})
			}
		}
		r.mu.Unlock()
		break
	}

	g.kick(failed)

	g.logger.Debug("session joined room",
		zap.String("session", sub.ID()),
		zap.Int64("room", roomID),
	)
}

// Leave removes the session and tells the remaining members. Empty rooms are
// dropped immediately; there is no background sweep for rooms.
func (g *Registry) Leave(sub Subscriber, roomID int64) {
	r := g.get(roomID, false)
	if r == nil {
		return
	}

	r.mu.Lock()
	if _, ok := r.members[sub.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, sub.ID())
	empty := len(r.members) == 0
	left := event.Event{Type: event.UserLeft, Room: roomID, Data: event.UserLeftData{UserID: sub.User().ID}}
	failed := r.deliver(left)
	r.mu.Unlock()

	if empty {
		g.mu.Lock()
		if cur, ok := g.rooms[roomID]; ok && cur == r {
			// Re-check under both locks: a join may have landed since
			// the emptiness was computed.
			r.mu.Lock()
			if len(r.members) == 0 {
				r.dead = true
				delete(g.rooms, roomID)
			}
			r.mu.Unlock()
		}
		g.mu.Unlock()
	}

	g.kick(failed)
}

// Publish delivers the event to every member of its target room. Presence
// echoes are suppressed to their origin; everything else reaches everyone,
// including the originator, whose speculative state must be reconciled
// against the authoritative result.
func (g *Registry) Publish(ev event.Event) {
	r := g.get(ev.Room, false)
	if r == nil {
		return
	}

	r.mu.Lock()
	failed := r.deliver(ev)
	r.mu.Unlock()

	g.kick(failed)
}

// deliver enqueues to every member under the room lock and returns the
// members that overflowed on a critical event. Callers kick those after
// releasing the lock.
func (r *room) deliver(ev event.Event) []Subscriber {
	var failed []Subscriber
	for id, sub := range r.members {
		if ev.Type == event.Presence && id == ev.Origin {
			continue
		}
		if err := sub.Enqueue(ev); err != nil {
			if ev.Critical() {
				failed = append(failed, sub)
			}
		}
	}
	return failed
}

// kick disconnects sessions that would otherwise miss a task event. The
// session's own teardown calls Leave for each of its rooms, so this must run
// without any room lock held.
func (g *Registry) kick(subs []Subscriber) {
	for _, sub := range subs {
		g.logger.Warn("disconnecting slow session: outbound queue full of critical events",
			zap.String("session", sub.ID()),
		)
		go sub.Kick("outbound queue overflow")
	}
}

// Stats reports live rooms and member counts for the stats endpoint.
func (g *Registry) Stats() Stats {
	g.mu.Lock()
	rooms := make([]*room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	s := Stats{Rooms: len(rooms)}
	for _, r := range rooms {
		r.mu.Lock()
		s.Members += len(r.members)
		r.mu.Unlock()
	}
	return s
}
