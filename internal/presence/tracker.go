// Package presence tracks who is active in each room and where their cursor
// is. Records are process-local and expire after a liveness window; the sweep
// ticker is the only background timer in the sync core.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lupamo/realtime-collab/internal/event"
)

// Publisher delivers presence and eviction events to room members.
type Publisher interface {
	Publish(ev event.Event)
}

type record struct {
	userID     int64
	origin     string
	cursor     *event.PresenceData
	lastSeen   time.Time
	lastSent   time.Time
	flushArmed bool
}

type Tracker struct {
	mu    sync.Mutex
	rooms map[int64]map[int64]*record

	pub      Publisher
	throttle time.Duration
	ttl      time.Duration
	interval time.Duration
	logger   *zap.Logger

	// now is swappable so tests can drive the clock.
	now func() time.Time

	wg   sync.WaitGroup
	stop chan struct{}
}

func NewTracker(pub Publisher, throttle, ttl, interval time.Duration, logger *zap.Logger) *Tracker {
	return &Tracker{
		rooms:    make(map[int64]map[int64]*record),
		pub:      pub,
		throttle: throttle,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Touch upserts the user's presence record and rebroadcasts it to the room.
// Broadcasts are throttled to one per user per throttle window; positions
// arriving inside the window coalesce and the latest one flushes when the
// window closes.
func (t *Tracker) Touch(roomID, userID int64, origin string, cursor *event.PresenceData) {
	t.mu.Lock()
	room, ok := t.rooms[roomID]
	if !ok {
		room = make(map[int64]*record)
		t.rooms[roomID] = room
	}
	rec, ok := room[userID]
	if !ok {
		rec = &record{userID: userID}
		room[userID] = rec
	}
	rec.origin = origin
	rec.lastSeen = t.now()
	if cursor != nil {
		cursor.UserID = userID
		rec.cursor = cursor
	}

	if rec.cursor == nil {
		// Heartbeat only, nothing to broadcast.
		t.mu.Unlock()
		return
	}

	since := t.now().Sub(rec.lastSent)
	if since >= t.throttle {
		rec.lastSent = t.now()
		ev := event.Event{Type: event.Presence, Room: roomID, Origin: origin, Data: *rec.cursor}
		t.mu.Unlock()
		t.pub.Publish(ev)
		return
	}

	// Inside the window: arm one flush for the latest coalesced position.
	if !rec.flushArmed {
		rec.flushArmed = true
		time.AfterFunc(t.throttle-since, func() { t.flush(roomID, userID) })
	}
	t.mu.Unlock()
}

func (t *Tracker) flush(roomID, userID int64) {
	t.mu.Lock()
	rec, ok := t.lookup(roomID, userID)
	if !ok || rec.cursor == nil {
		t.mu.Unlock()
		return
	}
	rec.flushArmed = false
	rec.lastSent = t.now()
	ev := event.Event{Type: event.Presence, Room: roomID, Origin: rec.origin, Data: *rec.cursor}
	t.mu.Unlock()
	t.pub.Publish(ev)
}

func (t *Tracker) lookup(roomID, userID int64) (*record, bool) {
	room, ok := t.rooms[roomID]
	if !ok {
		return nil, false
	}
	rec, ok := room[userID]
	return rec, ok
}

// Snapshot returns the room's current presence records; delivered to joining
// sessions so they never need a separate fetch.
func (t *Tracker) Snapshot(roomID int64) []event.PresenceData {
	t.mu.Lock()
	defer t.mu.Unlock()

	room := t.rooms[roomID]
	out := make([]event.PresenceData, 0, len(room))
	for userID, rec := range room {
		if rec.cursor != nil {
			out = append(out, *rec.cursor)
		} else {
			out = append(out, event.PresenceData{UserID: userID})
		}
	}
	return out
}

// Remove drops the record silently; the registry already announces the leave.
func (t *Tracker) Remove(roomID, userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[roomID]
	if !ok {
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.rooms, roomID)
	}
}

// Count reports live presence records across all rooms.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, room := range t.rooms {
		n += len(room)
	}
	return n
}

// Run sweeps stale records on a fixed interval until the context is done or
// Stop is called.
func (t *Tracker) Run(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Sweep()
			}
		}
	}()
}

func (t *Tracker) Stop() {
	close(t.stop)
	t.wg.Wait()
}

// Sweep evicts records idle past the liveness threshold and announces each
// eviction as user_left.
func (t *Tracker) Sweep() {
	type eviction struct {
		roomID int64
		userID int64
	}

	t.mu.Lock()
	cutoff := t.now().Add(-t.ttl)
	var evicted []eviction
	for roomID, room := range t.rooms {
		for userID, rec := range room {
			if rec.lastSeen.Before(cutoff) {
				delete(room, userID)
				evicted = append(evicted, eviction{roomID: roomID, userID: userID})
			}
		}
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
	t.mu.Unlock()

	for _, e := range evicted {
		t.logger.Info("evicting stale presence",
			zap.Int64("room", e.roomID),
			zap.Int64("user", e.userID),
		)
		t.pub.Publish(event.Event{
			Type: event.UserLeft,
			Room: e.roomID,
			Data: event.UserLeftData{UserID: e.userID},
		})
	}
}
