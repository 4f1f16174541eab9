package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lupamo/realtime-collab/internal/event"
)

type recordingPub struct {
	mu     sync.Mutex
	events []event.Event
}

func (p *recordingPub) Publish(ev event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPub) snapshot() []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *recordingPub) countType(t event.Type) int {
	n := 0
	for _, ev := range p.snapshot() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// fakeClock drives the tracker's notion of time from the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(pub Publisher) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := NewTracker(pub, 50*time.Millisecond, 30*time.Second, 10*time.Second, zap.NewNop())
	tr.now = clock.Now
	return tr, clock
}

func TestTracker_TouchBroadcastsPresence(t *testing.T) {
	pub := &recordingPub{}
	tr, _ := newTestTracker(pub)

	tr.Touch(7, 1, "s1", &event.PresenceData{X: 10, Y: 20})

	evs := pub.snapshot()
	require.Len(t, evs, 1)
	assert.Equal(t, event.Presence, evs[0].Type)
	assert.Equal(t, int64(7), evs[0].Room)
	assert.Equal(t, "s1", evs[0].Origin)
	assert.Equal(t, event.PresenceData{UserID: 1, X: 10, Y: 20}, evs[0].Data)
}

func TestTracker_HeartbeatOnlyDoesNotBroadcast(t *testing.T) {
	pub := &recordingPub{}
	tr, _ := newTestTracker(pub)

	tr.Touch(7, 1, "s1", nil)

	assert.Empty(t, pub.snapshot())
	assert.Equal(t, 1, tr.Count(), "heartbeat still creates the record")
}

func TestTracker_ThrottleCoalescesToLatest(t *testing.T) {
	pub := &recordingPub{}
	tr, clock := newTestTracker(pub)

	// First position broadcasts immediately.
	tr.Touch(7, 1, "s1", &event.PresenceData{X: 1, Y: 1})
	require.Equal(t, 1, pub.countType(event.Presence))

	// Rapid movement inside the window is coalesced.
	clock.Advance(10 * time.Millisecond)
	tr.Touch(7, 1, "s1", &event.PresenceData{X: 2, Y: 2})
	clock.Advance(10 * time.Millisecond)
	tr.Touch(7, 1, "s1", &event.PresenceData{X: 3, Y: 3})
	assert.Equal(t, 1, pub.countType(event.Presence))

	// The armed flush delivers only the latest coalesced position.
	require.Eventually(t, func() bool {
		return pub.countType(event.Presence) == 2
	}, time.Second, 5*time.Millisecond)

	evs := pub.snapshot()
	last := evs[len(evs)-1]
	assert.Equal(t, event.PresenceData{UserID: 1, X: 3, Y: 3}, last.Data)
}

func TestTracker_PastWindowBroadcastsAgain(t *testing.T) {
	pub := &recordingPub{}
	tr, clock := newTestTracker(pub)

	tr.Touch(7, 1, "s1", &event.PresenceData{X: 1, Y: 1})
	clock.Advance(60 * time.Millisecond)
	tr.Touch(7, 1, "s1", &event.PresenceData{X: 2, Y: 2})

	assert.Equal(t, 2, pub.countType(event.Presence))
}

func TestTracker_Snapshot(t *testing.T) {
	pub := &recordingPub{}
	tr, _ := newTestTracker(pub)

	tr.Touch(7, 1, "s1", &event.PresenceData{X: 10, Y: 20})
	tr.Touch(7, 2, "s2", nil)
	tr.Touch(8, 3, "s3", &event.PresenceData{X: 1, Y: 1})

	snap := tr.Snapshot(7)
	require.Len(t, snap, 2)
	assert.ElementsMatch(t, []int64{1, 2}, []int64{snap[0].UserID, snap[1].UserID})

	assert.Empty(t, tr.Snapshot(99), "unknown room snapshots empty")
}

func TestTracker_Remove(t *testing.T) {
	pub := &recordingPub{}
	tr, _ := newTestTracker(pub)

	tr.Touch(7, 1, "s1", &event.PresenceData{X: 1, Y: 1})
	before := len(pub.snapshot())

	tr.Remove(7, 1)

	assert.Empty(t, tr.Snapshot(7))
	assert.Len(t, pub.snapshot(), before, "removal is silent; the registry announces the leave")
}

func TestTracker_SweepEvictsStaleAndAnnounces(t *testing.T) {
	pub := &recordingPub{}
	tr, clock := newTestTracker(pub)

	tr.Touch(7, 1, "s1", &event.PresenceData{X: 1, Y: 1})
	clock.Advance(20 * time.Second)
	tr.Touch(7, 2, "s2", &event.PresenceData{X: 2, Y: 2})

	// User 1 is now 31s idle, user 2 only 11s.
	clock.Advance(11 * time.Second)
	tr.Sweep()

	snap := tr.Snapshot(7)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(2), snap[0].UserID)

	var left []event.Event
	for _, ev := range pub.snapshot() {
		if ev.Type == event.UserLeft {
			left = append(left, ev)
		}
	}
	require.Len(t, left, 1)
	assert.Equal(t, event.UserLeftData{UserID: 1}, left[0].Data)
	assert.Equal(t, int64(7), left[0].Room)
}

func TestTracker_SweepDropsEmptyRooms(t *testing.T) {
	pub := &recordingPub{}
	tr, clock := newTestTracker(pub)

	tr.Touch(7, 1, "s1", nil)
	clock.Advance(31 * time.Second)
	tr.Sweep()

	assert.Zero(t, tr.Count())
}

func TestTracker_RunStops(t *testing.T) {
	pub := &recordingPub{}
	tr := NewTracker(pub, 50*time.Millisecond, 30*time.Second, 10*time.Millisecond, zap.NewNop())

	tr.Run(t.Context())
	time.Sleep(30 * time.Millisecond)
	tr.Stop()
}
