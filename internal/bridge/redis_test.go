package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lupamo/realtime-collab/internal/event"
	"github.com/lupamo/realtime-collab/internal/model"
)

type recordingLocal struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *recordingLocal) Publish(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingLocal) snapshot() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Event, len(l.events))
	copy(out, l.events)
	return out
}

func setupBridge(t *testing.T) (*Bridge, *recordingLocal, *redis.Client) {
	t.Helper()

	srv := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	local := &recordingLocal{}
	return New(rc, local, zap.NewNop()), local, rc
}

func TestBridge_PublishDeliversLocallyFirst(t *testing.T) {
	b, local, _ := setupBridge(t)

	task := model.Task{ID: 1, ProjectID: 7, Title: "Fix login flow", Version: 2}
	b.Publish(event.NewTaskUpdated(task, "s1"))

	evs := local.snapshot()
	require.Len(t, evs, 1, "local delivery is synchronous")
	assert.Equal(t, event.TaskUpdated, evs[0].Type)
	assert.Equal(t, int64(7), evs[0].Room)
	assert.Equal(t, "s1", evs[0].Origin)
}

func TestBridge_PublishShipsWireEnvelope(t *testing.T) {
	b, _, rc := setupBridge(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := rc.Subscribe(ctx, Channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	task := model.Task{ID: 1, ProjectID: 7, Title: "Fix login flow", Version: 2}
	b.Publish(event.NewTaskUpdated(task, "s1"))

	select {
	case msg := <-sub.Channel():
		var w event.Wire
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &w))
		assert.Equal(t, event.TaskUpdated, w.Type)
		assert.Equal(t, int64(7), w.Room)
		assert.Equal(t, "s1", w.Origin)
		assert.NotEmpty(t, w.Node)
		assert.False(t, w.SentAt.IsZero())

		var got model.Task
		require.NoError(t, json.Unmarshal(w.Data, &got))
		assert.Equal(t, task, got)
	case <-time.After(5 * time.Second):
		t.Fatal("wire envelope never reached redis")
	}
}

// Concurrent publishers to the same room must reach the wire in the same
// order local members saw them.
func TestBridge_WireOrderMatchesLocalOrder(t *testing.T) {
	b, local, rc := setupBridge(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := rc.Subscribe(ctx, Channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	const publishers = 20
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(version int) {
			defer wg.Done()
			b.Publish(event.NewTaskUpdated(model.Task{ID: 1, ProjectID: 7, Version: version}, ""))
		}(i + 2)
	}
	wg.Wait()

	var wireVersions []int
	for len(wireVersions) < publishers {
		select {
		case msg := <-sub.Channel():
			var w event.Wire
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &w))
			var task model.Task
			require.NoError(t, json.Unmarshal(w.Data, &task))
			wireVersions = append(wireVersions, task.Version)
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d events reached the wire", len(wireVersions), publishers)
		}
	}

	localVersions := make([]int, 0, publishers)
	for _, ev := range local.snapshot() {
		localVersions = append(localVersions, ev.Data.(model.Task).Version)
	}
	assert.Equal(t, localVersions, wireVersions)
}

func TestBridge_ForeignEventsFanIn(t *testing.T) {
	b, local, rc := setupBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Give the subscriber a moment to attach.
	require.Eventually(t, func() bool {
		n, err := rc.PubSubNumSub(ctx, Channel).Result()
		return err == nil && n[Channel] > 0
	}, 5*time.Second, 10*time.Millisecond)

	data, err := json.Marshal(model.Task{ID: 1, ProjectID: 7, Version: 3})
	require.NoError(t, err)
	payload, err := json.Marshal(event.Wire{
		Node:   "other-node",
		Room:   7,
		Type:   event.TaskUpdated,
		Data:   data,
		SentAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, rc.Publish(ctx, Channel, payload).Err())

	require.Eventually(t, func() bool {
		return len(local.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	ev := local.snapshot()[0]
	assert.Equal(t, event.TaskUpdated, ev.Type)
	assert.Equal(t, int64(7), ev.Room)
}

func TestBridge_SkipsOwnMessages(t *testing.T) {
	b, local, rc := setupBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.Eventually(t, func() bool {
		n, err := rc.PubSubNumSub(ctx, Channel).Result()
		return err == nil && n[Channel] > 0
	}, 5*time.Second, 10*time.Millisecond)

	task := model.Task{ID: 1, ProjectID: 7, Version: 2}
	b.Publish(event.NewTaskUpdated(task, ""))

	// The local registry must see the event exactly once: the synchronous
	// delivery, never the pub/sub echo.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, local.snapshot(), 1)
}

func TestBridge_IgnoresMalformedPayloads(t *testing.T) {
	b, local, rc := setupBridge(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.Eventually(t, func() bool {
		n, err := rc.PubSubNumSub(ctx, Channel).Result()
		return err == nil && n[Channel] > 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, rc.Publish(ctx, Channel, "{not json").Err())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, local.snapshot())
}
