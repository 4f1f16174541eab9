// Package ws owns the server side of a client socket: the authenticated
// handshake, inbound intent decoding and the bounded outbound delivery queue.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lupamo/realtime-collab/internal/event"
	"github.com/lupamo/realtime-collab/internal/model"
	"github.com/lupamo/realtime-collab/internal/presence"
	"github.com/lupamo/realtime-collab/internal/room"
)

var (
	// ErrQueueOverflow means the outbound queue is full of critical events;
	// the broadcaster disconnects the session rather than drop one.
	ErrQueueOverflow = errors.New("outbound queue overflow")
	ErrSessionClosed = errors.New("session closed")
)

// Session is one connected client. It owns no task data, only the socket,
// its room memberships and the outbound queue.
type Session struct {
	id      string
	user    model.User
	conn    *websocket.Conn
	reg     *room.Registry
	tracker *presence.Tracker
	logger  *zap.Logger

	writeTimeout time.Duration
	maxQueue     int

	mu     sync.Mutex
	queue  []event.Event
	rooms  map[int64]struct{}
	closed bool

	notify    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

func NewSession(conn *websocket.Conn, user model.User, reg *room.Registry, tracker *presence.Tracker,
	queueSize int, writeTimeout time.Duration, logger *zap.Logger) *Session {
	return &Session{
		id:           uuid.NewString(),
		user:         user,
		conn:         conn,
		reg:          reg,
		tracker:      tracker,
		logger:       logger,
		writeTimeout: writeTimeout,
		maxQueue:     queueSize,
		rooms:        make(map[int64]struct{}),
		notify:       make(chan struct{}, 1),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) User() model.User { return s.user }

// Enqueue queues an event for delivery without blocking the broadcaster.
// When the queue is full the oldest non-critical event is shed first. Task
// events are never dropped: a queue full of critical events reports
// overflow instead, and the caller disconnects the session.
func (s *Session) Enqueue(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if len(s.queue) >= s.maxQueue {
		shed := -1
		for i := range s.queue {
			if !s.queue[i].Critical() {
				shed = i
				break
			}
		}
		if shed < 0 {
			if ev.Critical() {
				return ErrQueueOverflow
			}
			// Queue is all task events; shed the incoming
			// presence-class event instead.
			return nil
		}
		s.queue = append(s.queue[:shed], s.queue[shed+1:]...)
	}

	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the session until the socket drops. The caller's context
// bounds both loops.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.writeLoop(ctx)
	s.readLoop(ctx)
}

func (s *Session) readLoop(ctx context.Context) {
	defer s.close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.logger.Debug("session read closed", zap.String("session", s.id), zap.Error(err))
			return
		}

		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError("invalid message")
			continue
		}
		s.handleIntent(env)
	}
}

func (s *Session) handleIntent(env event.Envelope) {
	switch env.Type {
	case event.JoinProject:
		var d event.JoinProjectData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.ProjectID <= 0 {
			s.sendError("invalid join_project payload")
			return
		}
		s.mu.Lock()
		s.rooms[d.ProjectID] = struct{}{}
		s.mu.Unlock()

		s.reg.Join(s, d.ProjectID)
		// Heartbeat so the sweep sees the user immediately.
		s.tracker.Touch(d.ProjectID, s.user.ID, s.id, nil)

	case event.CursorMove:
		var d event.CursorMoveData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			s.sendError("invalid cursor_move payload")
			return
		}
		for _, roomID := range s.joinedRooms() {
			s.tracker.Touch(roomID, s.user.ID, s.id, &event.PresenceData{
				UserID: s.user.ID,
				X:      d.X,
				Y:      d.Y,
				TaskID: d.TaskID,
			})
		}

	default:
		s.sendError("unknown message type")
	}
}

func (s *Session) joinedRooms() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.queue
			s.queue = nil
			s.mu.Unlock()

			for _, ev := range batch {
				data, err := ev.Marshal()
				if err != nil {
					s.logger.Error("failed to marshal event", zap.String("type", string(ev.Type)), zap.Error(err))
					continue
				}

				wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
				err = s.conn.Write(wctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.close(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}
}

func (s *Session) sendError(msg string) {
	_ = s.Enqueue(event.NewError(msg))
}

// Kick tears the session down; used by the broadcaster when the queue
// overflows on a critical event.
func (s *Session) Kick(reason string) {
	s.close(websocket.StatusPolicyViolation, reason)
}

// close is idempotent: it marks the queue closed, leaves every joined room
// (announcing user_left), drops presence and shuts the socket.
func (s *Session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		rooms := make([]int64, 0, len(s.rooms))
		for id := range s.rooms {
			rooms = append(rooms, id)
		}
		cancel := s.cancel
		s.mu.Unlock()

		for _, roomID := range rooms {
			s.tracker.Remove(roomID, s.user.ID)
			s.reg.Leave(s, roomID)
		}

		_ = s.conn.Close(code, reason)
		if cancel != nil {
			cancel()
		}

		s.logger.Info("session closed",
			zap.String("session", s.id),
			zap.Int64("user", s.user.ID),
			zap.String("reason", reason),
		)
	})
}
