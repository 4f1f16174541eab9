// Package client implements the board client's side of the sync protocol:
// the reconnecting connection session and the speculative task cache it
// reconciles against authoritative events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/lupamo/realtime-collab/internal/event"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

var (
	// ErrAuthRequired is returned by Connect when no credential is set;
	// no connection attempt is made.
	ErrAuthRequired = errors.New("auth credential required")
	// ErrNotConnected rejects sends outside the Connected state. Nothing
	// is queued across reconnects; callers re-issue intents once
	// reconnected.
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("session closed")
)

// Conn is the transport surface the state machine drives. Tests feed
// synthetic implementations; production uses WebsocketDialer.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens one transport connection using the given credential.
type Dialer func(ctx context.Context, token string) (Conn, error)

type Options struct {
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	return o
}

// Session is the client connection state machine:
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Disconnected
//
// Disconnected is terminal only after explicit Close or after the reconnect
// budget is spent; a manual Connect starts it again.
type Session struct {
	dial   Dialer
	token  string
	opts   Options
	cache  *Cache
	logger *zap.Logger

	onEvent func(event.Envelope)
	onState func(State)

	mu       sync.Mutex
	state    State
	attempts int
	rooms    map[int64]struct{}
	conn     Conn
	closed   bool
}

func NewSession(dial Dialer, token string, cache *Cache, opts Options, logger *zap.Logger) *Session {
	return &Session{
		dial:   dial,
		token:  token,
		opts:   opts.withDefaults(),
		cache:  cache,
		logger: logger,
		state:  Disconnected,
		rooms:  make(map[int64]struct{}),
	}
}

// WebsocketDialer dials the server's /ws endpoint with the credential in the
// query string.
func WebsocketDialer(url string) Dialer {
	return func(ctx context.Context, token string) (Conn, error) {
		c, _, err := websocket.Dial(ctx, url+"?token="+token, nil)
		if err != nil {
			return nil, err
		}
		return wsConn{c: c}, nil
	}
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// OnEvent registers the consumer callback for inbound events. Set before
// Connect.
func (s *Session) OnEvent(fn func(event.Envelope)) { s.onEvent = fn }

// OnState registers a state-transition observer. Set before Connect.
func (s *Session) OnState(fn func(State)) { s.onState = fn }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed && s.onState != nil {
		s.onState(st)
	}
}

// Connect drives the machine to Connected, waiting out backoff delays for
// failed attempts. It fails immediately with ErrAuthRequired when no
// credential is set, and returns the last dial error once the attempt budget
// is spent (terminal Disconnected, manual retry required).
func (s *Session) Connect(ctx context.Context) error {
	if s.token == "" {
		return ErrAuthRequired
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.attempts = 0
	s.mu.Unlock()

	s.setState(Connecting)
	if err := s.dialOnce(ctx); err != nil {
		return s.reconnectLoop(ctx, err)
	}
	return nil
}

// dialOnce runs one Connecting cycle: dial with a handshake timeout and, on
// success, reset the attempt counter, rejoin the active rooms and start the
// read loop.
func (s *Session) dialOnce(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	conn, err := s.dial(dctx, s.token)
	cancel()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		// Close raced the dial; never install the conn.
		s.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.attempts = 0
	s.state = Connected
	s.mu.Unlock()
	if s.onState != nil {
		s.onState(Connected)
	}

	if err := s.rejoin(ctx, conn); err != nil {
		s.logger.Warn("rejoin after connect failed", zap.Error(err))
	}
	go s.readLoop(ctx, conn)
	return nil
}

// reconnectLoop waits out the backoff, re-dials, and repeats until Connected
// or the attempt budget is spent (terminal Disconnected, manual retry
// required). The backoff doubles per cycle and never exceeds the cap.
func (s *Session) reconnectLoop(ctx context.Context, lastErr error) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		attempt := s.attempts
		if attempt >= s.opts.MaxAttempts {
			s.mu.Unlock()
			s.logger.Warn("connection lost: reconnect attempts exhausted",
				zap.Int("attempts", attempt),
				zap.Error(lastErr),
			)
			s.setState(Disconnected)
			return fmt.Errorf("connection lost after %d attempts: %w", attempt, lastErr)
		}
		s.attempts++
		s.mu.Unlock()

		s.setState(Reconnecting)
		select {
		case <-ctx.Done():
			s.setState(Disconnected)
			return ctx.Err()
		case <-time.After(s.backoff(attempt)):
		}

		// Close issued during the wait stays terminal; no redial.
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		s.mu.Unlock()

		s.setState(Connecting)
		if err := s.dialOnce(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
}

// backoff grows exponentially from the base delay and never exceeds the cap.
func (s *Session) backoff(attempt int) time.Duration {
	d := s.opts.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= s.opts.MaxDelay {
			return s.opts.MaxDelay
		}
	}
	if d > s.opts.MaxDelay {
		return s.opts.MaxDelay
	}
	return d
}

func (s *Session) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}

			// Transport-level failure: reconnect with backoff.
			if err := s.reconnectLoop(ctx, err); err != nil {
				s.logger.Warn("reconnect failed", zap.Error(err))
			}
			return
		}

		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("dropping malformed event", zap.Error(err))
			continue
		}
		if s.cache != nil {
			if err := s.cache.ApplyEvent(env); err != nil {
				s.logger.Warn("cache reconcile failed", zap.String("type", string(env.Type)), zap.Error(err))
			}
		}
		if s.onEvent != nil {
			s.onEvent(env)
		}
	}
}

// rejoin re-issues join_project for every room that was active before the
// disconnect. The server re-snapshots presence on every join, so nothing is
// assumed to have survived the gap.
func (s *Session) rejoin(ctx context.Context, conn Conn) error {
	s.mu.Lock()
	rooms := make([]int64, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()

	for _, id := range rooms {
		if err := writeIntent(ctx, conn, event.JoinProject, event.JoinProjectData{ProjectID: id}); err != nil {
			return err
		}
	}
	return nil
}

// JoinProject subscribes to a project's room and remembers it for rejoin
// after reconnects.
func (s *Session) JoinProject(ctx context.Context, projectID int64) error {
	if err := s.send(ctx, event.JoinProject, event.JoinProjectData{ProjectID: projectID}); err != nil {
		return err
	}
	s.mu.Lock()
	s.rooms[projectID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// MoveCursor publishes the local cursor position.
func (s *Session) MoveCursor(ctx context.Context, x, y float64, taskID *int64) error {
	return s.send(ctx, event.CursorMove, event.CursorMoveData{X: x, Y: y, TaskID: taskID})
}

func (s *Session) send(ctx context.Context, typ event.Type, data any) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == Connected
	s.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return writeIntent(ctx, conn, typ, data)
}

func writeIntent(ctx context.Context, conn Conn, typ event.Type, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(event.Envelope{Type: typ, Data: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, frame)
}

// Close ends the session for good; the machine goes Disconnected and stays
// there.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.setState(Disconnected)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
