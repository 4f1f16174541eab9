package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/lupamo/realtime-collab/internal/auth"
	"github.com/lupamo/realtime-collab/internal/event"
	"github.com/lupamo/realtime-collab/internal/presence"
	"github.com/lupamo/realtime-collab/internal/room"
)

// Handler upgrades /ws requests, authenticates the handshake and hands the
// connection to a Session. An absent or invalid credential closes the
// connection with an error event before any room join is possible.
type Handler struct {
	auth    *auth.Auth
	reg     *room.Registry
	tracker *presence.Tracker
	logger  *zap.Logger

	queueSize        int
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
}

func NewHandler(a *auth.Auth, reg *room.Registry, tracker *presence.Tracker,
	queueSize int, handshakeTimeout, writeTimeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		auth:             a,
		reg:              reg,
		tracker:          tracker,
		logger:           logger,
		queueSize:        queueSize,
		handshakeTimeout: handshakeTimeout,
		writeTimeout:     writeTimeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}

	hctx, cancel := context.WithTimeout(r.Context(), h.handshakeTimeout)
	user, err := h.auth.Authenticate(credential(r))
	if err != nil {
		if data, merr := event.NewError("authentication required").Marshal(); merr == nil {
			_ = conn.Write(hctx, websocket.MessageText, data)
		}
		cancel()
		_ = conn.Close(websocket.StatusPolicyViolation, "auth required")
		return
	}
	cancel()

	sess := NewSession(conn, user, h.reg, h.tracker, h.queueSize, h.writeTimeout, h.logger)
	h.logger.Info("session connected",
		zap.String("session", sess.ID()),
		zap.Int64("user", user.ID),
	)
	sess.Run(r.Context())
}

// credential pulls the access token from the query string (browser websocket
// clients cannot set headers) or the Authorization header.
func credential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
