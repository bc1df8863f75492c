// Package ws is the websocket transport: one Session per live connection,
// and the Gateway that authenticates upgrades and routes inbound events to
// the coordinators.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parley-im/parley/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var (
	// ErrSessionClosed means the session's writer has shut down.
	ErrSessionClosed = errors.New("session closed")
	// ErrSendBufferFull means the client is not keeping up; callers treat
	// the session as unreachable.
	ErrSendBufferFull = errors.New("session send buffer full")
)

// Session is one live websocket connection for an authenticated user. It
// implements registry.Session. Outbound events go through a buffered channel
// drained by a single writer goroutine, so concurrent coordinators never
// write to the conn directly.
type Session struct {
	id          string
	userID      string
	username    string
	userAgent   string
	connectedAt time.Time

	conn    *websocket.Conn
	send    chan wire.Event
	limiter *rate.Limiter
	logger  *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(conn *websocket.Conn, userID, username, userAgent string, limiter *rate.Limiter, logger *zap.Logger) *Session {
	return &Session{
		id:          uuid.NewString(),
		userID:      userID,
		username:    username,
		userAgent:   userAgent,
		connectedAt: time.Now(),
		conn:        conn,
		send:        make(chan wire.Event, sendBufferSize),
		limiter:     limiter,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user id.
func (s *Session) UserID() string { return s.userID }

// Username returns the authenticated username.
func (s *Session) Username() string { return s.username }

// UserAgent returns the client's user-agent string, diagnostic only.
func (s *Session) UserAgent() string { return s.userAgent }

// ConnectedAt returns when the session was established.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Send queues an event for the writer goroutine. It never blocks: a closed
// session or a full buffer is an error, and callers fall back to the offline
// path.
func (s *Session) Send(evt wire.Event) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- evt:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close tears down the transport. Safe to call more than once; the displaced
// session on a reconnect and the normal disconnect path may race here.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// writePump drains the send channel onto the conn and keeps the connection
// alive with pings. Runs as the session's single writer goroutine.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case evt := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump decodes inbound envelopes and hands them to the gateway router.
// Returns when the connection dies; the gateway runs disconnect cleanup.
func (s *Session) readPump(g *Gateway) {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var evt wire.Event
		if err := s.conn.ReadJSON(&evt); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error",
					zap.String("user_id", s.userID), zap.Error(err))
			}
			return
		}
		if !s.limiter.Allow() {
			_ = s.Send(wire.NewError(wire.CodeInvalidPayload, "rate limit exceeded"))
			continue
		}
		g.dispatch(s, evt)
	}
}
