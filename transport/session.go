package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaywave/gateway/logger"
)

// WebSocket keepalive timing. Mirrors the values gorilla's own chat
// example recommends: the ping period must stay comfortably under the
// pong wait so a missed beat doesn't trip the deadline.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 * 1024 * 1024
)

// sendBuffer is the depth of a session's outbound channel. A session that
// can't drain this many queued frames is considered slow and is dropped
// by the broadcast worker.
const sendBuffer = 256

// Session is one connected client: its socket, its identity, and the
// channels the broadcast worker and read/write pumps coordinate over.
type Session struct {
	hub  *Hub
	conn *websocket.Conn
	id   string

	send chan []byte

	// Identity fields are attached by the caller right after the
	// handshake (auth.Identity embeds exactly what's needed); kept as
	// plain fields here so transport has no import-time dependency on
	// the auth package.
	UserID   string
	Email    string
	Name     string
	ClientIP string

	// data, reached through Set and Get, is free for domain handlers to
	// stash per-session state in
	// (e.g. which note a session currently has open) without transport
	// needing to know what it means.
	mu   sync.Mutex
	data map[string]interface{}

	onDisconnect func(*Session)

	closeOnce sync.Once
	log       *zap.SugaredLogger
}

// NewSession wraps an upgraded connection. Start then registers it with
// the hub and launches its pumps.
func NewSession(hub *Hub, conn *websocket.Conn) *Session {
	return &Session{
		hub:  hub,
		conn: conn,
		id:   uuid.NewString(),
		send: make(chan []byte, sendBuffer),
		data: make(map[string]interface{}),
		log:  logger.ComponentLogger("transport.session"),
	}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// OnDisconnect registers a callback invoked once, after the session is
// removed from the hub and every room it belonged to. Domain handlers use
// this to run their own disconnect/grace logic.
func (s *Session) OnDisconnect(fn func(*Session)) { s.onDisconnect = fn }

// Set stashes a value in the session's scratch space.
func (s *Session) Set(key string, value interface{}) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

// Get retrieves a value previously stored with Set.
func (s *Session) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Start registers the session with the hub and launches its read and
// write pumps. It blocks until the read pump exits (i.e. until the
// connection closes), so callers should invoke it from its own goroutine
// per accepted connection (the HTTP handler's goroutine is exactly that).
func (s *Session) Start(ctx context.Context) {
	s.hub.register <- s
	go s.writePump(ctx)
	s.readPump(ctx)
}

func (s *Session) readPump(ctx context.Context) {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warnw("malformed event envelope", "session_id", s.id, "error", err.Error())
			continue
		}

		handler, ok := s.hub.handlers[env.Type]
		if !ok {
			s.log.Debugw("unknown event type", "type", env.Type, "session_id", s.id)
			continue
		}

		// Per-session serialization: the read pump is the only goroutine
		// calling handlers for this session, so events from one sender
		// are always delivered to its handlers in order.
		handler(ctx, s, env.Payload)
	}
}

func (s *Session) handleReadError(err error) {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		s.log.Infow("session closed", "session_id", s.id, "code", closeErr.Code, "text", closeErr.Text)
		return
	}
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		s.log.Warnw("session read error", "session_id", s.id, "error", err.Error())
	}
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hub.ctx.Done():
			return
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			s.conn.EnableWriteCompression(len(data) > compressThreshold)
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.Warnw("session write error", "session_id", s.id, "error", err.Error())
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendError unicasts a typed error event to this session only, per the
// error handling design: handler-layer failures never disturb other
// sessions.
func (s *Session) SendError(message string, details interface{}) {
	s.hub.Unicast(s, "error", ErrorPayload{Message: message, Details: details})
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","payload":{"message":"internal encode failure"}}`)
	}
	return data
}
