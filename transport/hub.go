// Package transport implements the hosted bidirectional-messaging server:
// session registration, named rooms, per-session event dispatch, and CORS
// for the upgrade handshake. A single broadcast worker owns every send to
// a client's outbound channel so that no two goroutines ever write to the
// same channel concurrently.
package transport

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaywave/gateway/logger"
)

// MaxSessions bounds the number of concurrently registered sessions. A
// connection attempted past this limit is refused at registration time.
const MaxSessions = 10000

// compressThreshold is the payload size, in bytes, above which an outbound
// write is sent using per-message deflate compression.
const compressThreshold = 1024

// Handler processes one named event for one session. Domain packages
// (presence, chat, notes, agenda) register their handlers with the hub
// during composition; the hub never knows what an event means.
type Handler func(ctx context.Context, s *Session, payload []byte)

// broadcastKind selects how a queued send is fanned out by the broadcast
// worker.
type broadcastKind int

const (
	kindUnicast broadcastKind = iota
	kindRoom
	kindRoomExceptSender
	kindClose
)

type broadcastRequest struct {
	kind    broadcastKind
	session *Session // unicast target, or sender for room-except-sender
	room    string
	data    []byte
}

// Hub is the session registry, room registry, and broadcast worker. One
// Hub serves the whole process; sessions register and unregister as
// connections come and go.
type Hub struct {
	sessions   map[*Session]bool
	rooms      *rooms
	register   chan *Session
	unregister chan *Session
	requests   chan *broadcastRequest

	handlers map[string]Handler

	// onConnect, if set, runs once per newly registered session, before
	// any of its events are dispatched. Domain handlers use this to wire
	// per-session disconnect callbacks that need a live *Session.
	onConnect func(*Session)

	mu    sync.RWMutex
	drops atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *zap.SugaredLogger

	upgrader websocket.Upgrader
}

// NewHub constructs a Hub. allowedOrigin configures the CORS/origin check
// applied to every upgrade request.
func NewHub(allowedOrigin string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		sessions:   make(map[*Session]bool),
		rooms:      newRooms(),
		register:   make(chan *Session, 64),
		unregister: make(chan *Session, 64),
		requests:   make(chan *broadcastRequest, 1024),
		handlers:   make(map[string]Handler),
		ctx:        ctx,
		cancel:     cancel,
		log:        logger.ComponentLogger("transport.hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    2048,
			WriteBufferSize:   2048,
			EnableCompression: true,
			CheckOrigin:       makeOriginChecker(allowedOrigin),
		},
	}
	return h
}

// OnEvent registers a handler for a named inbound event. Must be called
// before Run; the handler map is not safe for concurrent registration
// against dispatch.
func (h *Hub) OnEvent(eventType string, fn Handler) {
	h.handlers[eventType] = fn
}

// OnConnect registers a callback invoked once per session immediately
// after it is admitted to the hub. Must be called before Run.
func (h *Hub) OnConnect(fn func(*Session)) {
	h.onConnect = fn
}

// Run starts the broadcast worker and the hub's single-select event loop.
// It blocks until the hub's context is cancelled by Shutdown.
func (h *Hub) Run() {
	h.wg.Add(1)
	go h.runBroadcastWorker()

	for {
		select {
		case <-h.ctx.Done():
			h.log.Debugw("hub stopping")
			return
		case s := <-h.register:
			h.handleRegister(s)
		case s := <-h.unregister:
			h.handleUnregister(s)
		}
	}
}

// Shutdown cancels the hub's context, stopping Run and the broadcast
// worker, and closes every registered session.
func (h *Hub) Shutdown() {
	h.cancel()
	h.wg.Wait()
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (h *Hub) handleRegister(s *Session) {
	h.mu.Lock()
	if len(h.sessions) >= MaxSessions {
		h.mu.Unlock()
		h.log.Warnw("max sessions reached, rejecting connection", "session_id", s.id)
		s.close()
		return
	}
	h.sessions[s] = true
	total := len(h.sessions)
	h.mu.Unlock()
	h.log.Infow("session connected", "session_id", s.id, "total_sessions", total)
	if h.onConnect != nil {
		h.onConnect(s)
	}
}

func (h *Hub) handleUnregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	total := len(h.sessions)
	h.mu.Unlock()

	h.rooms.leaveAll(s)
	if s.onDisconnect != nil {
		s.onDisconnect(s)
	}
	h.log.Infow("session disconnected", "session_id", s.id, "total_sessions", total)
}

// runBroadcastWorker is the only goroutine allowed to write to a session's
// send channel, preventing races between concurrent room broadcasts and
// per-session writes.
func (h *Hub) runBroadcastWorker() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case req := <-h.requests:
			h.dispatchRequest(req)
		}
	}
}

func (h *Hub) dispatchRequest(req *broadcastRequest) {
	switch req.kind {
	case kindUnicast:
		h.deliver(req.session, req.data)
	case kindRoom:
		room, ok := h.rooms.get(req.room)
		if !ok {
			return
		}
		for _, s := range room.snapshot() {
			h.deliver(s, req.data)
		}
	case kindRoomExceptSender:
		room, ok := h.rooms.get(req.room)
		if !ok {
			return
		}
		for _, s := range room.snapshot() {
			if s == req.session {
				continue
			}
			h.deliver(s, req.data)
		}
	case kindClose:
		req.session.close()
	}
}

func (h *Hub) deliver(s *Session, data []byte) {
	select {
	case s.send <- data:
	default:
		h.drops.Add(1)
		h.log.Warnw("session send buffer full, dropping session", "session_id", s.id)
		h.removeSlowSession(s)
	}
}

// removeSlowSession is only ever called from the broadcast worker, so it
// is safe to close the session's channels directly here.
func (h *Hub) removeSlowSession(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
	} else {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.rooms.leaveAll(s)
	s.close()
}

// Unicast sends payload to exactly one session.
func (h *Hub) Unicast(s *Session, eventType string, payload interface{}) {
	env, err := Event(eventType, payload)
	if err != nil {
		h.log.Warnw("failed to marshal outbound event", "type", eventType, "error", err.Error())
		return
	}
	data := mustMarshal(env)
	h.enqueue(&broadcastRequest{kind: kindUnicast, session: s, data: data})
}

// Broadcast sends payload to every session in room, including the sender
// if it is a member (used by events like cursor_updated that echo back).
func (h *Hub) Broadcast(room string, eventType string, payload interface{}) {
	env, err := Event(eventType, payload)
	if err != nil {
		h.log.Warnw("failed to marshal outbound event", "type", eventType, "error", err.Error())
		return
	}
	data := mustMarshal(env)
	h.enqueue(&broadcastRequest{kind: kindRoom, room: room, data: data})
}

// BroadcastExcept sends payload to every session in room except sender.
func (h *Hub) BroadcastExcept(room string, sender *Session, eventType string, payload interface{}) {
	env, err := Event(eventType, payload)
	if err != nil {
		h.log.Warnw("failed to marshal outbound event", "type", eventType, "error", err.Error())
		return
	}
	data := mustMarshal(env)
	h.enqueue(&broadcastRequest{kind: kindRoomExceptSender, room: room, session: sender, data: data})
}

func (h *Hub) enqueue(req *broadcastRequest) {
	select {
	case h.requests <- req:
	case <-h.ctx.Done():
	default:
		h.log.Warnw("broadcast request queue full, dropping", "kind", req.kind, "room", req.room)
	}
}

// Join adds a session to a named room.
func (h *Hub) Join(room string, s *Session) { h.rooms.join(room, s) }

// Leave removes a session from a named room.
func (h *Hub) Leave(room string, s *Session) { h.rooms.leave(room, s) }

// RoomMembers returns the current membership of a room, for presence
// snapshots that need to know who is live right now.
func (h *Hub) RoomMembers(room string) []*Session {
	r, ok := h.rooms.get(room)
	if !ok {
		return nil
	}
	return r.snapshot()
}

func makeOriginChecker(allowedOrigin string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowedOrigin == "*" {
			return true
		}
		return origin == allowedOrigin
	}
}
