// Package notes implements the join_note/leave_note/cursor_update/
// note_content_update events: an ordered per-note member list, a
// server-authoritative cursor echo, and a 7-day shared-store content TTL.
package notes

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaywave/gateway/logger"
	"github.com/relaywave/gateway/metrics"
	"github.com/relaywave/gateway/sharedstate"
	"github.com/relaywave/gateway/transport"
)

// User is the snapshot carried alongside a session in a note's member list.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// member pairs a session id with the user snapshot active for it.
type member struct {
	SessionID string `json:"sessionId"`
	User      User   `json:"user"`
}

// noteKey identifies a note scoped to its workspace.
type noteKey struct {
	workspaceID string
	noteID      string
}

func (k noteKey) room() string { return "note:" + k.workspaceID + ":" + k.noteID }

func contentStoreKey(workspaceID, noteID string) string {
	return "note:" + workspaceID + ":" + noteID + ":content"
}

// Handler implements the note collaboration events.
type Handler struct {
	hub        *transport.Hub
	store      *sharedstate.Client
	metrics    metrics.Recorder
	contentTTL time.Duration
	log        *zap.SugaredLogger

	mu       sync.Mutex
	members  map[noteKey][]member                        // ordered per-note member list
	content  map[noteKey]string                           // local content cache
	sessions map[*transport.Session]map[noteKey]bool       // session -> notes it has open
}

// NewHandler constructs the note collaboration handler.
func NewHandler(hub *transport.Hub, store *sharedstate.Client, rec metrics.Recorder, contentTTL time.Duration) *Handler {
	return &Handler{
		hub:        hub,
		store:      store,
		metrics:    rec,
		contentTTL: contentTTL,
		log:        logger.ComponentLogger("notes"),
		members:    make(map[noteKey][]member),
		content:    make(map[noteKey]string),
		sessions:   make(map[*transport.Session]map[noteKey]bool),
	}
}

// noteUsersUpdated is the broadcast payload for note_users_updated.
type noteUsersUpdated struct {
	NoteID string   `json:"noteId"`
	Users  []member `json:"users"`
}

// JoinRequest is the inbound join_note payload.
type JoinRequest struct {
	WorkspaceID string `json:"workspaceId"`
	NoteID      string `json:"noteId"`
	User        User   `json:"user"`
}

// Join admits a session into a note's collaborative session: it replaces
// any existing entry for the same user id (idempotent reconnect), loads
// content from the local cache or, on miss, the shared store, and
// broadcasts the refreshed member list.
func (h *Handler) Join(ctx context.Context, s *transport.Session, req JoinRequest) {
	start := time.Now()
	key := noteKey{workspaceID: req.WorkspaceID, noteID: req.NoteID}

	h.mu.Lock()
	list := h.members[key]
	replaced := false
	for i, m := range list {
		if m.User.ID == req.User.ID {
			list[i] = member{SessionID: s.ID(), User: req.User}
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, member{SessionID: s.ID(), User: req.User})
	}
	h.members[key] = list
	h.trackLocked(s, key)
	content, haveLocal := h.content[key]
	h.mu.Unlock()

	if !haveLocal {
		content = h.loadContent(ctx, req.WorkspaceID, req.NoteID)
		h.mu.Lock()
		h.content[key] = content
		h.mu.Unlock()
	}

	h.hub.Join(key.room(), s)
	h.hub.Unicast(s, "note_content_loaded", map[string]string{"noteId": req.NoteID, "content": content})
	h.broadcastUsers(key)
	h.metrics.MessageProcessed("join_note", time.Since(start))
}

// LeaveRequest is the inbound leave_note payload.
type LeaveRequest struct {
	WorkspaceID string `json:"workspaceId"`
	NoteID      string `json:"noteId"`
}

// Leave removes a session's entry from a note, broadcasts the refreshed
// member list, withdraws its cursor from the rest of the room, and leaves
// the room.
func (h *Handler) Leave(ctx context.Context, s *transport.Session, req LeaveRequest) {
	start := time.Now()
	h.leaveInternal(s, noteKey{workspaceID: req.WorkspaceID, noteID: req.NoteID})
	h.metrics.MessageProcessed("leave_note", time.Since(start))
}

func (h *Handler) leaveInternal(s *transport.Session, key noteKey) {
	h.mu.Lock()
	list := h.members[key]
	idx := -1
	for i, m := range list {
		if m.SessionID == s.ID() {
			idx = i
			break
		}
	}
	if idx < 0 {
		h.mu.Unlock()
		return
	}
	list = append(list[:idx], list[idx+1:]...)
	h.members[key] = list
	h.untrackLocked(s, key)
	h.mu.Unlock()

	h.broadcastUsers(key)
	h.hub.BroadcastExcept(key.room(), s, "cursor_updated", map[string]interface{}{
		"noteId": key.noteID,
		"userId": s.ID(),
		"cursor": nil,
	})
	h.hub.Leave(key.room(), s)
}

// CursorRequest is the inbound cursor_update payload.
type CursorRequest struct {
	WorkspaceID string      `json:"workspaceId"`
	NoteID      string      `json:"noteId"`
	UserData    interface{} `json:"userData,omitempty"`
	Cursor      interface{} `json:"cursor"`
}

// CursorUpdate broadcasts a server-authoritative cursor position to every
// session in the room, including the sender, after confirming the sender
// is still a member of the note.
func (h *Handler) CursorUpdate(ctx context.Context, s *transport.Session, req CursorRequest) {
	key := noteKey{workspaceID: req.WorkspaceID, noteID: req.NoteID}

	h.mu.Lock()
	isMember := false
	for _, m := range h.members[key] {
		if m.SessionID == s.ID() {
			isMember = true
			break
		}
	}
	h.mu.Unlock()
	if !isMember {
		return
	}

	h.hub.Broadcast(key.room(), "cursor_updated", map[string]interface{}{
		"noteId":   req.NoteID,
		"userId":   s.ID(),
		"userData": req.UserData,
		"cursor":   req.Cursor,
	})
}

// ContentRequest is the inbound note_content_update payload.
type ContentRequest struct {
	WorkspaceID string `json:"workspaceId"`
	NoteID      string `json:"noteId"`
	Content     string `json:"content"`
}

// ContentUpdate overwrites a note's content, persists it to the shared
// store with the configured content TTL, and broadcasts the change to
// every other session in the room. Silently ignored if the note has no
// members (e.g. a stale update racing a leave).
func (h *Handler) ContentUpdate(ctx context.Context, s *transport.Session, req ContentRequest) {
	start := time.Now()
	key := noteKey{workspaceID: req.WorkspaceID, noteID: req.NoteID}

	h.mu.Lock()
	if len(h.members[key]) == 0 {
		h.mu.Unlock()
		return
	}
	h.content[key] = req.Content
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.Set(ctx, contentStoreKey(req.WorkspaceID, req.NoteID), req.Content, h.contentTTL); err != nil {
			h.log.Warnw("failed to persist note content", "workspace", req.WorkspaceID, "note", req.NoteID, "error", err.Error())
		}
	}

	h.hub.BroadcastExcept(key.room(), s, "note_content_updated", map[string]interface{}{
		"noteId":    req.NoteID,
		"content":   req.Content,
		"updatedBy": s.ID(),
	})
	h.metrics.MessageProcessed("note_content_update", time.Since(start))
}

// HandleDisconnect removes the session from every note it had open,
// immediately — note presence carries no reconnect grace.
func (h *Handler) HandleDisconnect(s *transport.Session) {
	h.mu.Lock()
	keys := make([]noteKey, 0, len(h.sessions[s]))
	for key := range h.sessions[s] {
		keys = append(keys, key)
	}
	h.mu.Unlock()

	for _, key := range keys {
		h.leaveInternal(s, key)
	}
}

func (h *Handler) loadContent(ctx context.Context, workspaceID, noteID string) string {
	if h.store == nil {
		return ""
	}
	value, ok, err := h.store.Get(ctx, contentStoreKey(workspaceID, noteID), false)
	if err != nil || !ok {
		return ""
	}
	return value
}

func (h *Handler) broadcastUsers(key noteKey) {
	h.mu.Lock()
	list := append([]member(nil), h.members[key]...)
	h.mu.Unlock()
	h.hub.Broadcast(key.room(), "note_users_updated", noteUsersUpdated{NoteID: key.noteID, Users: list})
}

func (h *Handler) trackLocked(s *transport.Session, key noteKey) {
	if h.sessions[s] == nil {
		h.sessions[s] = make(map[noteKey]bool)
	}
	h.sessions[s][key] = true
}

func (h *Handler) untrackLocked(s *transport.Session, key noteKey) {
	if set, ok := h.sessions[s]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(h.sessions, s)
		}
	}
}
