// Package agenda implements the task/agenda handler: presence over the
// agenda:{workspace} room mirroring workspace presence, plus pass-through
// fan-out of task board events to both the agenda room and the parent
// workspace room.
package agenda

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

// User is the snapshot carried in an agenda's presence record.
type User struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type member struct {
	SessionID string `json:"sessionId"`
	User      User   `json:"user"`
}

// record is the shared-store representation at task:{ws}:agenda_users.
type record map[string]member

func dedupeByEmail(rec record) []User {
	byEmail := make(map[string]User, len(rec))
	for _, m := range rec {
		byEmail[m.User.Email] = m.User
	}
	out := make([]User, 0, len(byEmail))
	for _, u := range byEmail {
		out = append(out, u)
	}
	return out
}

func recordKey(workspaceID string) string { return "task:" + workspaceID + ":agenda_users" }
func room(workspaceID string) string      { return "agenda:" + workspaceID }

// Handler implements agenda presence and task-event fan-out. Disconnects
// are immediate, unlike workspace presence — the spec's reconnect grace
// applies only to workspace scope.
type Handler struct {
	hub     *transport.Hub
	store   *sharedstate.Client
	metrics metrics.Recorder
	log     *zap.SugaredLogger

	mu       sync.Mutex
	local    map[string]record                     // workspace id -> record
	sessions map[*transport.Session]map[string]bool // session -> set of workspace ids
}

// NewHandler constructs the agenda handler.
func NewHandler(hub *transport.Hub, store *sharedstate.Client, rec metrics.Recorder) *Handler {
	return &Handler{
		hub:      hub,
		store:    store,
		metrics:  rec,
		log:      logger.ComponentLogger("agenda"),
		local:    make(map[string]record),
		sessions: make(map[*transport.Session]map[string]bool),
	}
}

// JoinRequest is the inbound join_agenda payload.
type JoinRequest struct {
	WorkspaceID string `json:"workspaceId"`
	User        User   `json:"user"`
}

// Join admits a session into a workspace's agenda presence, notifying
// both the agenda room and the parent workspace room.
func (h *Handler) Join(ctx context.Context, s *transport.Session, req JoinRequest) {
	start := time.Now()

	h.mu.Lock()
	rec := h.ensureLocalLocked(ctx, req.WorkspaceID)
	rec[s.ID()] = member{SessionID: s.ID(), User: req.User}
	h.trackLocked(s, req.WorkspaceID)
	h.mu.Unlock()

	h.persist(ctx, req.WorkspaceID, rec)
	h.hub.Join(room(req.WorkspaceID), s)

	h.hub.Broadcast(req.WorkspaceID, "agenda_user_joined", req.User)
	h.broadcastUsers(req.WorkspaceID, rec)
	h.metrics.MessageProcessed("join_agenda", time.Since(start))
}

// LeaveRequest is the inbound leave_agenda payload.
type LeaveRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

// Leave removes a session from a workspace's agenda presence.
func (h *Handler) Leave(ctx context.Context, s *transport.Session, req LeaveRequest) {
	start := time.Now()
	h.leaveInternal(ctx, s, req.WorkspaceID)
	h.metrics.MessageProcessed("leave_agenda", time.Since(start))
}

func (h *Handler) leaveInternal(ctx context.Context, s *transport.Session, workspaceID string) {
	h.mu.Lock()
	rec := h.ensureLocalLocked(ctx, workspaceID)
	m, ok := rec[s.ID()]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(rec, s.ID())
	h.untrackLocked(s, workspaceID)
	h.mu.Unlock()

	h.persist(ctx, workspaceID, rec)
	h.hub.Leave(room(workspaceID), s)

	h.hub.Broadcast(workspaceID, "agenda_user_left", m.User)
	h.broadcastUsers(workspaceID, rec)
}

// GetUsersRequest is the inbound get_agenda_users payload.
type GetUsersRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

// GetUsers unicasts the current agenda presence snapshot to the caller.
func (h *Handler) GetUsers(ctx context.Context, s *transport.Session, req GetUsersRequest) {
	h.mu.Lock()
	rec := h.ensureLocalLocked(ctx, req.WorkspaceID)
	users := dedupeByEmail(rec)
	h.mu.Unlock()
	h.hub.Unicast(s, "agenda_users_updated", users)
}

// TaskEvent is the pass-through payload for task_created/updated/deleted/moved.
type TaskEvent struct {
	WorkspaceID string      `json:"workspaceId"`
	Task        interface{} `json:"task"`
}

// taskFanout enriches the incoming task payload with a server timestamp
// and fans it out to the agenda room (excluding the sender) and, under the
// workspace_task_* name, to the whole workspace room so off-agenda
// clients observe the change too. Not persisted.
func (h *Handler) taskFanout(s *transport.Session, eventName, workspaceTwinName string, req TaskEvent) {
	enriched := map[string]interface{}{
		"task":      req.Task,
		"updatedAt": time.Now().UnixMilli(),
	}
	h.hub.BroadcastExcept(room(req.WorkspaceID), s, eventName, enriched)
	h.hub.Broadcast(req.WorkspaceID, workspaceTwinName, enriched)
}

// TaskCreated fans out task_created.
func (h *Handler) TaskCreated(ctx context.Context, s *transport.Session, req TaskEvent) {
	h.taskFanout(s, "task_created", "workspace_task_created", req)
}

// TaskUpdated fans out task_updated.
func (h *Handler) TaskUpdated(ctx context.Context, s *transport.Session, req TaskEvent) {
	h.taskFanout(s, "task_updated", "workspace_task_updated", req)
}

// TaskDeleted fans out task_deleted.
func (h *Handler) TaskDeleted(ctx context.Context, s *transport.Session, req TaskEvent) {
	h.taskFanout(s, "task_deleted", "workspace_task_deleted", req)
}

// TaskMoved fans out task_moved.
func (h *Handler) TaskMoved(ctx context.Context, s *transport.Session, req TaskEvent) {
	h.taskFanout(s, "task_moved", "workspace_task_moved", req)
}

// HandleDisconnect removes the session from every agenda it belonged to,
// immediately.
func (h *Handler) HandleDisconnect(s *transport.Session) {
	h.mu.Lock()
	workspaces := make([]string, 0, len(h.sessions[s]))
	for wsID := range h.sessions[s] {
		workspaces = append(workspaces, wsID)
	}
	h.mu.Unlock()

	for _, wsID := range workspaces {
		h.leaveInternal(context.Background(), s, wsID)
	}
}

func (h *Handler) ensureLocalLocked(ctx context.Context, workspaceID string) record {
	rec, ok := h.local[workspaceID]
	if ok {
		return rec
	}
	rec = record{}
	if h.store != nil {
		var stored record
		if ok, err := h.store.GetJSON(ctx, recordKey(workspaceID), &stored); err == nil && ok {
			rec = stored
		}
	}
	h.local[workspaceID] = rec
	return rec
}

func (h *Handler) persist(ctx context.Context, workspaceID string, rec record) {
	h.mu.Lock()
	h.local[workspaceID] = rec
	h.mu.Unlock()
	if h.store == nil {
		return
	}
	if err := h.store.SetJSON(ctx, recordKey(workspaceID), rec, 0); err != nil {
		h.log.Warnw("failed to persist agenda presence", "workspace", workspaceID, "error", err.Error())
	}
}

func (h *Handler) broadcastUsers(workspaceID string, rec record) {
	h.hub.Broadcast(room(workspaceID), "agenda_users_updated", dedupeByEmail(rec))
}

func (h *Handler) trackLocked(s *transport.Session, workspaceID string) {
	if h.sessions[s] == nil {
		h.sessions[s] = make(map[string]bool)
	}
	h.sessions[s][workspaceID] = true
}

func (h *Handler) untrackLocked(s *transport.Session, workspaceID string) {
	if set, ok := h.sessions[s]; ok {
		delete(set, workspaceID)
		if len(set) == 0 {
			delete(h.sessions, s)
		}
	}
}
