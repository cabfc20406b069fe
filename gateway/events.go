package gateway

import (
	"context"
	"encoding/json"

	"github.com/relaywave/gateway/agenda"
	"github.com/relaywave/gateway/chat"
	"github.com/relaywave/gateway/notes"
	"github.com/relaywave/gateway/presence"
	"github.com/relaywave/gateway/transport"
)

// registerEvents wires every domain handler's operations onto the hub's
// named inbound events, and composes a single per-session disconnect
// dispatcher covering every presence-like engine.
func (s *Server) registerEvents() {
	s.hub.OnEvent("join_workspace", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req struct {
			WorkspaceID string        `json:"workspaceId"`
			User        presence.User `json:"user"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			sess.SendError("invalid join_workspace payload", err.Error())
			return
		}
		s.workspacePresence.Join(ctx, sess, req.WorkspaceID, req.User)
	})
	s.hub.OnEvent("leave_workspace", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req struct {
			WorkspaceID string `json:"workspaceId"`
		}
		_ = json.Unmarshal(payload, &req)
		s.workspacePresence.Leave(ctx, sess, req.WorkspaceID)
	})
	s.hub.OnEvent("get_workspace_users", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req struct {
			WorkspaceID string `json:"workspaceId"`
		}
		_ = json.Unmarshal(payload, &req)
		s.workspacePresence.GetUsers(ctx, sess, req.WorkspaceID)
	})

	s.hub.OnEvent("join_collection", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req struct {
			WorkspaceID  string        `json:"workspaceId"`
			CollectionID string        `json:"collectionId"`
			User         presence.User `json:"user"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			sess.SendError("invalid join_collection payload", err.Error())
			return
		}
		s.collectionPresence.Join(ctx, sess, req.WorkspaceID, req.CollectionID, req.User)
	})
	s.hub.OnEvent("leave_collection", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req struct {
			WorkspaceID  string `json:"workspaceId"`
			CollectionID string `json:"collectionId"`
		}
		_ = json.Unmarshal(payload, &req)
		s.collectionPresence.Leave(ctx, sess, req.WorkspaceID, req.CollectionID)
	})
	s.hub.OnEvent("get_collections_users", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req struct {
			WorkspaceID string `json:"workspaceId"`
		}
		_ = json.Unmarshal(payload, &req)
		s.collectionPresence.GetCollectionsUsers(ctx, sess, req.WorkspaceID)
	})

	s.hub.OnEvent("new_message", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req chat.NewMessageRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			sess.SendError("invalid new_message payload", err.Error())
			return
		}
		s.chatHandler.NewMessage(ctx, sess, req)
	})
	s.hub.OnEvent("user_typing", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req chat.TypingRequest
		_ = json.Unmarshal(payload, &req)
		s.chatHandler.UserTyping(ctx, sess, req)
	})
	s.hub.OnEvent("user_stop_typing", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req chat.TypingRequest
		_ = json.Unmarshal(payload, &req)
		s.chatHandler.UserStopTyping(ctx, sess, req)
	})
	s.hub.OnEvent("get_chat_history", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req chat.GetHistoryRequest
		_ = json.Unmarshal(payload, &req)
		s.chatHandler.GetHistory(ctx, sess, req)
	})

	s.hub.OnEvent("join_note", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req notes.JoinRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			sess.SendError("invalid join_note payload", err.Error())
			return
		}
		s.notesHandler.Join(ctx, sess, req)
	})
	s.hub.OnEvent("leave_note", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req notes.LeaveRequest
		_ = json.Unmarshal(payload, &req)
		s.notesHandler.Leave(ctx, sess, req)
	})
	s.hub.OnEvent("cursor_update", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req notes.CursorRequest
		_ = json.Unmarshal(payload, &req)
		s.notesHandler.CursorUpdate(ctx, sess, req)
	})
	s.hub.OnEvent("note_content_update", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req notes.ContentRequest
		_ = json.Unmarshal(payload, &req)
		s.notesHandler.ContentUpdate(ctx, sess, req)
	})

	s.hub.OnEvent("join_agenda", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req agenda.JoinRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			sess.SendError("invalid join_agenda payload", err.Error())
			return
		}
		s.agendaHandler.Join(ctx, sess, req)
	})
	s.hub.OnEvent("leave_agenda", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req agenda.LeaveRequest
		_ = json.Unmarshal(payload, &req)
		s.agendaHandler.Leave(ctx, sess, req)
	})
	s.hub.OnEvent("get_agenda_users", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req agenda.GetUsersRequest
		_ = json.Unmarshal(payload, &req)
		s.agendaHandler.GetUsers(ctx, sess, req)
	})
	s.hub.OnEvent("task_created", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req agenda.TaskEvent
		_ = json.Unmarshal(payload, &req)
		s.agendaHandler.TaskCreated(ctx, sess, req)
	})
	s.hub.OnEvent("task_updated", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req agenda.TaskEvent
		_ = json.Unmarshal(payload, &req)
		s.agendaHandler.TaskUpdated(ctx, sess, req)
	})
	s.hub.OnEvent("task_deleted", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req agenda.TaskEvent
		_ = json.Unmarshal(payload, &req)
		s.agendaHandler.TaskDeleted(ctx, sess, req)
	})
	s.hub.OnEvent("task_moved", func(ctx context.Context, sess *transport.Session, payload []byte) {
		var req agenda.TaskEvent
		_ = json.Unmarshal(payload, &req)
		s.agendaHandler.TaskMoved(ctx, sess, req)
	})

	s.hub.OnConnect(func(sess *transport.Session) {
		sess.OnDisconnect(func(sess *transport.Session) {
			s.workspacePresence.HandleDisconnect(sess)
			s.collectionPresence.HandleDisconnect(sess)
			s.notesHandler.HandleDisconnect(sess)
			s.agendaHandler.HandleDisconnect(sess)
			s.metrics.ConnectionClosed()
		})
	})
}
