package notes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaywave/gateway/metrics"
	"github.com/relaywave/gateway/transport"
)

type noopRecorder struct{}

func (noopRecorder) MessageProcessed(string, time.Duration) {}
func (noopRecorder) ErrorOccurred(string, string)            {}
func (noopRecorder) ConnectionOpened(string, string)         {}
func (noopRecorder) ConnectionClosed()                       {}
func (noopRecorder) WorkspaceCountChanged(int)               {}
func (noopRecorder) UserJoinedWorkspace()                    {}

var _ metrics.Recorder = noopRecorder{}

type testHarness struct {
	hub *transport.Hub
	h   *Handler
	srv *httptest.Server
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	hub := transport.NewHub("*")
	h := NewHandler(hub, nil, noopRecorder{}, 7*24*time.Hour)

	hub.OnEvent("join_note", func(ctx context.Context, s *transport.Session, payload []byte) {
		var req JoinRequest
		_ = json.Unmarshal(payload, &req)
		h.Join(ctx, s, req)
	})
	hub.OnEvent("leave_note", func(ctx context.Context, s *transport.Session, payload []byte) {
		var req LeaveRequest
		_ = json.Unmarshal(payload, &req)
		h.Leave(ctx, s, req)
	})
	hub.OnEvent("cursor_update", func(ctx context.Context, s *transport.Session, payload []byte) {
		var req CursorRequest
		_ = json.Unmarshal(payload, &req)
		h.CursorUpdate(ctx, s, req)
	})
	hub.OnEvent("note_content_update", func(ctx context.Context, s *transport.Session, payload []byte) {
		var req ContentRequest
		_ = json.Unmarshal(payload, &req)
		h.ContentUpdate(ctx, s, req)
	})

	go hub.Run()

	anonymousAuth := transport.AuthenticatorFunc(func(ctx context.Context, r *http.Request) (string, string, string, string, error) {
		return "", "", "", "", nil
	})
	mux := transport.UpgradeHandler(hub, anonymousAuth, nil)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		hub.Shutdown()
	})

	return &testHarness{hub: hub, h: h, srv: srv}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, eventType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	env := transport.Envelope{Type: eventType, Payload: raw}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func recvEvent(t *testing.T, conn *websocket.Conn) transport.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env transport.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return env
}

func TestJoinNoteLoadsEmptyContentAndBroadcastsUsers(t *testing.T) {
	h := newHarness(t)

	a := dial(t, h.srv)
	defer a.Close()

	sendEvent(t, a, "join_note", JoinRequest{
		WorkspaceID: "ws1",
		NoteID:      "note1",
		User:        User{ID: "u1", Email: "alice@x"},
	})

	env := recvEvent(t, a)
	if env.Type != "note_content_loaded" {
		t.Fatalf("expected note_content_loaded, got %s", env.Type)
	}
	var loaded struct {
		NoteID  string `json:"noteId"`
		Content string `json:"content"`
	}
	_ = json.Unmarshal(env.Payload, &loaded)
	if loaded.Content != "" {
		t.Fatalf("expected empty content for a fresh note, got %q", loaded.Content)
	}

	env = recvEvent(t, a)
	if env.Type != "note_users_updated" {
		t.Fatalf("expected note_users_updated, got %s", env.Type)
	}
}

func TestCursorUpdateEchoesToSender(t *testing.T) {
	h := newHarness(t)

	a := dial(t, h.srv)
	defer a.Close()

	sendEvent(t, a, "join_note", JoinRequest{WorkspaceID: "ws1", NoteID: "note1", User: User{ID: "u1", Email: "alice@x"}})
	recvEvent(t, a) // note_content_loaded
	recvEvent(t, a) // note_users_updated

	sendEvent(t, a, "cursor_update", CursorRequest{WorkspaceID: "ws1", NoteID: "note1", Cursor: map[string]int{"line": 3}})

	env := recvEvent(t, a)
	if env.Type != "cursor_updated" {
		t.Fatalf("expected cursor_updated echoed back to sender, got %s", env.Type)
	}
}

func TestContentUpdateExcludesSenderAndPersistsLocally(t *testing.T) {
	h := newHarness(t)

	a := dial(t, h.srv)
	defer a.Close()
	b := dial(t, h.srv)
	defer b.Close()

	sendEvent(t, a, "join_note", JoinRequest{WorkspaceID: "ws1", NoteID: "note1", User: User{ID: "u1", Email: "alice@x"}})
	recvEvent(t, a)
	recvEvent(t, a)

	sendEvent(t, b, "join_note", JoinRequest{WorkspaceID: "ws1", NoteID: "note1", User: User{ID: "u2", Email: "bob@x"}})
	recvEvent(t, b) // b's own content_loaded
	recvEvent(t, b) // b's own users_updated
	recvEvent(t, a) // a observes refreshed users_updated from b joining

	sendEvent(t, a, "note_content_update", ContentRequest{WorkspaceID: "ws1", NoteID: "note1", Content: "hello world"})

	env := recvEvent(t, b)
	if env.Type != "note_content_updated" {
		t.Fatalf("expected note_content_updated, got %s", env.Type)
	}
	var update struct {
		Content string `json:"content"`
	}
	_ = json.Unmarshal(env.Payload, &update)
	if update.Content != "hello world" {
		t.Fatalf("unexpected content: %q", update.Content)
	}

	h.h.mu.Lock()
	stored := h.h.content[noteKey{workspaceID: "ws1", noteID: "note1"}]
	h.h.mu.Unlock()
	if stored != "hello world" {
		t.Fatalf("expected content persisted locally, got %q", stored)
	}

	a.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var extra transport.Envelope
	if err := a.ReadJSON(&extra); err == nil {
		t.Fatalf("sender should not receive its own content update, got %s", extra.Type)
	}
}

func TestLeaveNoteWithdrawsCursor(t *testing.T) {
	h := newHarness(t)

	a := dial(t, h.srv)
	defer a.Close()
	b := dial(t, h.srv)
	defer b.Close()

	sendEvent(t, a, "join_note", JoinRequest{WorkspaceID: "ws1", NoteID: "note1", User: User{ID: "u1", Email: "alice@x"}})
	recvEvent(t, a)
	recvEvent(t, a)

	sendEvent(t, b, "join_note", JoinRequest{WorkspaceID: "ws1", NoteID: "note1", User: User{ID: "u2", Email: "bob@x"}})
	recvEvent(t, b)
	recvEvent(t, b)
	recvEvent(t, a) // a sees refreshed users_updated

	sendEvent(t, b, "leave_note", LeaveRequest{WorkspaceID: "ws1", NoteID: "note1"})

	// a should observe note_users_updated then a cursor withdrawal for b.
	sawUsersUpdated, sawWithdraw := false, false
	for i := 0; i < 2; i++ {
		env := recvEvent(t, a)
		switch env.Type {
		case "note_users_updated":
			sawUsersUpdated = true
		case "cursor_updated":
			sawWithdraw = true
			var payload struct {
				Cursor interface{} `json:"cursor"`
			}
			_ = json.Unmarshal(env.Payload, &payload)
			if payload.Cursor != nil {
				t.Fatalf("expected withdrawn cursor to be null, got %v", payload.Cursor)
			}
		}
	}
	if !sawUsersUpdated || !sawWithdraw {
		t.Fatalf("expected both note_users_updated and cursor withdrawal, got updated=%v withdraw=%v", sawUsersUpdated, sawWithdraw)
	}
}
