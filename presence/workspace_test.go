package presence

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
func (noopRecorder) WorkspaceCountChanged(int)                {}
func (noopRecorder) UserJoinedWorkspace()                     {}

var _ metrics.Recorder = noopRecorder{}

// testHarness wires a hub + workspace engine behind a real HTTP+WebSocket
// server, the way an end-to-end client would exercise it.
type testHarness struct {
	hub *transport.Hub
	ws  *Workspace
	srv *httptest.Server
}

func newHarness(t *testing.T, grace time.Duration) *testHarness {
	t.Helper()
	hub := transport.NewHub("*")
	ws := NewWorkspace(hub, nil, noopRecorder{}, grace)

	hub.OnEvent("join_workspace", func(ctx context.Context, s *transport.Session, payload []byte) {
		var req struct {
			WorkspaceID string `json:"workspaceId"`
			User        User   `json:"user"`
		}
		_ = json.Unmarshal(payload, &req)
		ws.Join(ctx, s, req.WorkspaceID, req.User)
	})
	hub.OnEvent("leave_workspace", func(ctx context.Context, s *transport.Session, payload []byte) {
		var req struct {
			WorkspaceID string `json:"workspaceId"`
		}
		_ = json.Unmarshal(payload, &req)
		ws.Leave(ctx, s, req.WorkspaceID)
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
		ws.Stop()
	})

	return &testHarness{hub: hub, ws: ws, srv: srv}
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

func TestWorkspaceJoinBroadcastsUsersConnected(t *testing.T) {
	h := newHarness(t, 5*time.Second)

	a := dial(t, h.srv)
	defer a.Close()

	sendEvent(t, a, "join_workspace", map[string]interface{}{
		"workspaceId": "ws1",
		"user":        User{Email: "alice@x"},
	})

	env := recvEvent(t, a)
	if env.Type != "users_connected" {
		t.Fatalf("expected users_connected, got %s", env.Type)
	}
	var users []User
	_ = json.Unmarshal(env.Payload, &users)
	if len(users) != 1 || users[0].Email != "alice@x" {
		t.Fatalf("unexpected users payload: %+v", users)
	}
}

func TestWorkspaceTwoSessionsSeeEachOther(t *testing.T) {
	h := newHarness(t, 5*time.Second)

	a := dial(t, h.srv)
	defer a.Close()
	b := dial(t, h.srv)
	defer b.Close()

	sendEvent(t, a, "join_workspace", map[string]interface{}{
		"workspaceId": "ws1",
		"user":        User{Email: "alice@x"},
	})
	recvEvent(t, a) // a's own users_connected
	recvEvent(t, a) // a's own user_joined

	sendEvent(t, b, "join_workspace", map[string]interface{}{
		"workspaceId": "ws1",
		"user":        User{Email: "bob@x"},
	})

	// a observes the refreshed snapshot and user_joined for bob.
	sawUsersConnected, sawUserJoined := false, false
	for i := 0; i < 2; i++ {
		env := recvEvent(t, a)
		switch env.Type {
		case "users_connected":
			sawUsersConnected = true
			var users []User
			_ = json.Unmarshal(env.Payload, &users)
			if len(users) != 2 {
				t.Fatalf("expected 2 users, got %d", len(users))
			}
		case "user_joined":
			sawUserJoined = true
		}
	}
	if !sawUsersConnected || !sawUserJoined {
		t.Fatalf("expected both users_connected and user_joined, got connected=%v joined=%v", sawUsersConnected, sawUserJoined)
	}
}
