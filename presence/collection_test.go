package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/relaywave/gateway/transport"
)

func TestCollectionJoinBroadcastsToWorkspaceRoom(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	coll := NewCollection(h.hub, nil, noopRecorder{})

	h.hub.OnEvent("join_collection", func(ctx context.Context, s *transport.Session, payload []byte) {
		var req struct {
			WorkspaceID  string `json:"workspaceId"`
			CollectionID string `json:"collectionId"`
			User         User   `json:"user"`
		}
		_ = json.Unmarshal(payload, &req)
		coll.Join(ctx, s, req.WorkspaceID, req.CollectionID, req.User)
	})

	a := dial(t, h.srv)
	defer a.Close()

	sendEvent(t, a, "join_workspace", map[string]interface{}{
		"workspaceId": "ws1",
		"user":        User{Email: "alice@x"},
	})
	recvEvent(t, a) // a's own users_connected from joining the workspace room
	recvEvent(t, a) // a's own user_joined from the same join

	sendEvent(t, a, "join_collection", map[string]interface{}{
		"workspaceId":  "ws1",
		"collectionId": "coll1",
		"user":         User{Email: "alice@x"},
	})

	sawJoined, sawUpdated := false, false
	for i := 0; i < 2; i++ {
		env := recvEvent(t, a)
		switch env.Type {
		case "collection_user_joined":
			sawJoined = true
		case "collection_users_updated":
			sawUpdated = true
			var payload struct {
				CollectionID string `json:"collectionId"`
				Users        []User `json:"users"`
			}
			_ = json.Unmarshal(env.Payload, &payload)
			if payload.CollectionID != "coll1" || len(payload.Users) != 1 {
				t.Fatalf("unexpected collection_users_updated payload: %+v", payload)
			}
		}
	}
	if !sawJoined || !sawUpdated {
		t.Fatalf("expected both collection_user_joined and collection_users_updated, got joined=%v updated=%v", sawJoined, sawUpdated)
	}
}

func TestCollectionLeaveRemovesFromRoster(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	coll := NewCollection(h.hub, nil, noopRecorder{})

	h.hub.OnEvent("join_collection", func(ctx context.Context, s *transport.Session, payload []byte) {
		var req struct {
			WorkspaceID  string `json:"workspaceId"`
			CollectionID string `json:"collectionId"`
			User         User   `json:"user"`
		}
		_ = json.Unmarshal(payload, &req)
		coll.Join(ctx, s, req.WorkspaceID, req.CollectionID, req.User)
	})
	h.hub.OnEvent("leave_collection", func(ctx context.Context, s *transport.Session, payload []byte) {
		var req struct {
			WorkspaceID  string `json:"workspaceId"`
			CollectionID string `json:"collectionId"`
		}
		_ = json.Unmarshal(payload, &req)
		coll.Leave(ctx, s, req.WorkspaceID, req.CollectionID)
	})

	a := dial(t, h.srv)
	defer a.Close()

	sendEvent(t, a, "join_workspace", map[string]interface{}{
		"workspaceId": "ws1",
		"user":        User{Email: "alice@x"},
	})
	recvEvent(t, a) // users_connected
	recvEvent(t, a) // user_joined

	sendEvent(t, a, "join_collection", map[string]interface{}{
		"workspaceId":  "ws1",
		"collectionId": "coll1",
		"user":         User{Email: "alice@x"},
	})
	recvEvent(t, a)
	recvEvent(t, a)

	sendEvent(t, a, "leave_collection", map[string]interface{}{
		"workspaceId":  "ws1",
		"collectionId": "coll1",
	})

	sawLeft, sawEmptyUpdate := false, false
	for i := 0; i < 2; i++ {
		env := recvEvent(t, a)
		switch env.Type {
		case "collection_user_left":
			sawLeft = true
		case "collection_users_updated":
			var payload struct {
				Users []User `json:"users"`
			}
			_ = json.Unmarshal(env.Payload, &payload)
			if len(payload.Users) == 0 {
				sawEmptyUpdate = true
			}
		}
	}
	if !sawLeft || !sawEmptyUpdate {
		t.Fatalf("expected collection_user_left and an empty collection_users_updated, got left=%v emptyUpdate=%v", sawLeft, sawEmptyUpdate)
	}
}
