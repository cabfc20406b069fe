package transport

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestSession(hub *Hub, id string) *Session {
	return &Session{
		hub:  hub,
		id:   id,
		send: make(chan []byte, sendBuffer),
		data: make(map[string]interface{}),
	}
}

func recv(t *testing.T, s *Session) Envelope {
	t.Helper()
	select {
	case data := <-s.send:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("failed to decode envelope: %v", err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return Envelope{}
	}
}

func TestHubUnicast(t *testing.T) {
	hub := NewHub("*")
	go hub.runBroadcastWorker()
	defer hub.cancel()

	s := newTestSession(hub, "s1")
	hub.Unicast(s, "note_content_loaded", map[string]string{"noteId": "n1"})

	env := recv(t, s)
	if env.Type != "note_content_loaded" {
		t.Fatalf("expected note_content_loaded, got %s", env.Type)
	}
}

func TestHubBroadcastExceptSender(t *testing.T) {
	hub := NewHub("*")
	go hub.runBroadcastWorker()
	defer hub.cancel()

	sender := newTestSession(hub, "sender")
	other := newTestSession(hub, "other")
	hub.Join("ws:1", sender)
	hub.Join("ws:1", other)

	hub.BroadcastExcept("ws:1", sender, "note_content_updated", map[string]string{"content": "hi"})

	env := recv(t, other)
	if env.Type != "note_content_updated" {
		t.Fatalf("expected note_content_updated, got %s", env.Type)
	}

	select {
	case <-sender.send:
		t.Fatal("sender should not receive its own excluded broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcastIncludesSender(t *testing.T) {
	hub := NewHub("*")
	go hub.runBroadcastWorker()
	defer hub.cancel()

	a := newTestSession(hub, "a")
	b := newTestSession(hub, "b")
	hub.Join("note:ws1:n1", a)
	hub.Join("note:ws1:n1", b)

	hub.Broadcast("note:ws1:n1", "cursor_updated", map[string]string{"userId": "a"})

	recv(t, a)
	recv(t, b)
}

func TestHubDeliverDropsSlowSession(t *testing.T) {
	hub := NewHub("*")
	go hub.runBroadcastWorker()
	defer hub.cancel()

	s := &Session{hub: hub, id: "slow", send: make(chan []byte), data: make(map[string]interface{})}
	hub.mu.Lock()
	hub.sessions[s] = true
	hub.mu.Unlock()

	hub.Unicast(s, "ping", nil)
	time.Sleep(50 * time.Millisecond)

	hub.mu.RLock()
	_, stillPresent := hub.sessions[s]
	hub.mu.RUnlock()
	if stillPresent {
		t.Fatal("expected slow session to be removed from hub")
	}
}
