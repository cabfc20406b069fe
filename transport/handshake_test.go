package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedOpen struct {
	userAgent, country string
}

type fakeConnRecorder struct {
	mu    sync.Mutex
	opens []recordedOpen
}

func (f *fakeConnRecorder) ConnectionOpened(userAgent, country string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, recordedOpen{userAgent, country})
}

func (f *fakeConnRecorder) snapshot() []recordedOpen {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedOpen(nil), f.opens...)
}

var anonymousAuth = AuthenticatorFunc(func(ctx context.Context, r *http.Request) (string, string, string, string, error) {
	return "u1", "u1@x.com", "User One", "1.2.3.4", nil
})

func dialWS(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestUpgradeHandlerRecordsConnectionOpened(t *testing.T) {
	hub := NewHub("*")
	go hub.Run()
	defer hub.Shutdown()

	rec := &fakeConnRecorder{}
	srv := httptest.NewServer(UpgradeHandler(hub, anonymousAuth, rec))
	defer srv.Close()

	header := http.Header{}
	header.Set("User-Agent", "test-agent/1.0")
	header.Set("CF-IPCountry", "NL")
	conn := dialWS(t, srv, header)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	opens := rec.snapshot()
	if len(opens) != 1 {
		t.Fatalf("expected exactly one ConnectionOpened call, got %d", len(opens))
	}
	if opens[0].userAgent != "test-agent/1.0" {
		t.Fatalf("unexpected user agent: %q", opens[0].userAgent)
	}
	if opens[0].country != "NL" {
		t.Fatalf("unexpected country: %q", opens[0].country)
	}
}

func TestUpgradeHandlerDefaultsCountryWhenHeaderAbsent(t *testing.T) {
	hub := NewHub("*")
	go hub.Run()
	defer hub.Shutdown()

	rec := &fakeConnRecorder{}
	srv := httptest.NewServer(UpgradeHandler(hub, anonymousAuth, rec))
	defer srv.Close()

	conn := dialWS(t, srv, nil)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	opens := rec.snapshot()
	if len(opens) != 1 {
		t.Fatalf("expected exactly one ConnectionOpened call, got %d", len(opens))
	}
	if opens[0].country != "unknown" {
		t.Fatalf("expected unknown country fallback, got %q", opens[0].country)
	}
}

func TestUpgradeHandlerSkipsRecordingWithNilRecorder(t *testing.T) {
	hub := NewHub("*")
	go hub.Run()
	defer hub.Shutdown()

	srv := httptest.NewServer(UpgradeHandler(hub, anonymousAuth, nil))
	defer srv.Close()

	conn := dialWS(t, srv, nil)
	defer conn.Close()
}
