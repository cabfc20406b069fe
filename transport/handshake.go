package transport

import (
	"context"
	"net/http"

	"github.com/relaywave/gateway/logger"
)

// Authenticator is the narrow slice of auth.Middleware the transport
// layer depends on, kept here so transport has no import-time dependency
// on the auth package. Returns (userID, email, name, clientIP, err).
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (string, string, string, string, error)
}

// AuthenticatorFunc adapts a plain function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, r *http.Request) (string, string, string, string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, r *http.Request) (string, string, string, string, error) {
	return f(ctx, r)
}

// ConnectionRecorder is the narrow slice of metrics.Recorder the
// transport layer depends on, kept here (like Authenticator) so transport
// has no import-time dependency on the metrics package.
type ConnectionRecorder interface {
	ConnectionOpened(userAgent, country string)
}

// countryHeaders are checked in order for an edge-supplied client country.
// The gateway has no geo-IP lookup of its own; it trusts whatever reverse
// proxy terminates TLS in front of it to set one of these.
var countryHeaders = []string{"CF-IPCountry", "X-Country-Code"}

func countryFromRequest(r *http.Request) string {
	for _, h := range countryHeaders {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	return "unknown"
}

// UpgradeHandler returns an http.HandlerFunc that authenticates the
// handshake, upgrades the connection, and starts the session's pumps.
// Authentication failures terminate the handshake with a 401 and never
// reach the hub. rec may be nil, in which case connection counters are
// simply not recorded.
func UpgradeHandler(hub *Hub, auth Authenticator, rec ConnectionRecorder) http.HandlerFunc {
	log := logger.ComponentLogger("transport.handshake")
	return func(w http.ResponseWriter, r *http.Request) {
		userID, email, name, clientIP, err := auth.Authenticate(r.Context(), r)
		if err != nil {
			log.Infow("handshake rejected", "error", err.Error(), "remote_addr", r.RemoteAddr)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		conn, err := hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnw("websocket upgrade failed", "error", err.Error())
			return
		}

		if rec != nil {
			rec.ConnectionOpened(r.Header.Get("User-Agent"), countryFromRequest(r))
		}

		session := NewSession(hub, conn)
		session.UserID = userID
		session.Email = email
		session.Name = name
		session.ClientIP = clientIP

		session.Start(context.Background())
	}
}
