// Package gateway is the composition root: it wires the shared-state
// client, metrics service, auth middleware, transport hub, and every
// domain handler onto one HTTP server, and owns the process's start/stop
// lifecycle.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaywave/gateway/agenda"
	"github.com/relaywave/gateway/auth"
	"github.com/relaywave/gateway/chat"
	"github.com/relaywave/gateway/config"
	"github.com/relaywave/gateway/errors"
	"github.com/relaywave/gateway/logger"
	"github.com/relaywave/gateway/metrics"
	"github.com/relaywave/gateway/notes"
	"github.com/relaywave/gateway/presence"
	"github.com/relaywave/gateway/sharedstate"
	"github.com/relaywave/gateway/transport"
)

// serverState mirrors the teacher's running/draining/stopped lifecycle.
type serverState int32

const (
	stateRunning serverState = iota
	stateDraining
	stateStopped
)

// shutdownTimeout bounds how long Stop waits for in-flight goroutines.
const shutdownTimeout = 10 * time.Second

// Server is the fully wired gateway process.
type Server struct {
	cfg     *config.Config
	store   *sharedstate.Client
	metrics *metrics.Service
	auth    *auth.Middleware
	hub     *transport.Hub

	workspacePresence  *presence.Workspace
	collectionPresence *presence.Collection
	chatHandler        *chat.Handler
	notesHandler       *notes.Handler
	agendaHandler      *agenda.Handler

	httpServer *http.Server
	state      atomic.Int32
	log        *zap.SugaredLogger
}

// New constructs a Server with every component wired per the component
// design's dependency order: shared-state, metrics, auth, transport, then
// domain handlers registered onto the hub.
func New(cfg *config.Config) *Server {
	store := sharedstate.New(sharedstate.Config{
		Host:                 cfg.RedisHost,
		Port:                 cfg.RedisPort,
		CacheTTL:             cfg.Tunables.CacheTTL,
		FailureThreshold:     cfg.Tunables.FailureThreshold,
		ResetTimeout:         cfg.Tunables.ResetTimeout,
		ReconnectDelay:       cfg.Tunables.ReconnectDelay,
		MaxReconnectAttempts: cfg.Tunables.MaxReconnectAttempts,
	})

	metricsSvc := metrics.NewService(metrics.Thresholds{
		HighLatencyMS:    cfg.Tunables.HighLatencyMS,
		HighErrorRatePct: cfg.Tunables.HighErrorRatePct,
		HighMemoryPct:    cfg.Tunables.HighMemoryPct,
	}, store)

	jwtManager := auth.NewJWTManager(cfg.JWTSecret)
	limiter := auth.NewRateLimiter(cfg.Tunables.MaxConnectionsPerMinute, cfg.Tunables.RateLimitWindow)
	authMiddleware := auth.NewMiddleware(jwtManager, store, limiter, !cfg.IsProduction())

	hub := transport.NewHub(cfg.CORSOrigin)

	s := &Server{
		cfg:     cfg,
		store:   store,
		metrics: metricsSvc,
		auth:    authMiddleware,
		hub:     hub,
		log:     logger.ComponentLogger("gateway"),

		workspacePresence:  presence.NewWorkspace(hub, store, metricsSvc, cfg.Tunables.ReconnectGrace),
		collectionPresence: presence.NewCollection(hub, store, metricsSvc),
		chatHandler:        chat.NewHandler(hub, store, metricsSvc),
		notesHandler:       notes.NewHandler(hub, store, metricsSvc, cfg.Tunables.NoteContentTTL),
		agendaHandler:      agenda.NewHandler(hub, store, metricsSvc),
	}

	s.registerEvents()
	return s
}

// authAdapter narrows auth.Middleware to transport.Authenticator, since
// transport has no import-time dependency on the auth package.
type authAdapter struct {
	m *auth.Middleware
}

func (a authAdapter) Authenticate(ctx context.Context, r *http.Request) (string, string, string, string, error) {
	identity, err := a.m.Authenticate(ctx, r)
	if err != nil {
		return "", "", "", "", err
	}
	return identity.Claims.UserID, identity.Claims.Email, identity.Claims.Name, identity.ClientIP, nil
}

// Start runs the process: starts the metrics loops, the hub's event loop,
// and the HTTP server, blocking until the server stops or fails.
func (s *Server) Start() error {
	s.state.Store(int32(stateRunning))

	s.metrics.Start()

	go s.hub.Run()

	router := s.routes()
	router.HandleFunc("/ws", transport.UpgradeHandler(s.hub, authAdapter{m: s.auth}, s.metrics))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Infow("gateway listening", "port", s.cfg.Port, "environment", s.cfg.Environment)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "gateway: http server failed")
	}
	return nil
}

// Stop gracefully drains the HTTP server, closes every transport session,
// stops the metrics loops, and closes the shared-state client.
func (s *Server) Stop() error {
	s.log.Infow("initiating gateway shutdown")
	s.state.Store(int32(stateDraining))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnw("http server did not shut down cleanly", "error", err.Error())
		}
	}

	s.hub.Shutdown()
	s.workspacePresence.Stop()
	s.chatHandler.Stop()
	s.metrics.Stop()

	if err := s.store.Close(); err != nil {
		s.log.Warnw("shared-state client close failed", "error", err.Error())
	}

	s.state.Store(int32(stateStopped))
	s.log.Infow("gateway shutdown complete")
	return nil
}
