package presence

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaywave/gateway/logger"
	"github.com/relaywave/gateway/metrics"
	"github.com/relaywave/gateway/sharedstate"
	"github.com/relaywave/gateway/transport"
)

// collectionUsers is the broadcast payload for collection_users_updated.
type collectionUsers struct {
	CollectionID string `json:"collectionId"`
	Users        []User `json:"users"`
}

// Collection implements join_collection/leave_collection/get_collections_users.
// Unlike Workspace, a collection disconnect is immediate: the design's
// disconnect grace applies only to workspace presence.
type Collection struct {
	hub     *transport.Hub
	store   *sharedstate.Client
	metrics metrics.Recorder
	log     *zap.SugaredLogger

	mu       sync.Mutex
	local    map[string]record                        // "ws:coll" -> record
	byEmail  map[string]map[string]*transport.Session  // "ws:coll" -> email -> session
	sessions map[*transport.Session]map[string]bool    // session -> set of "ws:coll"
}

// NewCollection constructs the collection presence engine.
func NewCollection(hub *transport.Hub, store *sharedstate.Client, rec metrics.Recorder) *Collection {
	return &Collection{
		hub:      hub,
		store:    store,
		metrics:  rec,
		log:      logger.ComponentLogger("presence.collection"),
		local:    make(map[string]record),
		byEmail:  make(map[string]map[string]*transport.Session),
		sessions: make(map[*transport.Session]map[string]bool),
	}
}

func scopeKey(workspaceID, collectionID string) string { return workspaceID + ":" + collectionID }
func recordKey(workspaceID, collectionID string) string {
	return "collection:" + workspaceID + ":" + collectionID + ":users"
}

// Join admits a session into a collection's presence, evicting any other
// session already present under the same email (here and in the local
// view), and broadcasts to the parent workspace room, not the collection
// room, so sidebars across the whole workspace stay current.
func (c *Collection) Join(ctx context.Context, s *transport.Session, workspaceID, collectionID string, user User) {
	start := time.Now()
	scope := scopeKey(workspaceID, collectionID)

	c.mu.Lock()
	rec := c.ensureLocalLocked(ctx, workspaceID, collectionID)
	var evicted *transport.Session
	for sid, m := range rec {
		if m.User.Email == user.Email {
			if sid != s.ID() {
				delete(rec, sid)
				if old, ok := c.byEmail[scope][user.Email]; ok {
					evicted = old
					c.untrackLocked(old, scope)
				}
			}
		}
	}
	rec[s.ID()] = Member{SessionID: s.ID(), User: user}
	if c.byEmail[scope] == nil {
		c.byEmail[scope] = make(map[string]*transport.Session)
	}
	c.byEmail[scope][user.Email] = s
	c.trackLocked(s, scope)
	c.mu.Unlock()

	if evicted != nil {
		c.hub.Leave(scope, evicted)
	}

	c.persist(ctx, workspaceID, collectionID, rec)
	c.hub.Join(scope, s)

	c.hub.Broadcast(workspaceID, "collection_user_joined", user)
	c.hub.Broadcast(workspaceID, "collection_users_updated", collectionUsers{
		CollectionID: collectionID,
		Users:        dedupeByEmail(rec),
	})
	c.metrics.MessageProcessed("join_collection", time.Since(start))
}

// Leave removes a session from a collection's presence immediately.
func (c *Collection) Leave(ctx context.Context, s *transport.Session, workspaceID, collectionID string) {
	start := time.Now()
	c.leaveInternal(ctx, s, workspaceID, collectionID)
	c.metrics.MessageProcessed("leave_collection", time.Since(start))
}

func (c *Collection) leaveInternal(ctx context.Context, s *transport.Session, workspaceID, collectionID string) {
	scope := scopeKey(workspaceID, collectionID)

	c.mu.Lock()
	rec, ok := c.local[scope]
	if !ok {
		c.mu.Unlock()
		return
	}
	m, ok := rec[s.ID()]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(rec, s.ID())
	if byEmail, ok := c.byEmail[scope]; ok {
		if byEmail[m.User.Email] == s {
			delete(byEmail, m.User.Email)
		}
	}
	c.untrackLocked(s, scope)
	empty := len(rec) == 0
	c.mu.Unlock()

	c.hub.Leave(scope, s)

	if empty {
		c.removeScope(ctx, workspaceID, collectionID)
	} else {
		c.persist(ctx, workspaceID, collectionID, rec)
	}

	c.hub.Broadcast(workspaceID, "collection_user_left", m.User)
	c.hub.Broadcast(workspaceID, "collection_users_updated", collectionUsers{
		CollectionID: collectionID,
		Users:        dedupeByEmail(rec),
	})
}

// GetCollectionsUsers enumerates every non-empty collection in a workspace
// and unicasts one collection_users_updated per collection to the caller.
func (c *Collection) GetCollectionsUsers(ctx context.Context, s *transport.Session, workspaceID string) {
	if c.store == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		prefix := workspaceID + ":"
		for scope, rec := range c.local {
			if !strings.HasPrefix(scope, prefix) || len(rec) == 0 {
				continue
			}
			collectionID := strings.TrimPrefix(scope, prefix)
			c.hub.Unicast(s, "collection_users_updated", collectionUsers{
				CollectionID: collectionID,
				Users:        dedupeByEmail(rec),
			})
		}
		return
	}

	pattern := fmt.Sprintf("collection:%s:*:users", workspaceID)
	keys, err := c.store.Keys(ctx, pattern)
	if err != nil {
		c.log.Warnw("failed to list collection keys", "workspace", workspaceID, "error", err.Error())
		return
	}
	for _, key := range keys {
		collectionID := extractCollectionID(key, workspaceID)
		if collectionID == "" {
			continue
		}
		var rec record
		if ok, err := c.store.GetJSON(ctx, key, &rec); err != nil || !ok || len(rec) == 0 {
			continue
		}
		c.hub.Unicast(s, "collection_users_updated", collectionUsers{
			CollectionID: collectionID,
			Users:        dedupeByEmail(rec),
		})
	}
}

func extractCollectionID(key, workspaceID string) string {
	prefix := "collection:" + workspaceID + ":"
	suffix := ":users"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
}

// HandleDisconnect removes the session from every collection it belonged
// to, immediately — no grace period, unlike workspace presence.
func (c *Collection) HandleDisconnect(s *transport.Session) {
	c.mu.Lock()
	scopes := make([]string, 0, len(c.sessions[s]))
	for scope := range c.sessions[s] {
		scopes = append(scopes, scope)
	}
	c.mu.Unlock()

	for _, scope := range scopes {
		ws, coll, ok := splitScope(scope)
		if !ok {
			continue
		}
		c.leaveInternal(context.Background(), s, ws, coll)
	}
}

func splitScope(scope string) (workspaceID, collectionID string, ok bool) {
	idx := strings.LastIndex(scope, ":")
	if idx < 0 {
		return "", "", false
	}
	return scope[:idx], scope[idx+1:], true
}

func (c *Collection) ensureLocalLocked(ctx context.Context, workspaceID, collectionID string) record {
	scope := scopeKey(workspaceID, collectionID)
	rec, ok := c.local[scope]
	if ok {
		return rec
	}
	rec = record{}
	if c.store != nil {
		var stored record
		if ok, err := c.store.GetJSON(ctx, recordKey(workspaceID, collectionID), &stored); err == nil && ok {
			rec = stored
		}
	}
	c.local[scope] = rec
	return rec
}

func (c *Collection) persist(ctx context.Context, workspaceID, collectionID string, rec record) {
	scope := scopeKey(workspaceID, collectionID)
	c.mu.Lock()
	c.local[scope] = rec
	c.mu.Unlock()
	if c.store == nil {
		return
	}
	if err := c.store.SetJSON(ctx, recordKey(workspaceID, collectionID), rec, 0); err != nil {
		c.log.Warnw("failed to persist collection presence", "scope", scope, "error", err.Error())
	}
}

func (c *Collection) removeScope(ctx context.Context, workspaceID, collectionID string) {
	scope := scopeKey(workspaceID, collectionID)
	c.mu.Lock()
	delete(c.local, scope)
	delete(c.byEmail, scope)
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Delete(ctx, recordKey(workspaceID, collectionID)); err != nil {
			c.log.Warnw("failed to delete empty collection record", "scope", scope, "error", err.Error())
		}
	}
}

func (c *Collection) trackLocked(s *transport.Session, scope string) {
	if c.sessions[s] == nil {
		c.sessions[s] = make(map[string]bool)
	}
	c.sessions[s][scope] = true
}

func (c *Collection) untrackLocked(s *transport.Session, scope string) {
	if set, ok := c.sessions[s]; ok {
		delete(set, scope)
		if len(set) == 0 {
			delete(c.sessions, s)
		}
	}
}
