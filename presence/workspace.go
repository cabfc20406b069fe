package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaywave/gateway/logger"
	"github.com/relaywave/gateway/metrics"
	"github.com/relaywave/gateway/sharedstate"
	"github.com/relaywave/gateway/transport"
)

// duplicateSweepInterval is how often the workspace engine walks every
// workspace looking for an email with more than one live session.
const duplicateSweepInterval = 30 * time.Second

type pendingKey struct {
	workspace string
	email     string
}

// Workspace implements the join_workspace/leave_workspace/get_workspace_users
// operations, including the reconnect grace period and duplicate-session
// sweeper named in the component design.
type Workspace struct {
	hub     *transport.Hub
	store   *sharedstate.Client
	metrics metrics.Recorder
	grace   time.Duration
	log     *zap.SugaredLogger

	mu           sync.Mutex
	local        map[string]record                        // workspace id -> record
	localByEmail map[string]map[string]*transport.Session  // workspace -> email -> session (this process only)
	sessions     map[*transport.Session]map[string]bool    // session -> set of workspace ids it's in
	lastSeen     map[string]map[string]time.Time           // workspace -> session id -> last touched, for duplicate ranking
	pending      map[pendingKey]*time.Timer

	stopCh chan struct{}
}

// NewWorkspace constructs the workspace presence engine and starts its
// duplicate-session sweeper.
func NewWorkspace(hub *transport.Hub, store *sharedstate.Client, rec metrics.Recorder, grace time.Duration) *Workspace {
	w := &Workspace{
		hub:          hub,
		store:        store,
		metrics:      rec,
		grace:        grace,
		log:          logger.ComponentLogger("presence.workspace"),
		local:        make(map[string]record),
		localByEmail: make(map[string]map[string]*transport.Session),
		sessions:     make(map[*transport.Session]map[string]bool),
		lastSeen:     make(map[string]map[string]time.Time),
		pending:      make(map[pendingKey]*time.Timer),
		stopCh:       make(chan struct{}),
	}
	go w.runSweeper()
	return w
}

func (w *Workspace) recordKey(workspaceID string) string { return "workspace:" + workspaceID + ":users" }

// Join admits a session into a workspace's presence, evicting any other
// session already present under the same email, cancelling a pending
// disconnect for that email if one exists, and broadcasting the refreshed
// scope snapshot.
func (w *Workspace) Join(ctx context.Context, s *transport.Session, workspaceID string, user User) {
	start := time.Now()

	w.mu.Lock()
	rec := w.ensureLocalLocked(workspaceID)
	wasPresent := false
	for sid, m := range rec {
		if m.User.Email == user.Email {
			wasPresent = true
			if sid != s.ID() {
				delete(rec, sid)
				delete(w.lastSeen[workspaceID], sid)
				if old, ok := w.localByEmail[workspaceID][user.Email]; ok {
					w.hub.Leave(workspaceID, old)
				}
			}
		}
	}
	rec[s.ID()] = Member{SessionID: s.ID(), User: user}
	if w.localByEmail[workspaceID] == nil {
		w.localByEmail[workspaceID] = make(map[string]*transport.Session)
	}
	w.localByEmail[workspaceID][user.Email] = s
	w.trackSessionLocked(s, workspaceID)
	if w.lastSeen[workspaceID] == nil {
		w.lastSeen[workspaceID] = make(map[string]time.Time)
	}
	w.lastSeen[workspaceID][s.ID()] = time.Now()
	w.mu.Unlock()

	w.cancelPending(workspaceID, user.Email)
	w.persist(ctx, workspaceID, rec)

	w.hub.Join(workspaceID, s)

	w.broadcastUsers(workspaceID, rec)
	if !wasPresent {
		w.hub.Broadcast(workspaceID, "user_joined", user)
		w.metrics.UserJoinedWorkspace()
	}
	w.metrics.MessageProcessed("join_workspace", time.Since(start))
}

// Leave removes a session from a workspace's presence and broadcasts the
// refreshed snapshot plus user_left.
func (w *Workspace) Leave(ctx context.Context, s *transport.Session, workspaceID string) {
	start := time.Now()
	w.leaveInternal(ctx, s, workspaceID)
	w.metrics.MessageProcessed("leave_workspace", time.Since(start))
}

func (w *Workspace) leaveInternal(ctx context.Context, s *transport.Session, workspaceID string) {
	w.mu.Lock()
	rec := w.ensureLocalLocked(workspaceID)
	m, ok := rec[s.ID()]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(rec, s.ID())
	if byEmail, ok := w.localByEmail[workspaceID]; ok {
		if byEmail[m.User.Email] == s {
			delete(byEmail, m.User.Email)
		}
	}
	delete(w.lastSeen[workspaceID], s.ID())
	w.untrackSessionLocked(s, workspaceID)
	w.mu.Unlock()

	w.cancelPending(workspaceID, m.User.Email)
	w.persist(ctx, workspaceID, rec)
	w.hub.Leave(workspaceID, s)

	w.hub.Broadcast(workspaceID, "user_left", m.User)
	w.broadcastUsers(workspaceID, rec)
}

// GetUsers unicasts the current scope snapshot to the caller.
func (w *Workspace) GetUsers(ctx context.Context, s *transport.Session, workspaceID string) {
	rec := w.loadRecord(ctx, workspaceID)
	w.hub.Unicast(s, "users_connected", dedupeByEmail(rec))
}

// HandleDisconnect is wired to transport.Session.OnDisconnect. It starts a
// pending-disconnect timer for every workspace the session belonged to,
// rather than removing it immediately, so a quick reconnect with the same
// email is not observed as a departure.
func (w *Workspace) HandleDisconnect(s *transport.Session) {
	w.mu.Lock()
	workspaces := make([]string, 0, len(w.sessions[s]))
	for wsID := range w.sessions[s] {
		workspaces = append(workspaces, wsID)
	}
	w.mu.Unlock()

	for _, wsID := range workspaces {
		w.schedulePendingLeave(s, wsID)
	}
}

func (w *Workspace) schedulePendingLeave(s *transport.Session, workspaceID string) {
	w.mu.Lock()
	rec := w.local[workspaceID]
	m, ok := rec[s.ID()]
	w.mu.Unlock()
	if !ok {
		return
	}

	key := pendingKey{workspace: workspaceID, email: m.User.Email}
	timer := time.AfterFunc(w.grace, func() {
		w.mu.Lock()
		_, stillPending := w.pending[key]
		if !stillPending {
			w.mu.Unlock()
			return
		}
		delete(w.pending, key)
		w.mu.Unlock()
		w.leaveInternal(context.Background(), s, workspaceID)
	})

	w.mu.Lock()
	if old, ok := w.pending[key]; ok {
		old.Stop()
	}
	w.pending[key] = timer
	w.mu.Unlock()
}

func (w *Workspace) cancelPending(workspaceID, email string) {
	key := pendingKey{workspace: workspaceID, email: email}
	w.mu.Lock()
	timer, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	}
	w.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

func (w *Workspace) ensureLocalLocked(workspaceID string) record {
	rec, ok := w.local[workspaceID]
	if !ok {
		rec = w.loadRecordLocked(workspaceID)
		w.local[workspaceID] = rec
	}
	return rec
}

func (w *Workspace) loadRecordLocked(workspaceID string) record {
	if w.store == nil {
		return record{}
	}
	var rec record
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := w.store.GetJSON(ctx, w.recordKey(workspaceID), &rec)
	if err != nil || !ok {
		return record{}
	}
	return rec
}

func (w *Workspace) loadRecord(ctx context.Context, workspaceID string) record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ensureLocalLocked(workspaceID)
}

func (w *Workspace) persist(ctx context.Context, workspaceID string, rec record) {
	w.mu.Lock()
	w.local[workspaceID] = rec
	w.mu.Unlock()
	if w.store == nil {
		return
	}
	if err := w.store.SetJSON(ctx, w.recordKey(workspaceID), rec, 0); err != nil {
		w.log.Warnw("failed to persist workspace presence", "workspace", workspaceID, "error", err.Error())
	}
}

func (w *Workspace) broadcastUsers(workspaceID string, rec record) {
	w.hub.Broadcast(workspaceID, "users_connected", dedupeByEmail(rec))
}

func (w *Workspace) trackSessionLocked(s *transport.Session, workspaceID string) {
	if w.sessions[s] == nil {
		w.sessions[s] = make(map[string]bool)
	}
	w.sessions[s][workspaceID] = true
}

func (w *Workspace) untrackSessionLocked(s *transport.Session, workspaceID string) {
	if set, ok := w.sessions[s]; ok {
		delete(set, workspaceID)
		if len(set) == 0 {
			delete(w.sessions, s)
		}
	}
}

// runSweeper walks every known workspace every 30s, evicting all but the
// most recently inserted session for any email with more than one.
func (w *Workspace) runSweeper() {
	ticker := time.NewTicker(duplicateSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweepDuplicates()
		}
	}
}

func (w *Workspace) sweepDuplicates() {
	w.mu.Lock()
	type dup struct {
		workspace string
		keep      string
		evict     []string
	}
	var dups []dup
	for wsID, rec := range w.local {
		byEmail := make(map[string][]string)
		for sid, m := range rec {
			byEmail[m.User.Email] = append(byEmail[m.User.Email], sid)
		}
		seen := w.lastSeen[wsID]
		for _, sids := range byEmail {
			if len(sids) <= 1 {
				continue
			}
			// Rank by lastSeen (set on every Join) rather than map iteration
			// order, which Go randomizes and does not reflect recency.
			sort.Slice(sids, func(i, j int) bool { return seen[sids[i]].Before(seen[sids[j]]) })
			keep := sids[len(sids)-1]
			evict := append([]string(nil), sids[:len(sids)-1]...)
			dups = append(dups, dup{workspace: wsID, keep: keep, evict: evict})
		}
	}
	w.mu.Unlock()

	for _, d := range dups {
		w.mu.Lock()
		rec := w.local[d.workspace]
		for _, sid := range d.evict {
			delete(rec, sid)
			delete(w.lastSeen[d.workspace], sid)
		}
		w.mu.Unlock()
		w.persist(context.Background(), d.workspace, rec)
		w.broadcastUsers(d.workspace, rec)
		w.log.Debugw("swept duplicate sessions", "workspace", d.workspace, "evicted", len(d.evict))
	}
}

// Stop ends the duplicate sweeper.
func (w *Workspace) Stop() { close(w.stopCh) }
