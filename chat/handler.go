package chat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaywave/gateway/logger"
	"github.com/relaywave/gateway/metrics"
	"github.com/relaywave/gateway/sharedstate"
	"github.com/relaywave/gateway/transport"
)

// TypingTimeout is both the per-entry expiry and the sweeper's interval
// for evicting stale typing indicators.
const TypingTimeout = 5 * time.Second

// messageRateLimit and messageRateBurst bound how fast a single sender
// can post new_message events, independent of the handshake-level rate
// limiter, which only governs connection attempts.
const (
	messageRateLimit = 5 // messages per second
	messageRateBurst = 10
)

// typingEntry is the local mirror of chat:{ws}:typing:{email}.
type typingEntry struct {
	Email string    `json:"email"`
	Name  string    `json:"name"`
	At    time.Time `json:"at"`
}

// Handler implements the chat events for every workspace: message
// history, typing indicators, and their sweeper.
type Handler struct {
	hub     *transport.Hub
	store   *sharedstate.Client
	metrics metrics.Recorder
	log     *zap.SugaredLogger

	mu      sync.Mutex
	history map[string][]Message             // workspace -> bounded deque
	typing  map[string]map[string]typingEntry // workspace -> email -> entry

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter // sender email -> per-sender token bucket

	stopCh chan struct{}
}

// NewHandler constructs the chat handler and starts its typing sweeper.
func NewHandler(hub *transport.Hub, store *sharedstate.Client, rec metrics.Recorder) *Handler {
	h := &Handler{
		hub:     hub,
		store:   store,
		metrics: rec,
		log:     logger.ComponentLogger("chat"),
		history:  make(map[string][]Message),
		typing:   make(map[string]map[string]typingEntry),
		limiters: make(map[string]*rate.Limiter),
		stopCh:   make(chan struct{}),
	}
	go h.runSweeper()
	return h
}

func historyKey(workspaceID string) string { return "chat:" + workspaceID + ":messages" }
func typingKey(workspaceID, email string) string {
	return "chat:" + workspaceID + ":typing:" + email
}

// NewMessageRequest is the inbound new_message payload.
type NewMessageRequest struct {
	WorkspaceID string `json:"workspaceId"`
	SenderEmail string `json:"senderEmail"`
	SenderName  string `json:"senderName"`
	Content     string `json:"content"`
	Image       string `json:"image,omitempty"`
}

// NewMessage validates, persists, and broadcasts a chat message, and
// implicitly clears the sender's typing state.
func (h *Handler) NewMessage(ctx context.Context, s *transport.Session, req NewMessageRequest) {
	start := time.Now()

	if req.WorkspaceID == "" || req.SenderEmail == "" || req.Content == "" {
		s.SendError("missing required fields", map[string]string{"required": "workspaceId, senderEmail, content"})
		h.metrics.ErrorOccurred("validation", "new_message missing required fields")
		return
	}

	if !h.allowSender(req.SenderEmail) {
		s.SendError("sending too fast", map[string]string{"senderEmail": req.SenderEmail})
		h.metrics.ErrorOccurred("rate_limit", "new_message sender exceeded rate limit")
		return
	}

	msg := Message{
		ID:          nextID(),
		WorkspaceID: req.WorkspaceID,
		SenderEmail: req.SenderEmail,
		SenderName:  req.SenderName,
		Content:     req.Content,
		Image:       req.Image,
		Timestamp:   time.Now().UnixMilli(),
	}

	h.mu.Lock()
	h.history[req.WorkspaceID] = appendBounded(h.history[req.WorkspaceID], msg, MessageLimit)
	snapshot := append([]Message(nil), h.history[req.WorkspaceID]...)
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.SetJSON(ctx, historyKey(req.WorkspaceID), snapshot, 0); err != nil {
			h.log.Warnw("failed to persist chat history", "workspace", req.WorkspaceID, "error", err.Error())
		}
	}

	h.clearTyping(ctx, req.WorkspaceID, req.SenderEmail)
	h.hub.Broadcast(req.WorkspaceID, "new_message", msg.compress())
	h.metrics.MessageProcessed("new_message", time.Since(start))
}

// allowSender reports whether sender may post another message, lazily
// creating its token bucket on first use.
func (h *Handler) allowSender(email string) bool {
	h.limiterMu.Lock()
	lim, ok := h.limiters[email]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(messageRateLimit), messageRateBurst)
		h.limiters[email] = lim
	}
	h.limiterMu.Unlock()
	return lim.Allow()
}

func appendBounded(deque []Message, msg Message, limit int) []Message {
	deque = append(deque, msg)
	if len(deque) > limit {
		deque = deque[len(deque)-limit:]
	}
	return deque
}

// TypingRequest is the inbound user_typing/user_stop_typing payload.
type TypingRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Email       string `json:"email"`
	Name        string `json:"name"`
}

// UserTyping records a typing indicator and broadcasts it to the room.
func (h *Handler) UserTyping(ctx context.Context, s *transport.Session, req TypingRequest) {
	start := time.Now()
	entry := typingEntry{Email: req.Email, Name: req.Name, At: time.Now()}

	h.mu.Lock()
	if h.typing[req.WorkspaceID] == nil {
		h.typing[req.WorkspaceID] = make(map[string]typingEntry)
	}
	h.typing[req.WorkspaceID][req.Email] = entry
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.SetJSON(ctx, typingKey(req.WorkspaceID, req.Email), entry, TypingTimeout); err != nil {
			h.log.Warnw("failed to persist typing state", "workspace", req.WorkspaceID, "error", err.Error())
		}
	}

	h.hub.Broadcast(req.WorkspaceID, "user_typing", map[string]string{"email": req.Email, "name": req.Name})
	h.metrics.MessageProcessed("user_typing", time.Since(start))
}

// UserStopTyping clears a typing indicator and broadcasts the clear.
func (h *Handler) UserStopTyping(ctx context.Context, s *transport.Session, req TypingRequest) {
	h.clearTyping(ctx, req.WorkspaceID, req.Email)
	h.hub.Broadcast(req.WorkspaceID, "user_stop_typing", map[string]string{"email": req.Email})
}

func (h *Handler) clearTyping(ctx context.Context, workspaceID, email string) {
	h.mu.Lock()
	if byEmail, ok := h.typing[workspaceID]; ok {
		delete(byEmail, email)
	}
	h.mu.Unlock()
	if h.store != nil {
		_ = h.store.Delete(ctx, typingKey(workspaceID, email))
	}
}

// GetHistoryRequest is the inbound get_chat_history payload.
type GetHistoryRequest struct {
	WorkspaceID string `json:"workspaceId"`
}

// GetHistory reads the shared-store history first, falling back to the
// local deque, and unicasts the compressed messages to the caller.
func (h *Handler) GetHistory(ctx context.Context, s *transport.Session, req GetHistoryRequest) {
	var messages []Message
	loaded := false
	if h.store != nil {
		var stored []Message
		if ok, err := h.store.GetJSON(ctx, historyKey(req.WorkspaceID), &stored); err == nil && ok {
			messages = stored
			loaded = true
		}
	}
	if !loaded {
		h.mu.Lock()
		messages = append([]Message(nil), h.history[req.WorkspaceID]...)
		h.mu.Unlock()
	}

	compressed := make([]Compressed, len(messages))
	for i, m := range messages {
		compressed[i] = m.compress()
	}
	h.hub.Unicast(s, "chat_history", compressed)
}

// runSweeper evicts local typing entries older than TypingTimeout and
// broadcasts a synthetic user_stop_typing for each; shared-store entries
// expire on their own via TTL.
func (h *Handler) runSweeper() {
	ticker := time.NewTicker(TypingTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweepTyping()
		}
	}
}

func (h *Handler) sweepTyping() {
	cutoff := time.Now().Add(-TypingTimeout)
	type expired struct {
		workspace, email string
	}
	var stale []expired

	h.mu.Lock()
	for wsID, byEmail := range h.typing {
		for email, entry := range byEmail {
			if entry.At.Before(cutoff) {
				delete(byEmail, email)
				stale = append(stale, expired{workspace: wsID, email: email})
			}
		}
	}
	h.mu.Unlock()

	for _, e := range stale {
		h.hub.Broadcast(e.workspace, "user_stop_typing", map[string]string{"email": e.email})
	}
}

// Stop ends the typing sweeper.
func (h *Handler) Stop() { close(h.stopCh) }
