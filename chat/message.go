// Package chat implements the new_message/user_typing/user_stop_typing
// events: a bounded message history per workspace, a compressed broadcast
// form, and a typing-state sweeper.
package chat

import (
	"fmt"
	"sync/atomic"
	"time"
)

// MessageLimit bounds both the local deque and the shared-store history
// list per workspace.
const MessageLimit = 100

// maxInlineImageBytes is the size above which an image field is dropped
// from the compressed broadcast rather than inflating every client's
// payload.
const maxInlineImageBytes = 200

// Message is the full, uncompressed chat message record.
type Message struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	SenderEmail string `json:"senderEmail"`
	SenderName  string `json:"senderName"`
	Content     string `json:"content"`
	Image       string `json:"image,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Compressed is the wire form broadcast to the workspace room: field
// names shortened to single letters to cut payload size for high-volume
// chat rooms.
type Compressed struct {
	I   string `json:"i"`
	W   string `json:"w"`
	E   string `json:"e"`
	N   string `json:"n"`
	Img string `json:"img,omitempty"`
	C   string `json:"c"`
	T   int64  `json:"t"`
}

// compress produces the broadcast form, dropping the image field unless
// it is both present and small.
func (m Message) compress() Compressed {
	c := Compressed{I: m.ID, W: m.WorkspaceID, E: m.SenderEmail, N: m.SenderName, C: m.Content, T: m.Timestamp}
	if m.Image != "" && len(m.Image) < maxInlineImageBytes {
		c.Img = m.Image
	}
	return c
}

var idCounter atomic.Int64

// nextID produces a monotonic message id: the current Unix-nanosecond
// timestamp combined with a per-process counter, so ids stay ordered and
// unique even when two messages land in the same nanosecond.
func nextID() string {
	n := idCounter.Add(1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}
