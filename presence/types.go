// Package presence implements the workspace and collection presence
// engines: join/leave/get-users over a room-scoped membership list kept
// in the shared store, a reconnect grace period, and a duplicate-session
// sweeper.
package presence

import "encoding/json"

// User is the snapshot carried alongside a session in every presence
// record and broadcast.
type User struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Member pairs a session with its user snapshot; it is the value type of
// the shared-store presence record.
type Member struct {
	SessionID string `json:"sessionId"`
	User      User   `json:"user"`
}

// record is the shared-store representation at workspace:{id}:users and
// collection:{ws}:{id}:users: a map keyed by session id.
type record map[string]Member

func decodeRecord(raw string) record {
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return record{}
	}
	return rec
}

// dedupeByEmail collapses a record into the scope snapshot the external
// interface broadcasts: one entry per email, keeping whichever member
// iteration order happens to visit last (last-writer-wins, since maps
// make a stronger ordering guarantee meaningless here — the record itself
// is already last-write-wins per session id).
func dedupeByEmail(rec record) []User {
	byEmail := make(map[string]User, len(rec))
	for _, m := range rec {
		byEmail[m.User.Email] = m.User
	}
	out := make([]User, 0, len(byEmail))
	for _, u := range byEmail {
		out = append(out, u)
	}
	return out
}
