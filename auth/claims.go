package auth

// Claims is the decoded identity attached to a session after a successful
// handshake. It carries only what the gateway itself needs to route and
// deduplicate presence; the upstream identity provider owns everything
// else about the user.
type Claims struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
}
