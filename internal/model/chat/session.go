package chat

import "time"

// Role is the authority a member holds inside a session.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleParticipant Role = "participant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleParticipant
}

// Member is a user admitted to a session.
type Member struct {
	UserID   string    `json:"userId"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Session is a shared room. Members keep join order and Messages are append-only.
type Session struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	Members       []Member  `json:"members"`
	Messages      []Message `json:"messages,omitempty"`
	IntegrityHash string    `json:"integrityHash,omitempty"`
}

// Creator returns the first member, which is always the session creator.
func (s Session) Creator() (Member, bool) {
	if len(s.Members) == 0 {
		return Member{}, false
	}
	return s.Members[0], true
}

// Clone returns a copy that shares no slices with s.
func (s Session) Clone() Session {
	out := s
	out.Members = append([]Member(nil), s.Members...)
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}

// Credential is a signed, time-limited proof of membership.
type Credential struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
