package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
)

// maxIDAttempts bounds id regeneration on collision.
const maxIDAttempts = 8

// ErrIDExhausted is returned when no unused session id could be generated.
var ErrIDExhausted = errors.New("session id space exhausted")

// Store owns sessions, their members and their message logs.
type Store interface {
	Create(ctx context.Context, creatorUserID string) (chat.Session, error)
	Join(ctx context.Context, sessionID, userID string) (chat.Member, error)
	Get(ctx context.Context, sessionID string) (chat.Session, error)
	Member(ctx context.Context, sessionID, userID string) (chat.Member, error)
	AppendMessage(ctx context.Context, sessionID string, message chat.Message) error
	Messages(ctx context.Context, sessionID string) ([]chat.Message, error)
	SetRole(ctx context.Context, sessionID, userID string, role chat.Role) error
	RemoveMember(ctx context.Context, sessionID, userID string) error
	SetIntegrityHash(ctx context.Context, sessionID, digest string) error
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*chat.Session
	now      func() time.Time
	newID    func() string
}

// Option customises a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *MemoryStore) { s.newID = newID }
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*chat.Session),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create provisions a session whose only member is its creator, as admin.
func (s *MemoryStore) Create(_ context.Context, creatorUserID string) (chat.Session, error) {
	if creatorUserID == "" {
		return chat.Session{}, errors.Wrap(chat.ErrInvalid, "creator user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.unusedIDLocked()
	if err != nil {
		return chat.Session{}, err
	}

	now := s.now()
	session := &chat.Session{
		ID:        id,
		CreatedAt: now,
		Members:   []chat.Member{{UserID: creatorUserID, Role: chat.RoleAdmin, JoinedAt: now}},
		Messages:  make([]chat.Message, 0, 16),
	}
	s.sessions[id] = session
	return session.Clone(), nil
}

func (s *MemoryStore) unusedIDLocked() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := s.newID()
		if id == "" {
			continue
		}
		if _, taken := s.sessions[id]; !taken {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}

// Join adds userID as a participant. Joining twice returns the existing member.
func (s *MemoryStore) Join(_ context.Context, sessionID, userID string) (chat.Member, error) {
	if userID == "" {
		return chat.Member{}, errors.Wrap(chat.ErrInvalid, "user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessionLocked(sessionID)
	if err != nil {
		return chat.Member{}, err
	}
	if idx := memberIndex(session, userID); idx >= 0 {
		return session.Members[idx], nil
	}

	member := chat.Member{UserID: userID, Role: chat.RoleParticipant, JoinedAt: s.now()}
	session.Members = append(session.Members, member)
	return member, nil
}

// Get returns a copy of the session.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, err := s.sessionLocked(sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	return session.Clone(), nil
}

// Member returns the live membership record of userID.
func (s *MemoryStore) Member(_ context.Context, sessionID, userID string) (chat.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, err := s.sessionLocked(sessionID)
	if err != nil {
		return chat.Member{}, err
	}
	idx := memberIndex(session, userID)
	if idx < 0 {
		return chat.Member{}, errors.Wrapf(chat.ErrNotFound, "member %s in session %s", userID, sessionID)
	}
	return session.Members[idx], nil
}

// AppendMessage adds message to the end of the session log.
func (s *MemoryStore) AppendMessage(_ context.Context, sessionID string, message chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessionLocked(sessionID)
	if err != nil {
		return err
	}
	message.SessionID = sessionID
	session.Messages = append(session.Messages, message)
	return nil
}

// Messages returns a copy of the session log.
func (s *MemoryStore) Messages(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, err := s.sessionLocked(sessionID)
	if err != nil {
		return nil, err
	}
	copied := make([]chat.Message, len(session.Messages))
	copy(copied, session.Messages)
	return copied, nil
}

// SetRole changes the role of an existing member.
func (s *MemoryStore) SetRole(_ context.Context, sessionID, userID string, role chat.Role) error {
	if !role.Valid() {
		return errors.Wrapf(chat.ErrInvalid, "unknown role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessionLocked(sessionID)
	if err != nil {
		return err
	}
	idx := memberIndex(session, userID)
	if idx < 0 {
		return errors.Wrapf(chat.ErrNotFound, "member %s in session %s", userID, sessionID)
	}
	session.Members[idx].Role = role
	return nil
}

// RemoveMember deletes userID from the member list.
func (s *MemoryStore) RemoveMember(_ context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessionLocked(sessionID)
	if err != nil {
		return err
	}
	idx := memberIndex(session, userID)
	if idx < 0 {
		return errors.Wrapf(chat.ErrNotFound, "member %s in session %s", userID, sessionID)
	}
	session.Members = append(session.Members[:idx], session.Members[idx+1:]...)
	return nil
}

// SetIntegrityHash stores the creation digest of the session.
func (s *MemoryStore) SetIntegrityHash(_ context.Context, sessionID, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.sessionLocked(sessionID)
	if err != nil {
		return err
	}
	session.IntegrityHash = digest
	return nil
}

func (s *MemoryStore) sessionLocked(sessionID string) (*chat.Session, error) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.Wrapf(chat.ErrNotFound, "session %s", sessionID)
	}
	return session, nil
}

func memberIndex(session *chat.Session, userID string) int {
	for i, m := range session.Members {
		if m.UserID == userID {
			return i
		}
	}
	return -1
}
