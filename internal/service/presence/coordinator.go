package presence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/zhouzirui/z-huddle/backend/internal/metrics"
	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
	"github.com/zhouzirui/z-huddle/backend/internal/service/auth"
)

// TokenValidator checks a credential presented for a session.
type TokenValidator interface {
	ValidateFor(token, sessionID string) (auth.Claims, error)
}

// Coordinator tracks which connections belong to which session and keeps every
// connection of a session informed about who is live.
//
// The live member list is computed from connections only; a member that joined a
// session but never connected is not listed.
type Coordinator struct {
	validator    TokenValidator
	sendBuffer   int
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string][]*Client
	nextID   uint64
	writers  sync.WaitGroup
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithSendBuffer bounds each connection's outbound queue.
func WithSendBuffer(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.sendBuffer = n
		}
	}
}

// WithWriteTimeout sets the per-write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.writeTimeout = d }
}

// WithMetrics reports connection gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the event time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(validator TokenValidator, opts ...Option) *Coordinator {
	c := &Coordinator{
		validator:    validator,
		sendBuffer:   64,
		writeTimeout: 10 * time.Second,
		now:          time.Now,
		sessions:     make(map[string][]*Client),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit binds conn to sessionID after validating token, then announces the
// newcomer and the refreshed member list to the whole session.
func (c *Coordinator) Admit(sessionID, token string, conn Conn) (*Client, error) {
	if conn == nil {
		return nil, errors.Wrap(chat.ErrInvalid, "connection is required")
	}
	claims, err := c.validator.ValidateFor(token, sessionID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	client := &Client{
		id:        c.nextID,
		sessionID: sessionID,
		userID:    claims.UserID,
		role:      claims.Role,
		conn:      conn,
		send:      make(chan []byte, c.sendBuffer),
		done:      make(chan struct{}),
		bound:     true,
	}
	c.sessions[sessionID] = append(c.sessions[sessionID], client)
	c.writers.Add(1)
	go func() {
		defer c.writers.Done()
		client.writeLoop(c.writeTimeout)
	}()
	if c.metrics != nil {
		c.metrics.ConnectionsActive.Inc()
	}

	log.Info().Str("component", "presence").
		Str("session_id", sessionID).
		Str("user_id", client.userID).
		Msg("connection admitted")

	now := c.now()
	c.broadcastLocked(sessionID, chat.NewEvent(chat.EventUserJoined, sessionID,
		chat.UserEvent{UserID: client.userID, Timestamp: now.UnixMilli()}, now))
	c.broadcastMemberListLocked(sessionID, now)
	return client, nil
}

// Remove unbinds client. The remaining connections receive the refreshed member
// list and, when it was the user's last connection, a user_left event.
// It reports false when client was not bound.
func (c *Coordinator) Remove(client *Client) bool {
	if client == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !client.bound {
		return false
	}
	c.unbindLocked(client)

	log.Info().Str("component", "presence").
		Str("session_id", client.sessionID).
		Str("user_id", client.userID).
		Msg("connection removed")

	now := c.now()
	if !c.hasUserLocked(client.sessionID, client.userID) {
		c.broadcastLocked(client.sessionID, chat.NewEvent(chat.EventUserLeft, client.sessionID,
			chat.UserEvent{UserID: client.userID, Timestamp: now.UnixMilli()}, now))
	}
	c.broadcastMemberListLocked(client.sessionID, now)
	return true
}

// Evict severs every connection of userID in sessionID. All connections of the
// session, the evicted ones included, first receive a user_kicked event naming
// userID; the evicted connections are closed once that event is flushed.
// It returns the number of severed connections.
func (c *Coordinator) Evict(sessionID, userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.broadcastLocked(sessionID, chat.NewEvent(chat.EventUserKicked, sessionID,
		chat.UserEvent{UserID: userID, Timestamp: now.UnixMilli()}, now))

	evicted := lo.Filter(c.sessions[sessionID], func(cl *Client, _ int) bool {
		return cl.userID == userID
	})
	for _, cl := range evicted {
		c.unbindLocked(cl)
	}
	if len(evicted) == 0 {
		return 0
	}

	log.Info().Str("component", "presence").
		Str("session_id", sessionID).
		Str("user_id", userID).
		Int("connections", len(evicted)).
		Msg("user evicted")

	c.broadcastLocked(sessionID, chat.NewEvent(chat.EventUserLeft, sessionID,
		chat.UserEvent{UserID: userID, Timestamp: now.UnixMilli()}, now))
	c.broadcastMemberListLocked(sessionID, now)
	return len(evicted)
}

// MemberList returns the distinct live user ids of sessionID in admission order.
func (c *Coordinator) MemberList(sessionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memberListLocked(sessionID)
}

// IsBound reports whether client is still admitted.
func (c *Coordinator) IsBound(client *Client) bool {
	if client == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return client.bound
}

// Count returns the number of live connections in sessionID.
func (c *Coordinator) Count(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions[sessionID])
}

// Broadcast queues evt for every connection of sessionID.
func (c *Coordinator) Broadcast(sessionID string, evt chat.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcastLocked(sessionID, evt)
}

// Send queues evt for client only.
func (c *Coordinator) Send(client *Client, evt chat.Event) {
	data, ok := encode(evt)
	if !ok || client == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(client, data)
}

// CloseAll unbinds every connection without emitting events and waits for the
// writers to finish.
func (c *Coordinator) CloseAll() {
	c.mu.Lock()
	for _, clients := range c.sessions {
		for _, cl := range clients {
			c.unbindLocked(cl)
		}
	}
	c.sessions = make(map[string][]*Client)
	c.mu.Unlock()

	c.writers.Wait()
}

func (c *Coordinator) unbindLocked(client *Client) {
	client.bound = false
	remaining := lo.Reject(c.sessions[client.sessionID], func(cl *Client, _ int) bool {
		return cl == client
	})
	if len(remaining) == 0 {
		delete(c.sessions, client.sessionID)
	} else {
		c.sessions[client.sessionID] = remaining
	}
	close(client.send)
	if c.metrics != nil {
		c.metrics.ConnectionsActive.Dec()
	}
}

func (c *Coordinator) hasUserLocked(sessionID, userID string) bool {
	return lo.ContainsBy(c.sessions[sessionID], func(cl *Client) bool {
		return cl.userID == userID
	})
}

func (c *Coordinator) memberListLocked(sessionID string) []string {
	return lo.Uniq(lo.Map(c.sessions[sessionID], func(cl *Client, _ int) string {
		return cl.userID
	}))
}

func (c *Coordinator) broadcastMemberListLocked(sessionID string, now time.Time) {
	users := c.memberListLocked(sessionID)
	c.broadcastLocked(sessionID, chat.NewEvent(chat.EventUserListUpdated, sessionID,
		chat.UserListEvent{Users: users, Timestamp: now.UnixMilli()}, now))
}

func (c *Coordinator) broadcastLocked(sessionID string, evt chat.Event) {
	data, ok := encode(evt)
	if !ok {
		return
	}
	for _, cl := range c.sessions[sessionID] {
		c.enqueueLocked(cl, data)
	}
}

// enqueueLocked never blocks: a client whose queue is full is dropped and its
// connection closed, which makes its reader disconnect it.
func (c *Coordinator) enqueueLocked(client *Client, data []byte) {
	if !client.bound || client.dropped {
		return
	}
	select {
	case client.send <- data:
	default:
		client.dropped = true
		if c.metrics != nil {
			c.metrics.ConnectionsDrops.Inc()
		}
		log.Warn().Str("component", "presence").
			Str("session_id", client.sessionID).
			Str("user_id", client.userID).
			Msg("send queue full, dropping connection")
		go client.closeConn()
	}
}

func encode(evt chat.Event) ([]byte, bool) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("component", "presence").Str("event", string(evt.Name)).Msg("failed to encode event")
		return nil, false
	}
	return data, true
}
