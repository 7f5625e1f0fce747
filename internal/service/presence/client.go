package presence

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
)

// Conn is the subset of *websocket.Conn the coordinator writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one live connection bound to a (session, user) pair.
type Client struct {
	id        uint64
	sessionID string
	userID    string
	role      chat.Role
	conn      Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// guarded by Coordinator.mu
	bound   bool
	dropped bool
}

func (c *Client) SessionID() string { return c.sessionID }
func (c *Client) UserID() string    { return c.userID }

// Role is the role asserted by the credential used to connect.
func (c *Client) Role() chat.Role { return c.role }

// Done is closed once the writer has flushed its queue and closed the connection.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

// writeLoop drains the send queue until it is closed, then closes the connection.
func (c *Client) writeLoop(writeTimeout time.Duration) {
	defer close(c.done)
	defer c.closeConn()

	for data := range c.send {
		if writeTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).
				Str("component", "presence").
				Str("session_id", c.sessionID).
				Str("user_id", c.userID).
				Msg("ws write failed, closing connection")
			c.closeConn()
			for range c.send {
			}
			return
		}
	}
}
