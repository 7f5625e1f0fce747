package chat

import (
	"encoding/json"
	"time"
)

// AIAuthorID is the reserved author id rendered for assistant messages.
const AIAuthorID = "ai-model"

// Author identifies who wrote a message: a human member or the assistant.
type Author struct {
	userID string
	system bool
}

// HumanAuthor returns an author bound to a session member.
func HumanAuthor(userID string) Author {
	return Author{userID: userID}
}

// SystemAuthor returns the assistant identity.
func SystemAuthor() Author {
	return Author{system: true}
}

// IsSystem reports whether the author is the assistant.
func (a Author) IsSystem() bool { return a.system }

// ID renders the author for the wire.
func (a Author) ID() string {
	if a.system {
		return AIAuthorID
	}
	return a.userID
}

// Message is one entry of a session log.
type Message struct {
	ID          string
	SessionID   string
	Author      Author
	Content     string
	Timestamp   time.Time
	ContentHash string
}

// MessagePayload is the wire shape of a message.
type MessagePayload struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	AuthorID    string `json:"authorId"`
	Content     string `json:"content"`
	Timestamp   int64  `json:"timestamp"`
	ContentHash string `json:"contentHash"`
}

// Payload converts m to its wire shape. Timestamps are unix milliseconds.
func (m Message) Payload() MessagePayload {
	return MessagePayload{
		ID:          m.ID,
		SessionID:   m.SessionID,
		AuthorID:    m.Author.ID(),
		Content:     m.Content,
		Timestamp:   m.Timestamp.UnixMilli(),
		ContentHash: m.ContentHash,
	}
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Payload())
}
