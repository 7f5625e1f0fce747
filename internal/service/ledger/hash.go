package ledger

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
)

// Digest is a 0x-prefixed hex Keccak-256 fingerprint.
type Digest string

// sessionPayload and messagePayload fix the canonical field order of hashed content.
type sessionPayload struct {
	SessionID string `json:"sessionId"`
	CreatedAt int64  `json:"createdAt"`
	Creator   string `json:"creator"`
}

type messagePayload struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	SessionID string `json:"sessionId"`
}

// HashSessionCreation fingerprints the creation of a session.
func HashSessionCreation(sessionID string, createdAt time.Time, creatorUserID string) Digest {
	return digestOf(sessionPayload{
		SessionID: sessionID,
		CreatedAt: createdAt.UnixMilli(),
		Creator:   creatorUserID,
	})
}

// HashMessage fingerprints the id, content and owning session of a message.
func HashMessage(message chat.Message) Digest {
	return hashMessageFields(message.ID, message.Content, message.SessionID)
}

func hashMessageFields(messageID, content, sessionID string) Digest {
	return digestOf(messagePayload{ID: messageID, Content: content, SessionID: sessionID})
}

func digestOf(payload any) Digest {
	// Marshalling a struct of strings and ints cannot fail.
	raw, _ := json.Marshal(payload)
	return keccakHex(raw)
}

func keccakHex(raw []byte) Digest {
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)
	return Digest("0x" + hex.EncodeToString(h.Sum(nil)))
}
