package ledger

import (
	"context"
	"time"
)

// Record is one stored digest.
type Record struct {
	Digest     Digest    `json:"digest"`
	RecordedAt time.Time `json:"recordedAt"`
	Sequence   uint64    `json:"sequence,omitempty"`
}

// Backend is the durable append-only record store behind the ledger.
//
// Put operations must not overwrite: when a record already exists for the key they
// return the stored record and created=false.
type Backend interface {
	PutSession(ctx context.Context, sessionID string, rec Record) (stored Record, created bool, err error)
	GetSession(ctx context.Context, sessionID string) (Record, bool, error)
	PutMessage(ctx context.Context, sessionID, messageID string, rec Record) (stored Record, created bool, err error)
	GetMessage(ctx context.Context, sessionID, messageID string) (Record, bool, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	MessageIDAt(ctx context.Context, sessionID string, index int) (string, bool, error)
	Close() error
}
