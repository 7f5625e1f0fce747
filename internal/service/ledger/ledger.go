package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
)

// Ledger records session and message digests and verifies content against them.
//
// Recording is append-only: recording the same digest twice is a no-op, recording a
// different digest under an existing key fails with chat.ErrAlreadyRecorded.
type Ledger struct {
	backend Backend
	now     func() time.Time
}

// New wraps backend.
func New(backend Backend) *Ledger {
	return &Ledger{backend: backend, now: func() time.Time { return time.Now().UTC() }}
}

// RecordSession stores the creation digest of sessionID.
func (l *Ledger) RecordSession(ctx context.Context, sessionID string, digest Digest) error {
	stored, created, err := l.backend.PutSession(ctx, sessionID, Record{Digest: digest, RecordedAt: l.now()})
	if err != nil {
		return errors.Wrapf(chat.ErrLedgerUnavailable, "record session %s: %v", sessionID, err)
	}
	if !created && stored.Digest != digest {
		return errors.Wrapf(chat.ErrAlreadyRecorded, "session %s", sessionID)
	}
	return nil
}

// RecordMessage stores the digest of messageID within sessionID.
func (l *Ledger) RecordMessage(ctx context.Context, sessionID, messageID string, digest Digest) error {
	stored, created, err := l.backend.PutMessage(ctx, sessionID, messageID, Record{Digest: digest, RecordedAt: l.now()})
	if err != nil {
		return errors.Wrapf(chat.ErrLedgerUnavailable, "record message %s/%s: %v", sessionID, messageID, err)
	}
	if !created && stored.Digest != digest {
		return errors.Wrapf(chat.ErrAlreadyRecorded, "message %s/%s", sessionID, messageID)
	}
	return nil
}

// Verify recomputes the digest of candidateContent and compares it with the record.
// A mismatch is reported as false; only a missing record is an error.
func (l *Ledger) Verify(ctx context.Context, sessionID, messageID, candidateContent string) (bool, error) {
	rec, ok, err := l.backend.GetMessage(ctx, sessionID, messageID)
	if err != nil {
		return false, errors.Wrapf(chat.ErrLedgerUnavailable, "read message %s/%s: %v", sessionID, messageID, err)
	}
	if !ok {
		return false, errors.Wrapf(chat.ErrNotFound, "no ledger record for message %s/%s", sessionID, messageID)
	}
	return rec.Digest == hashMessageFields(messageID, candidateContent, sessionID), nil
}

// VerifySession checks a session's creation parameters against its record.
func (l *Ledger) VerifySession(ctx context.Context, sessionID string, createdAt time.Time, creatorUserID string) (bool, error) {
	rec, ok, err := l.SessionRecord(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errors.Wrapf(chat.ErrNotFound, "no ledger record for session %s", sessionID)
	}
	return rec.Digest == HashSessionCreation(sessionID, createdAt, creatorUserID), nil
}

// SessionRecord returns the stored creation record of sessionID.
func (l *Ledger) SessionRecord(ctx context.Context, sessionID string) (Record, bool, error) {
	rec, ok, err := l.backend.GetSession(ctx, sessionID)
	if err != nil {
		return Record{}, false, errors.Wrapf(chat.ErrLedgerUnavailable, "read session %s: %v", sessionID, err)
	}
	return rec, ok, nil
}

// MessageCount returns how many message digests were recorded for sessionID.
func (l *Ledger) MessageCount(ctx context.Context, sessionID string) (int, error) {
	n, err := l.backend.CountMessages(ctx, sessionID)
	if err != nil {
		return 0, errors.Wrapf(chat.ErrLedgerUnavailable, "count messages %s: %v", sessionID, err)
	}
	return n, nil
}

// MessageIDAt returns the id of the index-th recorded message of sessionID.
func (l *Ledger) MessageIDAt(ctx context.Context, sessionID string, index int) (string, error) {
	id, ok, err := l.backend.MessageIDAt(ctx, sessionID, index)
	if err != nil {
		return "", errors.Wrapf(chat.ErrLedgerUnavailable, "read message index %s/%d: %v", sessionID, index, err)
	}
	if !ok {
		return "", errors.Wrapf(chat.ErrNotFound, "no message at index %d in session %s", index, sessionID)
	}
	return id, nil
}

// Close releases the backend.
func (l *Ledger) Close() error {
	return l.backend.Close()
}
