package room

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/z-huddle/backend/internal/metrics"
	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
	"github.com/zhouzirui/z-huddle/backend/internal/service/ledger"
	"github.com/zhouzirui/z-huddle/backend/internal/service/presence"
	"github.com/zhouzirui/z-huddle/backend/internal/service/session"
)

// AIMarker prefixes a message that should be answered by the assistant.
const AIMarker = "AI "

// FallbackReply is posted by the assistant when it cannot answer.
const FallbackReply = "Sorry, I'm having trouble responding right now. Please try again."

// Rejection reasons reported on the messages_rejected metric.
const (
	rejectUnbound     = "unbound"
	rejectInvalid     = "invalid"
	rejectRateLimited = "rate_limited"
)

// ExtractPrompt returns the assistant prompt carried by content, if any.
// The marker is case-sensitive and must be followed by a non-empty remainder.
func ExtractPrompt(content string) (string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, AIMarker) {
		return "", false
	}
	prompt := strings.TrimSpace(strings.TrimPrefix(trimmed, AIMarker))
	if prompt == "" {
		return "", false
	}
	return prompt, true
}

// Router accepts messages for a session and fans them out. It is only called
// from a session worker, which serialises acceptance per session.
type Router struct {
	store     session.Store
	ledger    *ledger.Ledger
	presence  *presence.Coordinator
	metrics   *metrics.Metrics
	maxLength int
	rateLimit rate.Limit
	rateBurst int
	now       func() time.Time
	newID     func() string
}

// Accept runs the inbound pipeline for content sent by client: binding check,
// validation, rate limit, persistence, ledger recording and broadcast.
func (r *Router) Accept(ctx context.Context, w *worker, client *presence.Client, content string) (chat.Message, error) {
	if client == nil || client.SessionID() != w.sessionID || !r.presence.IsBound(client) {
		r.reject(rejectUnbound)
		return chat.Message{}, errors.Wrap(chat.ErrUnauthorized, "connection is not bound to the session")
	}
	if err := r.validateContent(content); err != nil {
		r.reject(rejectInvalid)
		return chat.Message{}, err
	}
	if l := w.limiter(client.UserID(), r.rateLimit, r.rateBurst); l != nil && !l.Allow() {
		r.reject(rejectRateLimited)
		return chat.Message{}, errors.Wrapf(chat.ErrRateLimited, "user %s", client.UserID())
	}
	return r.deliver(ctx, w.sessionID, chat.HumanAuthor(client.UserID()), content)
}

// deliver persists, records and broadcasts one message.
func (r *Router) deliver(ctx context.Context, sessionID string, author chat.Author, content string) (chat.Message, error) {
	msg := chat.Message{
		ID:        r.newID(),
		SessionID: sessionID,
		Author:    author,
		Content:   content,
		Timestamp: r.now(),
	}
	digest := ledger.HashMessage(msg)
	msg.ContentHash = string(digest)

	if err := r.store.AppendMessage(ctx, sessionID, msg); err != nil {
		return chat.Message{}, err
	}

	if err := r.ledger.RecordMessage(ctx, sessionID, msg.ID, digest); err != nil {
		if r.metrics != nil {
			r.metrics.LedgerFailures.Inc()
		}
		log.Error().Err(err).
			Str("component", "router").
			Str("session_id", sessionID).
			Str("message_id", msg.ID).
			Msg("failed to record message digest")
	}

	r.presence.Broadcast(sessionID, chat.NewEvent(chat.EventMessage, sessionID, msg.Payload(), msg.Timestamp))
	if r.metrics != nil {
		r.metrics.MessagesAccepted.Inc()
	}
	return msg, nil
}

func (r *Router) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.Wrap(chat.ErrInvalid, "message content is empty")
	}
	if !utf8.ValidString(content) {
		return errors.Wrap(chat.ErrInvalid, "message content is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(content); n > r.maxLength {
		return errors.Wrapf(chat.ErrInvalid, "message content is %d characters, limit is %d", n, r.maxLength)
	}
	return nil
}

func (r *Router) reject(reason string) {
	if r.metrics != nil {
		r.metrics.MessagesRejected.WithLabelValues(reason).Inc()
	}
}

func newMessageID() string {
	return uuid.NewString()
}
