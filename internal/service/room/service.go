package room

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/z-huddle/backend/internal/config"
	"github.com/zhouzirui/z-huddle/backend/internal/metrics"
	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
	"github.com/zhouzirui/z-huddle/backend/internal/service/ai"
	"github.com/zhouzirui/z-huddle/backend/internal/service/auth"
	"github.com/zhouzirui/z-huddle/backend/internal/service/ledger"
	"github.com/zhouzirui/z-huddle/backend/internal/service/presence"
	"github.com/zhouzirui/z-huddle/backend/internal/service/session"
)

// Deps are the collaborators a Service coordinates.
type Deps struct {
	Store     session.Store
	Ledger    *ledger.Ledger
	Tokens    *auth.TokenService
	Responder ai.Responder
	Metrics   *metrics.Metrics
}

// Created is the outcome of CreateSession.
type Created struct {
	Session       chat.Session
	Credential    chat.Credential
	ShareableLink string
}

// Joined is the outcome of JoinSession.
type Joined struct {
	Member     chat.Member
	Credential chat.Credential
}

// LedgerSummary describes what the ledger holds for a session.
type LedgerSummary struct {
	SessionHash     string
	SessionVerified bool
	MessageCount    int
}

type userIDInput struct {
	UserID string `validate:"required,max=64,printascii,excludesall=/"`
}

// Service coordinates sessions: membership, live connections, message routing,
// the assistant and the integrity ledger. Commands for one session are
// serialised on that session's worker.
type Service struct {
	store     session.Store
	ledger    *ledger.Ledger
	tokens    *auth.TokenService
	presence  *presence.Coordinator
	responder ai.Responder
	metrics   *metrics.Metrics
	router    *Router
	validate  *validator.Validate

	commandBuffer int
	aiTimeout     time.Duration
	publicBaseURL string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the message time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.router.now = now }
}

// NewService wires a Service. Responder may be nil, in which case every
// assistant request falls back.
func NewService(cfg *config.Config, deps Deps, opts ...Option) *Service {
	responder := deps.Responder
	if responder == nil {
		responder = ai.Unavailable{}
	}

	presenceOpts := []presence.Option{
		presence.WithSendBuffer(cfg.Room.SendBuffer),
		presence.WithWriteTimeout(cfg.Room.WriteTimeout),
	}
	if deps.Metrics != nil {
		presenceOpts = append(presenceOpts, presence.WithMetrics(deps.Metrics))
	}
	coordinator := presence.NewCoordinator(deps.Tokens, presenceOpts...)

	burst := cfg.Room.RateBurst
	if burst < 1 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:     deps.Store,
		ledger:    deps.Ledger,
		tokens:    deps.Tokens,
		presence:  coordinator,
		responder: responder,
		metrics:   deps.Metrics,
		validate:  validator.New(),
		router: &Router{
			store:     deps.Store,
			ledger:    deps.Ledger,
			presence:  coordinator,
			metrics:   deps.Metrics,
			maxLength: cfg.Room.MaxMessageLength,
			rateLimit: rate.Limit(cfg.Room.RateLimit),
			rateBurst: burst,
			now:       time.Now,
			newID:     newMessageID,
		},
		commandBuffer: cfg.Room.CommandBuffer,
		aiTimeout:     cfg.Room.AITimeout,
		publicBaseURL: strings.TrimRight(cfg.Server.PublicBaseURL, "/"),
		ctx:           ctx,
		cancel:        cancel,
		workers:       make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Presence exposes the live connection table.
func (s *Service) Presence() *presence.Coordinator { return s.presence }

// CreateSession opens a session owned by userID, generating an id when userID is
// empty. The creation digest is recorded on the ledger; a ledger failure leaves
// the session usable without an integrity hash.
func (s *Service) CreateSession(ctx context.Context, userID string) (Created, error) {
	if s.isClosed() {
		return Created{}, ErrClosed
	}
	userID, err := s.normalizeUserID(userID)
	if err != nil {
		return Created{}, err
	}

	created, err := s.store.Create(ctx, userID)
	if err != nil {
		return Created{}, err
	}

	digest := ledger.HashSessionCreation(created.ID, created.CreatedAt, userID)
	if err := s.ledger.RecordSession(ctx, created.ID, digest); err != nil {
		s.ledgerFailed(err, created.ID, "failed to record session digest")
	} else if err := s.store.SetIntegrityHash(ctx, created.ID, string(digest)); err != nil {
		return Created{}, err
	} else {
		created.IntegrityHash = string(digest)
	}

	cred, err := s.tokens.Issue(created.ID, userID, chat.RoleAdmin)
	if err != nil {
		return Created{}, err
	}
	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
	}
	log.Info().Str("component", "room").
		Str("session_id", created.ID).
		Str("user_id", userID).
		Msg("session created")

	return Created{
		Session:       created,
		Credential:    cred,
		ShareableLink: s.publicBaseURL + "/join/" + created.ID,
	}, nil
}

// JoinSession admits userID to sessionID as a participant. Joining twice
// returns the existing membership.
func (s *Service) JoinSession(ctx context.Context, sessionID, userID string) (Joined, error) {
	userID, err := s.normalizeUserID(userID)
	if err != nil {
		return Joined{}, err
	}
	w, err := s.workerFor(ctx, sessionID)
	if err != nil {
		return Joined{}, err
	}

	var out Joined
	err = w.do(ctx, func(ctx context.Context) error {
		member, err := s.store.Join(ctx, sessionID, userID)
		if err != nil {
			return err
		}
		cred, err := s.tokens.Issue(sessionID, member.UserID, member.Role)
		if err != nil {
			return err
		}
		out = Joined{Member: member, Credential: cred}
		return nil
	})
	if err != nil {
		return Joined{}, err
	}
	log.Info().Str("component", "room").
		Str("session_id", sessionID).
		Str("user_id", userID).
		Msg("member joined")
	return out, nil
}

// Connect binds conn to the session named by sessionID. The token must be valid
// for that session and its holder must still be a member.
func (s *Service) Connect(ctx context.Context, sessionID, token string, conn presence.Conn) (*presence.Client, error) {
	claims, err := s.tokens.ValidateFor(token, sessionID)
	if err != nil {
		return nil, err
	}
	w, err := s.workerFor(ctx, sessionID)
	if err != nil {
		return nil, mapMissing(err)
	}

	// An admitted client must reach the caller, so the wait is not cancellable.
	var client *presence.Client
	err = w.do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		if _, err := s.store.Member(ctx, sessionID, claims.UserID); err != nil {
			return mapMissing(err)
		}
		admitted, err := s.presence.Admit(sessionID, token, conn)
		if err != nil {
			return err
		}
		client = admitted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Disconnect unbinds client. It is safe to call more than once.
func (s *Service) Disconnect(ctx context.Context, client *presence.Client) {
	if client == nil {
		return
	}
	w, err := s.workerFor(ctx, client.SessionID())
	if err == nil {
		err = w.do(ctx, func(context.Context) error {
			s.presence.Remove(client)
			return nil
		})
	}
	if err != nil {
		s.presence.Remove(client)
	}
}

// SendMessage accepts content from client and, when it carries the assistant
// marker, schedules the assistant reply.
func (s *Service) SendMessage(ctx context.Context, client *presence.Client, content string) (chat.Message, error) {
	if client == nil {
		return chat.Message{}, errors.Wrap(chat.ErrUnauthorized, "no connection")
	}
	w, err := s.workerFor(ctx, client.SessionID())
	if err != nil {
		return chat.Message{}, mapMissing(err)
	}

	var msg chat.Message
	err = w.do(ctx, func(ctx context.Context) error {
		accepted, err := s.router.Accept(ctx, w, client, content)
		if err != nil {
			return err
		}
		msg = accepted
		if prompt, ok := ExtractPrompt(content); ok {
			s.askAssistant(w, prompt)
		}
		return nil
	})
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// askAssistant queries the responder off the worker and posts the reply, or the
// fallback text, back through it.
func (s *Service) askAssistant(w *worker, prompt string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		ctx := s.ctx
		if s.aiTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(s.ctx, s.aiTimeout)
			defer cancel()
		}

		outcome := metrics.AIOutcomeReplied
		reply, err := s.responder.Generate(ctx, prompt)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).
				Str("component", "room").
				Str("session_id", w.sessionID).
				Msg("assistant unavailable, posting fallback")
			reply = FallbackReply
			outcome = metrics.AIOutcomeFallback
		}
		if s.metrics != nil {
			s.metrics.AIRequests.WithLabelValues(outcome).Inc()
		}

		err = w.do(s.ctx, func(ctx context.Context) error {
			_, err := s.router.deliver(ctx, w.sessionID, chat.SystemAuthor(), reply)
			return err
		})
		if err != nil && s.ctx.Err() == nil {
			log.Error().Err(err).
				Str("component", "room").
				Str("session_id", w.sessionID).
				Msg("failed to post assistant reply")
		}
	}()
}

// ChangeRole sets target's role. The token holder must currently be an admin of
// the session; the last admin cannot demote itself.
func (s *Service) ChangeRole(ctx context.Context, sessionID, token, target string, role chat.Role) error {
	if !role.Valid() {
		return errors.Wrapf(chat.ErrInvalid, "unknown role %q", role)
	}
	claims, err := s.tokens.ValidateFor(token, sessionID)
	if err != nil {
		return err
	}
	w, err := s.workerFor(ctx, sessionID)
	if err != nil {
		return err
	}

	return w.do(ctx, func(ctx context.Context) error {
		if err := s.requireAdmin(ctx, sessionID, claims.UserID); err != nil {
			return err
		}
		if target == claims.UserID && role != chat.RoleAdmin {
			current, err := s.store.Get(ctx, sessionID)
			if err != nil {
				return err
			}
			admins := lo.CountBy(current.Members, func(m chat.Member) bool { return m.Role == chat.RoleAdmin })
			if admins <= 1 {
				return errors.Wrap(chat.ErrInvalid, "the last admin cannot step down")
			}
		}
		if err := s.store.SetRole(ctx, sessionID, target, role); err != nil {
			return err
		}
		log.Info().Str("component", "room").
			Str("session_id", sessionID).
			Str("by", claims.UserID).
			Str("user_id", target).
			Str("role", string(role)).
			Msg("role changed")
		return nil
	})
}

// Kick removes target from the session and severs its connections. The token
// holder must currently be an admin; nobody can kick themselves or the creator.
func (s *Service) Kick(ctx context.Context, sessionID, token, target string) error {
	claims, err := s.tokens.ValidateFor(token, sessionID)
	if err != nil {
		return err
	}
	w, err := s.workerFor(ctx, sessionID)
	if err != nil {
		return err
	}

	return w.do(ctx, func(ctx context.Context) error {
		if err := s.requireAdmin(ctx, sessionID, claims.UserID); err != nil {
			return err
		}
		if target == claims.UserID {
			return errors.Wrap(chat.ErrInvalid, "admins cannot kick themselves")
		}
		current, err := s.store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if creator, ok := current.Creator(); ok && creator.UserID == target {
			return errors.Wrap(chat.ErrInvalid, "the session creator cannot be kicked")
		}

		removeErr := s.store.RemoveMember(ctx, sessionID, target)
		if removeErr != nil {
			if !errors.Is(removeErr, chat.ErrNotFound) || !lo.Contains(s.presence.MemberList(sessionID), target) {
				return removeErr
			}
		}
		severed := s.presence.Evict(sessionID, target)
		w.forget(target)
		log.Info().Str("component", "room").
			Str("session_id", sessionID).
			Str("by", claims.UserID).
			Str("user_id", target).
			Int("connections", severed).
			Msg("member kicked")
		return nil
	})
}

// Session returns the session to a current member holding token.
func (s *Service) Session(ctx context.Context, sessionID, token string) (chat.Session, error) {
	if err := s.requireMember(ctx, sessionID, token); err != nil {
		return chat.Session{}, err
	}
	return s.store.Get(ctx, sessionID)
}

// Messages returns the message log to a current member holding token.
func (s *Service) Messages(ctx context.Context, sessionID, token string) ([]chat.Message, error) {
	if err := s.requireMember(ctx, sessionID, token); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, sessionID)
}

// Verify reports whether content matches the recorded digest of messageID.
func (s *Service) Verify(ctx context.Context, sessionID, messageID, content string) (bool, error) {
	return s.ledger.Verify(ctx, sessionID, messageID, content)
}

// LedgerSummary reports the recorded creation digest of sessionID, whether it
// still matches the session, and how many message digests were recorded.
func (s *Service) LedgerSummary(ctx context.Context, sessionID string) (LedgerSummary, error) {
	current, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return LedgerSummary{}, err
	}
	var summary LedgerSummary
	rec, ok, err := s.ledger.SessionRecord(ctx, sessionID)
	if err != nil {
		return LedgerSummary{}, err
	}
	if ok {
		summary.SessionHash = string(rec.Digest)
		if creator, found := current.Creator(); found {
			summary.SessionVerified = rec.Digest == ledger.HashSessionCreation(sessionID, current.CreatedAt, creator.UserID)
		}
	}
	if summary.MessageCount, err = s.ledger.MessageCount(ctx, sessionID); err != nil {
		return LedgerSummary{}, err
	}
	return summary, nil
}

// LedgerMessageAt returns the id of the index-th recorded message of sessionID.
func (s *Service) LedgerMessageAt(ctx context.Context, sessionID string, index int) (string, error) {
	if index < 0 {
		return "", errors.Wrapf(chat.ErrInvalid, "negative index %d", index)
	}
	return s.ledger.MessageIDAt(ctx, sessionID, index)
}

// Close stops every worker, drops pending assistant replies and closes all
// live connections.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.presence.CloseAll()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) workerFor(ctx context.Context, sessionID string) (*worker, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if w, ok := s.workers[sessionID]; ok {
		s.mu.Unlock()
		return w, nil
	}
	s.mu.Unlock()

	if _, err := s.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if w, ok := s.workers[sessionID]; ok {
		return w, nil
	}
	w := newWorker(sessionID, s.commandBuffer)
	s.workers[sessionID] = w
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w.run(s.ctx)
	}()
	return w, nil
}

func (s *Service) requireAdmin(ctx context.Context, sessionID, userID string) error {
	member, err := s.store.Member(ctx, sessionID, userID)
	if err != nil {
		return mapMissing(err)
	}
	if member.Role != chat.RoleAdmin {
		return errors.Wrapf(chat.ErrNotAdmin, "user %s is a %s", userID, member.Role)
	}
	return nil
}

func (s *Service) requireMember(ctx context.Context, sessionID, token string) error {
	claims, err := s.tokens.ValidateFor(token, sessionID)
	if err != nil {
		return err
	}
	if _, err := s.store.Member(ctx, sessionID, claims.UserID); err != nil {
		return mapMissing(err)
	}
	return nil
}

func (s *Service) normalizeUserID(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return uuid.NewString(), nil
	}
	if userID == chat.AIAuthorID {
		return "", errors.Wrapf(chat.ErrInvalid, "user id %q is reserved", userID)
	}
	if err := s.validate.Struct(userIDInput{UserID: userID}); err != nil {
		return "", errors.Wrapf(chat.ErrInvalid, "user id %q: %v", userID, err)
	}
	return userID, nil
}

func (s *Service) ledgerFailed(err error, sessionID, msg string) {
	if s.metrics != nil {
		s.metrics.LedgerFailures.Inc()
	}
	log.Error().Err(err).Str("component", "room").Str("session_id", sessionID).Msg(msg)
}

// mapMissing turns a missing session or member into an authorization failure,
// which is what a credential holder that lost its membership should see.
func mapMissing(err error) error {
	if errors.Is(err, chat.ErrNotFound) {
		return errors.Wrap(chat.ErrUnauthorized, err.Error())
	}
	return err
}
