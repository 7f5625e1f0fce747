package room_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/z-huddle/backend/internal/config"
	"github.com/zhouzirui/z-huddle/backend/internal/metrics"
	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
	"github.com/zhouzirui/z-huddle/backend/internal/service/ai"
	"github.com/zhouzirui/z-huddle/backend/internal/service/auth"
	"github.com/zhouzirui/z-huddle/backend/internal/service/ledger"
	"github.com/zhouzirui/z-huddle/backend/internal/service/room"
	"github.com/zhouzirui/z-huddle/backend/internal/service/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *recordingConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *recordingConn) SetWriteDeadline(time.Time) error { return nil }

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type frame struct {
	Name chat.EventName  `json:"event"`
	Data json.RawMessage `json:"data"`
}

func (c *recordingConn) events() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f frame
		if json.Unmarshal(raw, &f) == nil {
			out = append(out, f)
		}
	}
	return out
}

func (c *recordingConn) messages() []chat.MessagePayload {
	var out []chat.MessagePayload
	for _, f := range c.events() {
		if f.Name != chat.EventMessage {
			continue
		}
		var p chat.MessagePayload
		if json.Unmarshal(f.Data, &p) == nil {
			out = append(out, p)
		}
	}
	return out
}

func (c *recordingConn) contents() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, m.Content)
	}
	return out
}

func (c *recordingConn) last(name chat.EventName) (json.RawMessage, bool) {
	evts := c.events()
	for i := len(evts) - 1; i >= 0; i-- {
		if evts[i].Name == name {
			return evts[i].Data, true
		}
	}
	return nil, false
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{PublicBaseURL: "http://huddle.test/"},
		Auth:   config.AuthConfig{Secret: "room-test-secret", TokenTTL: time.Hour, Issuer: "z-huddle-test"},
		Room: config.RoomConfig{
			SendBuffer:       512,
			WriteTimeout:     time.Second,
			CommandBuffer:    16,
			MaxMessageLength: 200,
			RateBurst:        1,
			AITimeout:        2 * time.Second,
		},
	}
}

type fixture struct {
	svc    *room.Service
	ledger *ledger.Ledger
	cfg    *config.Config
}

func newFixture(t *testing.T, responder ai.Responder, tweak ...func(*config.Config, *room.Deps)) fixture {
	t.Helper()
	cfg := testConfig()
	deps := room.Deps{
		Store:     session.NewMemoryStore(),
		Ledger:    ledger.New(ledger.NewMemoryBackend()),
		Tokens:    auth.NewTokenService(cfg.Auth),
		Responder: responder,
		Metrics:   metrics.New(),
	}
	for _, fn := range tweak {
		fn(cfg, &deps)
	}
	svc := room.NewService(cfg, deps)
	t.Cleanup(svc.Close)
	return fixture{svc: svc, ledger: deps.Ledger, cfg: cfg}
}

func echoResponder(prefix string) ai.Responder {
	return ai.ResponderFunc(func(_ context.Context, prompt string) (string, error) {
		return prefix + prompt, nil
	})
}

func TestCreateSessionIssuesAdminCredential(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	req.Equal("alice", created.Credential.UserID)
	req.Equal(chat.RoleAdmin, created.Credential.Role)
	req.Equal("http://huddle.test/join/"+created.Session.ID, created.ShareableLink)
	req.NotEmpty(created.Session.IntegrityHash)

	got, err := f.svc.Session(ctx, created.Session.ID, created.Credential.Token)
	req.NoError(err)
	req.Len(got.Members, 1)
	req.Equal(chat.RoleAdmin, got.Members[0].Role)
	req.Equal(created.Session.IntegrityHash, got.IntegrityHash)

	summary, err := f.svc.LedgerSummary(ctx, created.Session.ID)
	req.NoError(err)
	req.Equal(created.Session.IntegrityHash, summary.SessionHash)
	req.True(summary.SessionVerified)
	req.Zero(summary.MessageCount)
}

func TestCreateSessionGeneratesUserID(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)

	created, err := f.svc.CreateSession(context.Background(), "  ")
	req.NoError(err)
	req.NotEmpty(created.Credential.UserID)
}

func TestUserIDValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{chat.AIAuthorID, "a/b", string(make([]byte, 65))} {
		t.Run(fmt.Sprintf("%q", id), func(t *testing.T) {
			_, err := f.svc.CreateSession(ctx, id)
			require.ErrorIs(t, err, chat.ErrInvalid)
		})
	}
}

func TestJoinMissingSession(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.JoinSession(context.Background(), "missing", "bob")
	require.ErrorIs(t, err, chat.ErrNotFound)
}

func TestRepeatedJoinKeepsOneMember(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	sid := created.Session.ID

	first, err := f.svc.JoinSession(ctx, sid, "bob")
	req.NoError(err)
	second, err := f.svc.JoinSession(ctx, sid, "bob")
	req.NoError(err)
	req.Equal(first.Member, second.Member)

	got, err := f.svc.Session(ctx, sid, created.Credential.Token)
	req.NoError(err)
	req.Len(got.Members, 2)
}

// Create, join, exchange messages with the assistant, then evict.
func TestSessionScenario(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, echoResponder("4 is the answer to: "))
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "A")
	req.NoError(err)
	sid := created.Session.ID
	joined, err := f.svc.JoinSession(ctx, sid, "B")
	req.NoError(err)
	req.Equal(chat.RoleParticipant, joined.Member.Role)

	connA, connB := &recordingConn{}, &recordingConn{}
	clientA, err := f.svc.Connect(ctx, sid, created.Credential.Token, connA)
	req.NoError(err)
	clientB, err := f.svc.Connect(ctx, sid, joined.Credential.Token, connB)
	req.NoError(err)
	req.Equal([]string{"A", "B"}, f.svc.Presence().MemberList(sid))

	_, err = f.svc.SendMessage(ctx, clientA, "hello")
	req.NoError(err)
	req.Eventually(func() bool {
		return len(connA.contents()) == 1 && len(connB.contents()) == 1
	}, time.Second, 5*time.Millisecond)

	raw, ok := connA.last(chat.EventUserListUpdated)
	req.True(ok)
	var list chat.UserListEvent
	req.NoError(json.Unmarshal(raw, &list))
	req.Equal([]string{"A", "B"}, list.Users)

	_, err = f.svc.SendMessage(ctx, clientB, "AI what is 2+2")
	req.NoError(err)
	for _, conn := range []*recordingConn{connA, connB} {
		req.Eventually(func() bool { return len(conn.messages()) == 3 }, time.Second, 5*time.Millisecond)
		msgs := conn.messages()
		req.Equal("B", msgs[1].AuthorID)
		req.Equal("AI what is 2+2", msgs[1].Content)
		req.Equal(chat.AIAuthorID, msgs[2].AuthorID)
		req.Equal("4 is the answer to: what is 2+2", msgs[2].Content)
	}

	req.NoError(f.svc.Kick(ctx, sid, created.Credential.Token, "B"))
	<-clientB.Done()
	req.True(connB.isClosed())
	raw, ok = connB.last(chat.EventUserKicked)
	req.True(ok)
	var kicked chat.UserEvent
	req.NoError(json.Unmarshal(raw, &kicked))
	req.Equal("B", kicked.UserID)

	req.Eventually(func() bool {
		raw, ok := connA.last(chat.EventUserListUpdated)
		if !ok {
			return false
		}
		var list chat.UserListEvent
		return json.Unmarshal(raw, &list) == nil && len(list.Users) == 1 && list.Users[0] == "A"
	}, time.Second, 5*time.Millisecond)

	f.svc.Disconnect(ctx, clientA)
}

func TestMessagesBroadcastInAcceptanceOrder(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	sid := created.Session.ID

	const senders, perSender = 4, 25
	var clients []*recordingConn
	tokens := []string{created.Credential.Token}
	for i := 1; i < senders; i++ {
		joined, err := f.svc.JoinSession(ctx, sid, fmt.Sprintf("user-%d", i))
		req.NoError(err)
		tokens = append(tokens, joined.Credential.Token)
	}

	var wg sync.WaitGroup
	for i, token := range tokens {
		conn := &recordingConn{}
		clients = append(clients, conn)
		client, err := f.svc.Connect(ctx, sid, token, conn)
		req.NoError(err)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_, err := f.svc.SendMessage(ctx, client, fmt.Sprintf("%d-%d", i, j))
				if err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	stored, err := f.svc.Messages(ctx, sid, created.Credential.Token)
	req.NoError(err)
	req.Len(stored, senders*perSender)
	want := make([]string, 0, len(stored))
	for _, m := range stored {
		want = append(want, m.ID)
	}

	for _, conn := range clients {
		req.Eventually(func() bool { return len(conn.messages()) == len(want) }, 2*time.Second, 5*time.Millisecond)
		got := make([]string, 0, len(want))
		for _, m := range conn.messages() {
			got = append(got, m.ID)
		}
		req.Equal(want, got)
	}
}

func TestEmptyAIPromptIsNotAnswered(t *testing.T) {
	req := require.New(t)
	var calls atomic.Int32
	responder := ai.ResponderFunc(func(context.Context, string) (string, error) {
		calls.Add(1)
		return "unexpected", nil
	})
	f := newFixture(t, responder)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	conn := &recordingConn{}
	client, err := f.svc.Connect(ctx, created.Session.ID, created.Credential.Token, conn)
	req.NoError(err)

	for _, content := range []string{"AI ", "  AI   ", "ai hello", "AIhello"} {
		_, err := f.svc.SendMessage(ctx, client, content)
		req.NoError(err)
	}
	req.Never(func() bool {
		for _, m := range conn.messages() {
			if m.AuthorID == chat.AIAuthorID {
				return true
			}
		}
		return false
	}, 100*time.Millisecond, 10*time.Millisecond)
	req.Zero(calls.Load())
}

func TestExtractPrompt(t *testing.T) {
	cases := []struct {
		in     string
		prompt string
		ok     bool
	}{
		{"AI summarize this", "summarize this", true},
		{"  AI   spaced  ", "spaced", true},
		{"AI ", "", false},
		{"AI", "", false},
		{"ai summarize", "", false},
		{"hello AI there", "", false},
	}
	for _, tc := range cases {
		prompt, ok := room.ExtractPrompt(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		require.Equal(t, tc.prompt, prompt, tc.in)
	}
}

func TestAIFailurePostsFallback(t *testing.T) {
	req := require.New(t)
	responder := ai.ResponderFunc(func(context.Context, string) (string, error) {
		return "", chat.ErrAIUnavailable
	})
	f := newFixture(t, responder)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	sid := created.Session.ID
	conn := &recordingConn{}
	client, err := f.svc.Connect(ctx, sid, created.Credential.Token, conn)
	req.NoError(err)

	trigger, err := f.svc.SendMessage(ctx, client, "AI summarize this")
	req.NoError(err)
	req.Eventually(func() bool { return len(conn.messages()) == 2 }, time.Second, 5*time.Millisecond)

	reply := conn.messages()[1]
	req.Equal(chat.AIAuthorID, reply.AuthorID)
	req.Equal(room.FallbackReply, reply.Content)

	stored, err := f.svc.Messages(ctx, sid, created.Credential.Token)
	req.NoError(err)
	req.Len(stored, 2)
	req.Equal(trigger.ID, stored[0].ID)
	req.True(stored[1].Author.IsSystem())

	ok, err := f.svc.Verify(ctx, sid, reply.ID, room.FallbackReply)
	req.NoError(err)
	req.True(ok)
}

func TestAIDoesNotBlockOtherMessages(t *testing.T) {
	req := require.New(t)
	release := make(chan struct{})
	responder := ai.ResponderFunc(func(ctx context.Context, prompt string) (string, error) {
		select {
		case <-release:
			return "late answer", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	f := newFixture(t, responder)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	sid := created.Session.ID
	joined, err := f.svc.JoinSession(ctx, sid, "bob")
	req.NoError(err)

	connA, connB := &recordingConn{}, &recordingConn{}
	alice, err := f.svc.Connect(ctx, sid, created.Credential.Token, connA)
	req.NoError(err)
	bob, err := f.svc.Connect(ctx, sid, joined.Credential.Token, connB)
	req.NoError(err)

	_, err = f.svc.SendMessage(ctx, alice, "AI think hard")
	req.NoError(err)
	_, err = f.svc.SendMessage(ctx, bob, "meanwhile")
	req.NoError(err)
	req.Eventually(func() bool {
		return len(connA.contents()) == 2
	}, time.Second, 5*time.Millisecond)
	req.Equal([]string{"AI think hard", "meanwhile"}, connA.contents())

	close(release)
	req.Eventually(func() bool {
		return len(connB.contents()) == 3
	}, time.Second, 5*time.Millisecond)
	req.Equal("late answer", connB.contents()[2])
}

func TestNonAdminCannotManageMembers(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	sid := created.Session.ID
	bob, err := f.svc.JoinSession(ctx, sid, "bob")
	req.NoError(err)
	_, err = f.svc.JoinSession(ctx, sid, "carol")
	req.NoError(err)

	err = f.svc.Kick(ctx, sid, bob.Credential.Token, "carol")
	req.ErrorIs(err, chat.ErrNotAdmin)
	req.ErrorIs(err, chat.ErrUnauthorized)
	err = f.svc.ChangeRole(ctx, sid, bob.Credential.Token, "bob", chat.RoleAdmin)
	req.ErrorIs(err, chat.ErrNotAdmin)

	got, err := f.svc.Session(ctx, sid, created.Credential.Token)
	req.NoError(err)
	req.Equal([]chat.Member{
		{UserID: "alice", Role: chat.RoleAdmin, JoinedAt: got.Members[0].JoinedAt},
		{UserID: "bob", Role: chat.RoleParticipant, JoinedAt: got.Members[1].JoinedAt},
		{UserID: "carol", Role: chat.RoleParticipant, JoinedAt: got.Members[2].JoinedAt},
	}, got.Members)
}

func TestPromotedMemberActsWithOldCredential(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	sid := created.Session.ID
	bob, err := f.svc.JoinSession(ctx, sid, "bob")
	req.NoError(err)
	_, err = f.svc.JoinSession(ctx, sid, "carol")
	req.NoError(err)

	req.NoError(f.svc.ChangeRole(ctx, sid, created.Credential.Token, "bob", chat.RoleAdmin))
	req.NoError(f.svc.Kick(ctx, sid, bob.Credential.Token, "carol"))

	// demoted admins lose the right even with an admin credential
	req.NoError(f.svc.ChangeRole(ctx, sid, bob.Credential.Token, "alice", chat.RoleParticipant))
	err = f.svc.ChangeRole(ctx, sid, created.Credential.Token, "bob", chat.RoleParticipant)
	req.ErrorIs(err, chat.ErrNotAdmin)
}

func TestAdminSelfProtection(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	sid := created.Session.ID
	bob, err := f.svc.JoinSession(ctx, sid, "bob")
	req.NoError(err)

	req.ErrorIs(f.svc.Kick(ctx, sid, created.Credential.Token, "alice"), chat.ErrInvalid)
	req.ErrorIs(f.svc.ChangeRole(ctx, sid, created.Credential.Token, "alice", chat.RoleParticipant), chat.ErrInvalid)
	req.ErrorIs(f.svc.ChangeRole(ctx, sid, created.Credential.Token, "bob", chat.Role("owner")), chat.ErrInvalid)
	req.ErrorIs(f.svc.Kick(ctx, sid, created.Credential.Token, "nobody"), chat.ErrNotFound)

	req.NoError(f.svc.ChangeRole(ctx, sid, created.Credential.Token, "bob", chat.RoleAdmin))
	req.ErrorIs(f.svc.Kick(ctx, sid, bob.Credential.Token, "alice"), chat.ErrInvalid)
	req.NoError(f.svc.ChangeRole(ctx, sid, created.Credential.Token, "alice", chat.RoleParticipant))
}

func TestKickedUserCannotReconnect(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	sid := created.Session.ID
	bob, err := f.svc.JoinSession(ctx, sid, "bob")
	req.NoError(err)

	req.NoError(f.svc.Kick(ctx, sid, created.Credential.Token, "bob"))

	_, err = f.svc.Connect(ctx, sid, bob.Credential.Token, &recordingConn{})
	req.ErrorIs(err, chat.ErrUnauthorized)
	_, err = f.svc.Messages(ctx, sid, bob.Credential.Token)
	req.ErrorIs(err, chat.ErrUnauthorized)
}

func TestConnectRejectsForeignCredential(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	second, err := f.svc.CreateSession(ctx, "bob")
	req.NoError(err)

	_, err = f.svc.Connect(ctx, first.Session.ID, second.Credential.Token, &recordingConn{})
	req.ErrorIs(err, chat.ErrUnauthorized)
	_, err = f.svc.Connect(ctx, first.Session.ID, "garbage", &recordingConn{})
	req.ErrorIs(err, chat.ErrUnauthorized)
}

func TestDisconnectedClientCannotSend(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	client, err := f.svc.Connect(ctx, created.Session.ID, created.Credential.Token, &recordingConn{})
	req.NoError(err)

	f.svc.Disconnect(ctx, client)
	f.svc.Disconnect(ctx, client)
	_, err = f.svc.SendMessage(ctx, client, "hello?")
	req.ErrorIs(err, chat.ErrUnauthorized)
}

func TestInvalidContentIsRejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	client, err := f.svc.Connect(ctx, created.Session.ID, created.Credential.Token, &recordingConn{})
	req.NoError(err)

	_, err = f.svc.SendMessage(ctx, client, "   ")
	req.ErrorIs(err, chat.ErrInvalid)
	_, err = f.svc.SendMessage(ctx, client, string(make([]rune, f.cfg.Room.MaxMessageLength+1)))
	req.ErrorIs(err, chat.ErrInvalid)

	stored, err := f.svc.Messages(ctx, created.Session.ID, created.Credential.Token)
	req.NoError(err)
	req.Empty(stored)
}

func TestRateLimit(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil, func(cfg *config.Config, _ *room.Deps) {
		cfg.Room.RateLimit = 0.001
		cfg.Room.RateBurst = 2
	})
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	client, err := f.svc.Connect(ctx, created.Session.ID, created.Credential.Token, &recordingConn{})
	req.NoError(err)

	_, err = f.svc.SendMessage(ctx, client, "one")
	req.NoError(err)
	_, err = f.svc.SendMessage(ctx, client, "two")
	req.NoError(err)
	_, err = f.svc.SendMessage(ctx, client, "three")
	req.ErrorIs(err, chat.ErrRateLimited)
}

func TestVerifyAfterSend(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	sid := created.Session.ID
	client, err := f.svc.Connect(ctx, sid, created.Credential.Token, &recordingConn{})
	req.NoError(err)

	msg, err := f.svc.SendMessage(ctx, client, "the quick brown fox")
	req.NoError(err)
	req.Equal(string(ledger.HashMessage(msg)), msg.ContentHash)

	ok, err := f.svc.Verify(ctx, sid, msg.ID, "the quick brown fox")
	req.NoError(err)
	req.True(ok)
	ok, err = f.svc.Verify(ctx, sid, msg.ID, "the quick brown fox.")
	req.NoError(err)
	req.False(ok)
	_, err = f.svc.Verify(ctx, sid, "unknown", "x")
	req.ErrorIs(err, chat.ErrNotFound)

	id, err := f.svc.LedgerMessageAt(ctx, sid, 0)
	req.NoError(err)
	req.Equal(msg.ID, id)
	_, err = f.svc.LedgerMessageAt(ctx, sid, 1)
	req.ErrorIs(err, chat.ErrNotFound)
	_, err = f.svc.LedgerMessageAt(ctx, sid, -1)
	req.ErrorIs(err, chat.ErrInvalid)

	summary, err := f.svc.LedgerSummary(ctx, sid)
	req.NoError(err)
	req.Equal(1, summary.MessageCount)
}

type failingBackend struct {
	*ledger.MemoryBackend
}

func (failingBackend) PutMessage(context.Context, string, string, ledger.Record) (ledger.Record, bool, error) {
	return ledger.Record{}, false, errors.New("ledger offline")
}

func TestLedgerFailureDoesNotBlockDelivery(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil, func(_ *config.Config, deps *room.Deps) {
		deps.Ledger = ledger.New(failingBackend{ledger.NewMemoryBackend()})
	})
	ctx := context.Background()

	created, err := f.svc.CreateSession(ctx, "alice")
	req.NoError(err)
	sid := created.Session.ID
	conn := &recordingConn{}
	client, err := f.svc.Connect(ctx, sid, created.Credential.Token, conn)
	req.NoError(err)

	msg, err := f.svc.SendMessage(ctx, client, "still delivered")
	req.NoError(err)
	req.Eventually(func() bool { return len(conn.contents()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = f.svc.Verify(ctx, sid, msg.ID, "still delivered")
	req.ErrorIs(err, chat.ErrNotFound)
}

func TestCloseStopsPendingAssistant(t *testing.T) {
	req := require.New(t)
	responder := ai.ResponderFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	cfg := testConfig()
	cfg.Room.AITimeout = time.Minute
	deps := room.Deps{
		Store:     session.NewMemoryStore(),
		Ledger:    ledger.New(ledger.NewMemoryBackend()),
		Tokens:    auth.NewTokenService(cfg.Auth),
		Responder: responder,
	}
	svc := room.NewService(cfg, deps)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, "alice")
	req.NoError(err)
	conn := &recordingConn{}
	client, err := svc.Connect(ctx, created.Session.ID, created.Credential.Token, conn)
	req.NoError(err)
	_, err = svc.SendMessage(ctx, client, "AI never answers")
	req.NoError(err)

	svc.Close()
	req.True(conn.isClosed())
	req.Equal([]string{"AI never answers"}, conn.contents())

	_, err = svc.CreateSession(ctx, "bob")
	req.ErrorIs(err, room.ErrClosed)
	_, err = svc.JoinSession(ctx, created.Session.ID, "bob")
	req.ErrorIs(err, room.ErrClosed)
}

func TestMessagesUseServiceClock(t *testing.T) {
	req := require.New(t)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	svc := room.NewService(cfg, room.Deps{
		Store:  session.NewMemoryStore(),
		Ledger: ledger.New(ledger.NewMemoryBackend()),
		Tokens: auth.NewTokenService(cfg.Auth),
	}, room.WithClock(func() time.Time { return fixed }))
	t.Cleanup(svc.Close)
	ctx := context.Background()

	created, err := svc.CreateSession(ctx, "alice")
	req.NoError(err)
	client, err := svc.Connect(ctx, created.Session.ID, created.Credential.Token, &recordingConn{})
	req.NoError(err)

	msg, err := svc.SendMessage(ctx, client, "tick")
	req.NoError(err)
	req.Equal(fixed, msg.Timestamp)
	req.Equal("alice", msg.Author.ID())
}
