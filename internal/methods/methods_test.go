package methods

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/crypto"
	"github.com/matheus3301/inline/internal/fanout"
	"github.com/matheus3301/inline/internal/membership"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/realtime"
	"github.com/matheus3301/inline/internal/serverdb"
)

type pushed struct {
	user    int64
	updates []protocol.Update
}

type recorder struct {
	t   *testing.T
	mu  sync.Mutex
	got []pushed
}

// SendToUser models one connection per user whose session id is user*100.
func (r *recorder) SendToUser(id int64, frame []byte, exclude int64) int {
	if exclude == id*100 {
		return 0
	}
	msg, err := protocol.DecodeServer(frame)
	require.NoError(r.t, err)
	body, ok := msg.Body.(protocol.Updates)
	require.True(r.t, ok)
	r.mu.Lock()
	r.got = append(r.got, pushed{user: id, updates: body.Updates})
	r.mu.Unlock()
	return 1
}

func (r *recorder) forUser(id int64) []protocol.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Update
	for _, p := range r.got {
		if p.user == id {
			out = append(out, p.updates...)
		}
	}
	return out
}

type everyoneOnline struct{}

func (everyoneOnline) IsOnline(int64) bool { return true }

type fixture struct {
	svc   *Service
	db    *serverdb.DB
	push  *recorder
	users []int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := serverdb.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)

	codec, err := crypto.NewCodec(bytes.Repeat([]byte{7}, crypto.KeySize))
	require.NoError(t, err)

	members := membership.New(db, time.Minute, 100)
	resolver := fanout.NewResolver(members, everyoneOnline{})
	rec := &recorder{t: t}
	pusher := fanout.NewPusher(resolver, rec, zap.NewNop())

	f := &fixture{
		svc:  New(db, codec, members, resolver, pusher, zap.NewNop()),
		db:   db,
		push: rec,
	}
	for _, name := range []string{"alice", "bob", "carol"} {
		u, err := db.CreateUser(context.Background(), name)
		require.NoError(t, err)
		f.users = append(f.users, u.ID)
	}
	return f
}

func (f *fixture) call(user int64) realtime.CallContext {
	return realtime.CallContext{UserID: user, SessionID: user * 100, ConnID: "c"}
}

func TestSendMessageToUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.users[0], f.users[1]

	res, err := f.svc.SendMessage(ctx, f.call(alice), &protocol.SendMessageInput{
		Peer: protocol.UserPeer(bob), Text: "hi", CorrelationID: 42,
	})
	require.NoError(t, err)
	require.Len(t, res.Updates, 2)

	reassigned, ok := res.Updates[0].(protocol.MessageIDReassigned)
	require.True(t, ok)
	assert.Equal(t, int64(42), reassigned.CorrelationID)
	assert.Equal(t, int64(1), reassigned.MessageID)

	own, ok := res.Updates[1].(protocol.NewMessage)
	require.True(t, ok)
	assert.Equal(t, "hi", own.Message.Text)
	assert.Equal(t, protocol.UserPeer(bob), own.Message.Peer)

	got := f.push.forUser(bob)
	require.Len(t, got, 1)
	theirs := got[0].(protocol.NewMessage)
	assert.Equal(t, protocol.UserPeer(alice), theirs.Message.Peer)
	assert.Equal(t, "hi", theirs.Message.Text)

	stored, err := f.db.GetMessage(ctx, reassigned.ChatID, 1)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("hi"), stored.Text.Ciphertext)
}

func TestSendMessageRetryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.users[0], f.users[1]
	in := &protocol.SendMessageInput{Peer: protocol.UserPeer(bob), Text: "once", CorrelationID: 7}

	first, err := f.svc.SendMessage(ctx, f.call(alice), in)
	require.NoError(t, err)
	second, err := f.svc.SendMessage(ctx, f.call(alice), in)
	require.NoError(t, err)

	assert.Equal(t,
		first.Updates[0].(protocol.MessageIDReassigned).MessageID,
		second.Updates[0].(protocol.MessageIDReassigned).MessageID)
	assert.Equal(t, "once", second.Updates[1].(protocol.NewMessage).Message.Text)
	assert.Len(t, f.push.forUser(bob), 1, "retry must not push again")
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.users[0]

	_, err := f.svc.SendMessage(ctx, f.call(alice), &protocol.SendMessageInput{Peer: protocol.UserPeer(f.users[1])})
	assert.ErrorIs(t, err, protocol.ErrTextInvalid)

	_, err = f.svc.SendMessage(ctx, f.call(alice), &protocol.SendMessageInput{Peer: protocol.UserPeer(999), Text: "x"})
	assert.ErrorIs(t, err, protocol.ErrPeerInvalid)

	_, err = f.svc.SendMessage(ctx, f.call(alice), &protocol.SendMessageInput{Peer: protocol.Peer{}, Text: "x"})
	assert.ErrorIs(t, err, protocol.ErrPeerInvalid)

	_, err = f.svc.SendMessage(ctx, f.call(alice), &protocol.SendMessageInput{
		Peer: protocol.UserPeer(f.users[1]), Text: "x", ReplyToMsgID: 50,
	})
	assert.ErrorIs(t, err, protocol.ErrMsgIDInvalid)
}

func TestEditRequiresAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.users[0], f.users[1]

	_, err := f.svc.SendMessage(ctx, f.call(alice), &protocol.SendMessageInput{
		Peer: protocol.UserPeer(bob), Text: "draft", CorrelationID: 1,
	})
	require.NoError(t, err)

	_, err = f.svc.EditMessage(ctx, f.call(bob), &protocol.EditMessageInput{
		Peer: protocol.UserPeer(alice), MessageID: 1, Text: "hijack",
	})
	assert.ErrorIs(t, err, protocol.ErrMessageAuthorRequired)

	_, err = f.svc.EditMessage(ctx, f.call(alice), &protocol.EditMessageInput{
		Peer: protocol.UserPeer(bob), MessageID: 9, Text: "nope",
	})
	assert.ErrorIs(t, err, protocol.ErrMsgIDInvalid)

	res, err := f.svc.EditMessage(ctx, f.call(alice), &protocol.EditMessageInput{
		Peer: protocol.UserPeer(bob), MessageID: 1, Text: "final",
	})
	require.NoError(t, err)
	edited := res.Updates[0].(protocol.MessageEdited)
	assert.Equal(t, "final", edited.Message.Text)
	assert.NotZero(t, edited.Message.EditDate)

	hist, err := f.svc.GetChatHistory(ctx, f.call(bob), &protocol.GetChatHistoryInput{Peer: protocol.UserPeer(alice)})
	require.NoError(t, err)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "final", hist.Messages[0].Text)
}

func setupSpace(t *testing.T, f *fixture) (spaceID int64, chat protocol.Chat) {
	t.Helper()
	ctx := context.Background()
	sp, err := f.db.CreateSpace(ctx, "team", f.users[0])
	require.NoError(t, err)
	require.NoError(t, f.db.AddMember(ctx, sp.ID, f.users[1], serverdb.RoleMember))

	res, err := f.svc.CreateChat(ctx, f.call(f.users[0]), &protocol.CreateChatInput{
		SpaceID: sp.ID, Title: "general", Participants: []int64{f.users[1]},
	})
	require.NoError(t, err)
	return sp.ID, res.Chat
}

func TestCreateChatChecksMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	spaceID, chat := setupSpace(t, f)
	assert.Equal(t, "general", chat.Title)

	created := f.push.forUser(f.users[1])
	require.Len(t, created, 1)
	assert.Equal(t, chat.ID, created[0].(protocol.NewChat).Chat.ID)

	_, err := f.svc.CreateChat(ctx, f.call(f.users[2]), &protocol.CreateChatInput{SpaceID: spaceID, Title: "x"})
	assert.ErrorIs(t, err, protocol.ErrNotMember)

	_, err = f.svc.CreateChat(ctx, f.call(f.users[0]), &protocol.CreateChatInput{
		SpaceID: spaceID, Title: "x", Participants: []int64{f.users[2]},
	})
	assert.ErrorIs(t, err, protocol.ErrUserInvalid)

	_, err = f.svc.CreateChat(ctx, f.call(f.users[0]), &protocol.CreateChatInput{SpaceID: 404, Title: "x"})
	assert.ErrorIs(t, err, protocol.ErrSpaceInvalid)

	_, err = f.svc.CreateChat(ctx, f.call(f.users[0]), &protocol.CreateChatInput{SpaceID: spaceID, Title: "  "})
	assert.Equal(t, protocol.CodeBadRequest, protocol.CodeOf(err))
}

func TestDeleteChatRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, chat := setupSpace(t, f)
	peer := protocol.ThreadPeer(chat.ID)

	_, err := f.svc.DeleteChat(ctx, f.call(f.users[1]), &protocol.DeleteChatInput{Peer: peer})
	assert.ErrorIs(t, err, protocol.ErrSpaceAdminRequired)

	_, err = f.svc.DeleteChat(ctx, f.call(f.users[2]), &protocol.DeleteChatInput{Peer: peer})
	assert.ErrorIs(t, err, protocol.ErrPeerInvalid)

	res, err := f.svc.DeleteChat(ctx, f.call(f.users[0]), &protocol.DeleteChatInput{Peer: peer})
	require.NoError(t, err)
	assert.Equal(t, protocol.ChatDeleted{ChatID: chat.ID}, res.Updates[0])

	got := f.push.forUser(f.users[1])
	assert.Equal(t, protocol.ChatDeleted{ChatID: chat.ID}, got[len(got)-1])
}

func TestModeratorDeletesOthersMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, chat := setupSpace(t, f)
	peer := protocol.ThreadPeer(chat.ID)

	_, err := f.svc.SendMessage(ctx, f.call(f.users[1]), &protocol.SendMessageInput{Peer: peer, Text: "m", CorrelationID: 1})
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, f.call(f.users[0]), &protocol.SendMessageInput{Peer: peer, Text: "o", CorrelationID: 2})
	require.NoError(t, err)

	_, err = f.svc.DeleteMessages(ctx, f.call(f.users[1]), &protocol.DeleteMessagesInput{Peer: peer, MessageIDs: []int64{2}})
	assert.ErrorIs(t, err, protocol.ErrMessageAuthorRequired)

	res, err := f.svc.DeleteMessages(ctx, f.call(f.users[0]), &protocol.DeleteMessagesInput{Peer: peer, MessageIDs: []int64{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, protocol.MessagesDeleted{ChatID: chat.ID, MessageIDs: []int64{1, 2}}, res.Updates[0])

	_, err = f.svc.DeleteMessages(ctx, f.call(f.users[0]), &protocol.DeleteMessagesInput{Peer: peer, MessageIDs: []int64{1}})
	assert.ErrorIs(t, err, protocol.ErrMsgIDInvalid)
}

func TestReactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.users[0], f.users[1]
	_, err := f.svc.SendMessage(ctx, f.call(alice), &protocol.SendMessageInput{Peer: protocol.UserPeer(bob), Text: "hey", CorrelationID: 1})
	require.NoError(t, err)

	res, err := f.svc.AddReaction(ctx, f.call(bob), &protocol.ReactionInput{Peer: protocol.UserPeer(alice), MessageID: 1, Emoji: "👍"})
	require.NoError(t, err)
	added := res.Updates[0].(protocol.ReactionAdded)
	assert.Equal(t, bob, added.Reaction.UserID)

	got := f.push.forUser(alice)
	require.Len(t, got, 1)
	assert.IsType(t, protocol.ReactionAdded{}, got[0])

	_, err = f.svc.AddReaction(ctx, f.call(bob), &protocol.ReactionInput{Peer: protocol.UserPeer(alice), MessageID: 1})
	assert.Equal(t, protocol.CodeBadRequest, protocol.CodeOf(err))

	res, err = f.svc.DeleteReaction(ctx, f.call(bob), &protocol.ReactionInput{Peer: protocol.UserPeer(alice), MessageID: 1, Emoji: "👍"})
	require.NoError(t, err)
	assert.Equal(t, protocol.ReactionRemoved{ChatID: added.Reaction.ChatID, MessageID: 1, UserID: bob, Emoji: "👍"}, res.Updates[0])
}

func TestComposeActionSkipsSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.users[0], f.users[1]

	_, err := f.svc.SendComposeAction(ctx, f.call(alice), &protocol.SendComposeActionInput{Peer: protocol.UserPeer(bob), Action: "typing"})
	require.NoError(t, err)
	assert.Empty(t, f.push.forUser(alice))
	got := f.push.forUser(bob)
	require.Len(t, got, 1)
	assert.Equal(t, "typing", got[0].(protocol.ComposeAction).Action)
}

func TestUserSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.users[0]

	res, err := f.svc.UpdateUserSettings(ctx, f.call(alice), &protocol.UpdateUserSettingsInput{
		Settings: protocol.UserSettings{General: map[string]any{"theme": "dark"}},
	})
	require.NoError(t, err)
	assert.IsType(t, protocol.UserSettingsChanged{}, res.Updates[0])
	assert.Empty(t, f.push.forUser(alice), "calling session already has the result")

	got, err := f.svc.GetUserSettings(ctx, f.call(alice), &protocol.Empty{})
	require.NoError(t, err)
	assert.Equal(t, "dark", got.Settings.General["theme"])
}
