package sync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/store"
)

const me = int64(1)

var bob = protocol.UserPeer(2)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestEngine(t *testing.T) (*Engine, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	return NewEngine(db, b, me, nil), db, b
}

func fromBob(id int64, text string) protocol.Update {
	return protocol.NewMessage{Message: protocol.Message{
		ID: id, ChatID: 10, Peer: bob, FromID: 2, Text: text, Date: 100 + id,
	}}
}

func apply(t *testing.T, e *Engine, updates ...protocol.Update) {
	t.Helper()
	if err := e.Apply(context.Background(), updates); err != nil {
		t.Fatal(err)
	}
}

func count(t *testing.T, db *store.DB, peer protocol.Peer) int {
	t.Helper()
	n, err := db.CountMessages(context.Background(), peer)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestNewMessageIsIdempotent(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()

	apply(t, e, fromBob(1, "hello"))
	apply(t, e, fromBob(1, "hello"))

	if n := count(t, db, bob); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
	chat, err := db.ChatByID(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil || chat.Peer != bob || chat.LastMsgID != 1 {
		t.Errorf("chat = %+v, want peer user:2 with last message 1", chat)
	}
}

func insertLocal(t *testing.T, db *store.DB, localID string, correlationID int64) {
	t.Helper()
	err := db.WriteTx(context.Background(), func(tx *store.Tx) error {
		return tx.InsertLocalMessage(context.Background(), &store.Message{
			LocalID: localID, Peer: bob, CorrelationID: correlationID, FromID: me,
			Text: "hi", Status: store.StatusSending, Date: 50,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOwnMessageReconcilesInEitherOrder(t *testing.T) {
	own := protocol.NewMessage{Message: protocol.Message{
		ID: 3, ChatID: 10, Peer: bob, FromID: me, Text: "hi", CorrelationID: 77, Date: 60,
	}}
	reassigned := protocol.MessageIDReassigned{ChatID: 10, MessageID: 3, CorrelationID: 77}

	orders := map[string][]protocol.Update{
		"reassign first": {reassigned, own},
		"message first":  {own, reassigned},
	}
	for name, batch := range orders {
		t.Run(name, func(t *testing.T) {
			e, db, _ := newTestEngine(t)
			ctx := context.Background()
			insertLocal(t, db, "local-1", 77)

			apply(t, e, batch...)

			if n := count(t, db, bob); n != 1 {
				t.Fatalf("rows = %d, want 1", n)
			}
			m, err := db.MessageByLocalID(ctx, "local-1")
			if err != nil {
				t.Fatal(err)
			}
			if m.MessageID != 3 || m.Status != store.StatusSent {
				t.Errorf("got id=%d status=%s, want 3 sent", m.MessageID, m.Status)
			}
			chat, _ := db.GetChat(ctx, bob)
			if chat.ChatID != 10 || chat.LastMsgID != 3 || chat.LastMsgLocalID != "" {
				t.Errorf("chat = %+v, want chat 10 pointing at 3", chat)
			}
		})
	}
}

func TestReassignWithoutLocalRowIsNoop(t *testing.T) {
	e, db, _ := newTestEngine(t)
	apply(t, e, protocol.MessageIDReassigned{ChatID: 10, MessageID: 3, CorrelationID: 5})
	if n := count(t, db, bob); n != 0 {
		t.Errorf("rows = %d, want 0", n)
	}
}

func TestForeignCorrelationIsNotStored(t *testing.T) {
	e, db, _ := newTestEngine(t)
	insertLocal(t, db, "local-1", 77)

	// Another user's message must never take over our optimistic row.
	u := fromBob(4, "echo").(protocol.NewMessage)
	u.Message.CorrelationID = 77
	apply(t, e, u)

	if n := count(t, db, bob); n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
	m, _ := db.MessageByLocalID(context.Background(), "local-1")
	if m.MessageID != 0 || m.Status != store.StatusSending {
		t.Errorf("local row changed: %+v", m)
	}
}

func TestDeleteRecomputesLastMessage(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()

	apply(t, e, fromBob(1, "a"), fromBob(2, "b"))
	apply(t, e, protocol.MessagesDeleted{ChatID: 10, MessageIDs: []int64{2}})

	chat, _ := db.GetChat(ctx, bob)
	if chat.LastMsgID != 1 {
		t.Errorf("last = %d, want 1", chat.LastMsgID)
	}

	// Unknown chat.
	apply(t, e, protocol.MessagesDeleted{ChatID: 99, MessageIDs: []int64{1}})
	if n := count(t, db, bob); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func lastMessage(t *testing.T, db *store.DB) (int64, string) {
	t.Helper()
	chat, err := db.GetChat(context.Background(), bob)
	if err != nil {
		t.Fatal(err)
	}
	return chat.LastMsgID, chat.LastMsgLocalID
}

func TestLastMessageFollowsInterleavedSend(t *testing.T) {
	e, db, _ := newTestEngine(t)

	apply(t, e, fromBob(1, "a"))
	insertLocal(t, db, "local-1", 77)
	if id, local := lastMessage(t, db); id != 0 || local != "local-1" {
		t.Fatalf("pointer = (%d, %q), want pending local-1", id, local)
	}

	// A peer message that lands after the pending send is newer.
	apply(t, e, fromBob(5, "b"))
	if id, local := lastMessage(t, db); id != 5 || local != "" {
		t.Fatalf("pointer = (%d, %q), want 5", id, local)
	}

	apply(t, e, protocol.MessageIDReassigned{ChatID: 10, MessageID: 4, CorrelationID: 77})
	if id, local := lastMessage(t, db); id != 5 || local != "" {
		t.Errorf("pointer after reassign = (%d, %q), want 5", id, local)
	}
}

func TestFailedSendDoesNotHoldLastMessage(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()

	apply(t, e, fromBob(1, "a"))
	insertLocal(t, db, "local-1", 77)
	err := db.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.SetMessageStatus(ctx, "local-1", store.StatusFailed)
	})
	if err != nil {
		t.Fatal(err)
	}
	if id, local := lastMessage(t, db); id != 1 || local != "" {
		t.Fatalf("pointer = (%d, %q), want 1", id, local)
	}

	apply(t, e, fromBob(9, "b"))
	if id, local := lastMessage(t, db); id != 9 || local != "" {
		t.Errorf("pointer = (%d, %q), want 9", id, local)
	}

	// Resending makes the row pending again, but it is older than 9.
	err = db.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.SetMessageStatus(ctx, "local-1", store.StatusSending)
	})
	if err != nil {
		t.Fatal(err)
	}
	if id, local := lastMessage(t, db); id != 9 || local != "" {
		t.Errorf("pointer after resend = (%d, %q), want 9", id, local)
	}
}

func TestLastAppliedUpdateWins(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()
	edit := protocol.MessageEdited{Message: protocol.Message{ID: 1, ChatID: 10, Peer: bob, FromID: 2, Text: "edited", EditDate: 200}}
	del := protocol.MessagesDeleted{ChatID: 10, MessageIDs: []int64{1}}

	apply(t, e, fromBob(1, "a"), edit)
	m, _ := db.GetMessage(ctx, bob, 1)
	if m == nil || m.Text != "edited" || m.EditDate != 200 {
		t.Fatalf("got %+v, want edited text", m)
	}

	apply(t, e, del, edit)
	if m, _ := db.GetMessage(ctx, bob, 1); m != nil {
		t.Errorf("stale edit resurrected message: %+v", m)
	}
}

func TestBadUpdateIsSkipped(t *testing.T) {
	e, db, _ := newTestEngine(t)
	bad := protocol.NewMessage{Message: protocol.Message{ID: 5, FromID: 2, Text: "nowhere"}}

	apply(t, e, fromBob(1, "a"), bad, fromBob(2, "b"))

	if n := count(t, db, bob); n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
	if e.Pending() != 0 {
		t.Errorf("pending = %d, want 0", e.Pending())
	}
}

func TestFailedBatchIsCarried(t *testing.T) {
	e, db, b := newTestEngine(t)
	failed, unsub := b.Subscribe(EventBatchFailed, 1)
	defer unsub()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Apply(cancelled, []protocol.Update{
		fromBob(1, "a"),
		protocol.UserStatus{UserID: 2, Online: true},
	})
	if err == nil {
		t.Fatal("expected error with cancelled context")
	}
	if e.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 (presence dropped)", e.Pending())
	}
	select {
	case <-failed:
	default:
		t.Error("no batch failure event")
	}

	apply(t, e, fromBob(2, "b"))
	if n := count(t, db, bob); n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
	if e.Pending() != 0 {
		t.Errorf("pending = %d, want 0", e.Pending())
	}
}

func TestPoisonedBatchIsDropped(t *testing.T) {
	e, _, _ := newTestEngine(t)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < maxCarry; i++ {
		if err := e.Apply(cancelled, []protocol.Update{fromBob(int64(i+1), "x")}); err == nil {
			t.Fatal("expected error")
		}
	}
	if e.Pending() != 0 {
		t.Errorf("pending = %d, want 0 after %d failures", e.Pending(), maxCarry)
	}
}

func TestReactionsAndAttachments(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()

	apply(t, e,
		fromBob(1, "a"),
		protocol.ReactionAdded{Reaction: protocol.Reaction{ChatID: 10, MessageID: 1, UserID: 2, Emoji: "👍", Date: 5}},
		protocol.ReactionAdded{Reaction: protocol.Reaction{ChatID: 10, MessageID: 1, UserID: me, Emoji: "🔥", Date: 6}},
		protocol.MessageAttachment{ChatID: 10, MessageID: 1, Attachment: protocol.Attachment{ID: 1, Kind: "link", URL: "https://example.com"}},
	)
	apply(t, e, protocol.ReactionRemoved{ChatID: 10, MessageID: 1, UserID: 2, Emoji: "👍"})

	rs, err := db.Reactions(ctx, bob, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 1 || rs[0].Emoji != "🔥" {
		t.Errorf("reactions = %+v, want only 🔥", rs)
	}
	as, err := db.Attachments(ctx, bob, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(as) != 1 || as[0].URL != "https://example.com" {
		t.Errorf("attachments = %+v", as)
	}
}

func TestChatLifecycle(t *testing.T) {
	e, db, _ := newTestEngine(t)
	ctx := context.Background()
	thread := protocol.ThreadPeer(20)

	apply(t, e, protocol.NewChat{Chat: protocol.Chat{ID: 20, Type: protocol.ChatThread, SpaceID: 3, Title: "general", Date: 9}})
	chat, _ := db.GetChat(ctx, thread)
	if chat == nil || chat.Title != "general" || chat.ChatID != 20 {
		t.Fatalf("chat = %+v", chat)
	}

	apply(t, e,
		protocol.NewMessage{Message: protocol.Message{ID: 1, ChatID: 20, Peer: thread, FromID: 2, Text: "x", Date: 10}},
		protocol.ChatDeleted{ChatID: 20},
	)
	if chat, _ := db.GetChat(ctx, thread); chat != nil {
		t.Errorf("chat survived deletion: %+v", chat)
	}
	if n := count(t, db, thread); n != 0 {
		t.Errorf("rows = %d, want 0", n)
	}
}

func TestUserSettingsPersisted(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	apply(t, e, protocol.UserSettingsChanged{Settings: protocol.UserSettings{General: map[string]any{"theme": "dark"}}})
	s, err := e.UserSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.General["theme"] != "dark" {
		t.Errorf("settings = %+v", s)
	}
}

func TestPresenceIsTransient(t *testing.T) {
	e, db, _ := newTestEngine(t)
	apply(t, e,
		protocol.UserStatus{UserID: 2, Online: true, LastOnline: 40},
		protocol.ComposeAction{ChatID: 10, UserID: 2, Action: "typing"},
	)

	if got := e.Presence().Status(2); !got.Online || got.LastOnline != 40 {
		t.Errorf("status = %+v", got)
	}
	if got := e.Presence().Composing(10); len(got) != 1 || got[0].Action != "typing" {
		t.Errorf("composing = %+v", got)
	}
	if n := count(t, db, bob); n != 0 {
		t.Errorf("presence wrote %d rows", n)
	}

	apply(t, e, protocol.ComposeAction{ChatID: 10, UserID: 2})
	if got := e.Presence().Composing(10); len(got) != 0 {
		t.Errorf("composing = %+v, want cleared", got)
	}
}

func TestComposeExpires(t *testing.T) {
	p := NewPresence()
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	p.SetCompose(10, 2, "typing")
	now = now.Add(ComposeTTL - time.Second)
	if len(p.Composing(10)) != 1 {
		t.Fatal("compose expired early")
	}
	now = now.Add(time.Second)
	if got := p.Composing(10); len(got) != 0 {
		t.Errorf("composing = %+v, want expired", got)
	}
}

func TestPushAppliesInOrder(t *testing.T) {
	e, db, b := newTestEngine(t)
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	e.Start(context.Background())
	defer e.Stop()

	if err := e.Push(context.Background(), []protocol.Update{fromBob(1, "a")}); err != nil {
		t.Fatal(err)
	}
	if err := e.Push(context.Background(), []protocol.Update{fromBob(2, "b")}); err != nil {
		t.Fatal(err)
	}

	for i := int64(1); i <= 2; i++ {
		select {
		case evt := <-ch:
			ref, ok := evt.Payload.(MessageRef)
			if !ok || ref.MessageID != i {
				t.Errorf("event %d = %+v", i, evt.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
	if n := count(t, db, bob); n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
}
