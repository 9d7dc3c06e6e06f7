package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/store"
)

const me = 1

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

// mockCaller records calls and delegates to fn.
type mockCaller struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, method string, in, out any) error
}

func (m *mockCaller) Call(ctx context.Context, method string, in, out any) error {
	m.mu.Lock()
	m.calls = append(m.calls, method)
	m.mu.Unlock()
	if m.fn == nil {
		return nil
	}
	return m.fn(ctx, method, in, out)
}

func (m *mockCaller) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// acceptSends answers sendMessage the way the server does, numbering
// messages from 1.
func acceptSends() func(context.Context, string, any, any) error {
	var next atomic.Int64
	return func(_ context.Context, method string, in, out any) error {
		if method != protocol.MethodSendMessage {
			return nil
		}
		req := in.(*protocol.SendMessageInput)
		id := next.Add(1)
		out.(*protocol.UpdatesResult).Updates = protocol.UpdateList{
			protocol.MessageIDReassigned{ChatID: 10, MessageID: id, CorrelationID: req.CorrelationID},
		}
		return nil
	}
}

// reconciler is the part of the sync engine these tests need.
type reconciler struct{ db *store.DB }

func (r reconciler) Apply(ctx context.Context, updates []protocol.Update) error {
	return r.db.WriteTx(ctx, func(tx *store.Tx) error {
		for _, u := range updates {
			if m, ok := u.(protocol.MessageIDReassigned); ok {
				if _, err := tx.Reconcile(ctx, m.CorrelationID, m.MessageID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

type harness struct {
	db     *store.DB
	caller *mockCaller
	q      *Queue
	done   chan Completion
}

func newHarness(t *testing.T, db *store.DB, caller *mockCaller, policy RetryPolicy) *harness {
	t.Helper()
	env := &Env{DB: db, Caller: caller, Applier: reconciler{db}, UserID: me}
	h := &harness{db: db, caller: caller, done: make(chan Completion, 16)}
	h.q = New(env, policy, bus.New(), zap.NewNop())
	h.q.OnComplete(func(c Completion) { h.done <- c })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.q.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.q.Stop(ctx)
	})
}

func (h *harness) wait(t *testing.T) Completion {
	t.Helper()
	select {
	case c := <-h.done:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for completion")
		return Completion{}
	}
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, Delay: time.Millisecond}
}

func TestSendMessageEndToEnd(t *testing.T) {
	db := testDB(t)
	release := make(chan struct{})
	accept := acceptSends()
	caller := &mockCaller{fn: func(ctx context.Context, method string, in, out any) error {
		<-release
		return accept(ctx, method, in, out)
	}}
	h := newHarness(t, db, caller, fastPolicy(3))
	h.start(t)
	ctx := context.Background()

	send := &SendMessage{Peer: bob, Text: "hi"}
	id, err := h.q.Enqueue(ctx, send)
	if err != nil {
		t.Fatal(err)
	}

	m, err := db.MessageByLocalID(ctx, send.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Status != store.StatusSending || m.MessageID != 0 {
		t.Fatalf("optimistic row = %+v, want sending without server id", m)
	}

	close(release)
	c := h.wait(t)
	if c.ID != id || c.Status != store.TxSucceeded {
		t.Fatalf("completion = %+v, want %s succeeded", c, id)
	}

	msgs, err := db.ListMessages(ctx, bob, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d rows, want exactly 1", len(msgs))
	}
	if msgs[0].Status != store.StatusSent || msgs[0].MessageID != 1 || msgs[0].LocalID != send.LocalID {
		t.Errorf("row = %+v, want sent with id 1", msgs[0])
	}

	txs, _ := db.ListTransactions(ctx)
	if len(txs) != 0 {
		t.Errorf("finished transaction still persisted: %+v", txs)
	}
}

func TestRetriesThenFails(t *testing.T) {
	db := testDB(t)
	caller := &mockCaller{fn: func(context.Context, string, any, any) error {
		return errors.New("offline")
	}}
	h := newHarness(t, db, caller, fastPolicy(3))
	h.start(t)
	ctx := context.Background()

	send := &SendMessage{Peer: bob, Text: "hi"}
	if _, err := h.q.Enqueue(ctx, send); err != nil {
		t.Fatal(err)
	}
	c := h.wait(t)
	if c.Status != store.TxFailed || c.Attempts != 3 {
		t.Fatalf("completion = %+v, want failed after 3 attempts", c)
	}
	if got := caller.count(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := caller.count(); got != 3 {
		t.Errorf("calls after failure = %d, want no more attempts", got)
	}

	m, _ := db.MessageByLocalID(ctx, send.LocalID)
	if m == nil || m.Status != store.StatusFailed {
		t.Errorf("row = %+v, want visible and failed", m)
	}
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	db := testDB(t)
	caller := &mockCaller{fn: func(context.Context, string, any, any) error {
		return protocol.ErrPeerInvalid
	}}
	h := newHarness(t, db, caller, fastPolicy(5))
	h.start(t)

	if _, err := h.q.Enqueue(context.Background(), &SendMessage{Peer: bob, Text: "x"}); err != nil {
		t.Fatal(err)
	}
	c := h.wait(t)
	if c.Status != store.TxFailed || !errors.Is(c.Err, protocol.ErrPeerInvalid) {
		t.Fatalf("completion = %+v, want failed with PEER_INVALID", c)
	}
	if got := caller.count(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestSingleFlightFIFO(t *testing.T) {
	db := testDB(t)
	var (
		running atomic.Int32
		peak    atomic.Int32
		mu      sync.Mutex
		order   []string
	)
	accept := acceptSends()
	caller := &mockCaller{fn: func(ctx context.Context, method string, in, out any) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		mu.Lock()
		order = append(order, in.(*protocol.SendMessageInput).Text)
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		return accept(ctx, method, in, out)
	}}
	h := newHarness(t, db, caller, fastPolicy(3))
	h.start(t)

	texts := []string{"a", "b", "c", "d", "e"}
	for _, text := range texts {
		if _, err := h.q.Enqueue(context.Background(), &SendMessage{Peer: bob, Text: text}); err != nil {
			t.Fatal(err)
		}
	}
	for range texts {
		h.wait(t)
	}
	if p := peak.Load(); p != 1 {
		t.Errorf("peak concurrent executions = %d, want 1", p)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, text := range texts {
		if order[i] != text {
			t.Fatalf("order = %v, want %v", order, texts)
		}
	}
}

func TestCancelPendingLeavesNoTrace(t *testing.T) {
	db := testDB(t)
	release := make(chan struct{})
	accept := acceptSends()
	caller := &mockCaller{fn: func(ctx context.Context, method string, in, out any) error {
		<-release
		return accept(ctx, method, in, out)
	}}
	h := newHarness(t, db, caller, fastPolicy(3))
	h.start(t)
	ctx := context.Background()

	first := &SendMessage{Peer: bob, Text: "first"}
	if _, err := h.q.Enqueue(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := &SendMessage{Peer: bob, Text: "second"}
	id, err := h.q.Enqueue(ctx, second)
	if err != nil {
		t.Fatal(err)
	}

	if err := h.q.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	c := h.wait(t)
	if c.ID != id || c.Status != store.TxCancelled {
		t.Fatalf("completion = %+v, want %s cancelled", c, id)
	}
	if m, _ := db.MessageByLocalID(ctx, second.LocalID); m != nil {
		t.Errorf("cancelled send left a row: %+v", m)
	}

	close(release)
	if c := h.wait(t); c.Status != store.TxSucceeded {
		t.Errorf("first = %+v, want succeeded", c)
	}
	if got := caller.count(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if err := h.q.Cancel(ctx, id); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("second cancel err = %v, want ErrUnknownTransaction", err)
	}
}

func TestCancelExecutingRollsBack(t *testing.T) {
	db := testDB(t)
	started := make(chan struct{}, 1)
	caller := &mockCaller{fn: func(ctx context.Context, _ string, _, _ any) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newHarness(t, db, caller, fastPolicy(3))
	h.start(t)
	ctx := context.Background()

	send := &SendMessage{Peer: bob, Text: "oops"}
	id, err := h.q.Enqueue(ctx, send)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if err := h.q.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	c := h.wait(t)
	if c.Status != store.TxCancelled {
		t.Fatalf("completion = %+v, want cancelled", c)
	}
	if m, _ := db.MessageByLocalID(ctx, send.LocalID); m != nil {
		t.Errorf("rollback left a row: %+v", m)
	}
	chat, _ := db.GetChat(ctx, bob)
	if chat != nil && chat.LastMsgLocalID != "" {
		t.Errorf("chat still points at %q", chat.LastMsgLocalID)
	}
}

func TestCancelDuringRetryWait(t *testing.T) {
	db := testDB(t)
	failed := make(chan struct{}, 1)
	caller := &mockCaller{fn: func(context.Context, string, any, any) error {
		select {
		case failed <- struct{}{}:
		default:
		}
		return errors.New("offline")
	}}
	h := newHarness(t, db, caller, RetryPolicy{MaxAttempts: 5, Delay: time.Hour})
	h.start(t)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, &SendMessage{Peer: bob, Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	<-failed
	if err := h.q.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	if c := h.wait(t); c.Status != store.TxCancelled {
		t.Fatalf("completion = %+v, want cancelled", c)
	}
}

func TestRestoreResumesWithoutReapplying(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	started := make(chan struct{}, 1)
	blocking := &mockCaller{fn: func(ctx context.Context, _ string, _, _ any) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}}
	first := newHarness(t, db, blocking, fastPolicy(3))
	first.q.Start()
	send := &SendMessage{Peer: bob, Text: "survivor"}
	id, err := first.q.Enqueue(ctx, send)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := first.q.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}

	rec, _ := db.GetTransaction(ctx, id)
	if rec == nil || rec.Status != store.TxExecuting {
		t.Fatalf("persisted = %+v, want executing", rec)
	}

	second := newHarness(t, db, &mockCaller{fn: acceptSends()}, fastPolicy(3))
	n, err := second.q.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("restored %d, want 1", n)
	}
	second.start(t)
	c := second.wait(t)
	if c.ID != id || c.Status != store.TxSucceeded {
		t.Fatalf("completion = %+v, want %s succeeded", c, id)
	}
	if c.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", c.Attempts)
	}

	msgs, _ := db.ListMessages(ctx, bob, 0, 10)
	if len(msgs) != 1 || msgs[0].Status != store.StatusSent {
		t.Errorf("rows = %+v, want one sent row", msgs)
	}
}

func TestEditFailureRestoresText(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.WriteTx(ctx, func(tx *store.Tx) error {
		_, err := tx.UpsertMessage(ctx, &store.Message{Peer: bob, MessageID: 4, FromID: me, Text: "before"})
		return err
	}); err != nil {
		t.Fatal(err)
	}

	caller := &mockCaller{fn: func(context.Context, string, any, any) error {
		return protocol.ErrMessageAuthorRequired
	}}
	h := newHarness(t, db, caller, fastPolicy(3))
	h.start(t)

	if _, err := h.q.Enqueue(ctx, &EditMessage{Peer: bob, MessageID: 4, Text: "after"}); err != nil {
		t.Fatal(err)
	}
	h.wait(t)
	m, _ := db.GetMessage(ctx, bob, 4)
	if m.Text != "before" {
		t.Errorf("text = %q, want before", m.Text)
	}

	_, err := h.q.Enqueue(ctx, &EditMessage{Peer: bob, MessageID: 99, Text: "x"})
	if !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("err = %v, want ErrMessageNotFound", err)
	}
}

func TestDeleteCancelRestoresRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.WriteTx(ctx, func(tx *store.Tx) error {
		if err := tx.EnsureChat(ctx, bob, 10); err != nil {
			return err
		}
		for id := int64(1); id <= 2; id++ {
			if _, err := tx.UpsertMessage(ctx, &store.Message{Peer: bob, MessageID: id, FromID: me, Text: "m"}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{}, 1)
	caller := &mockCaller{fn: func(ctx context.Context, _ string, _, _ any) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}}
	h := newHarness(t, db, caller, fastPolicy(3))
	h.start(t)

	id, err := h.q.Enqueue(ctx, &DeleteMessages{Peer: bob, MessageIDs: []int64{2}})
	if err != nil {
		t.Fatal(err)
	}
	if m, _ := db.GetMessage(ctx, bob, 2); m != nil {
		t.Fatal("optimistic delete did not remove the row")
	}
	<-started
	if err := h.q.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	h.wait(t)

	if m, _ := db.GetMessage(ctx, bob, 2); m == nil {
		t.Error("cancelled delete did not restore the row")
	}
	chat, _ := db.GetChat(ctx, bob)
	if chat.LastMsgID != 2 {
		t.Errorf("last = %d, want 2", chat.LastMsgID)
	}
}

func TestDecodeCoversEveryKind(t *testing.T) {
	all := []Transaction{
		&SendMessage{Peer: bob, Text: "x"},
		&EditMessage{Peer: bob, MessageID: 1, Text: "y"},
		&DeleteMessages{Peer: bob, MessageIDs: []int64{1}},
		&AddReaction{Peer: bob, MessageID: 1, Emoji: "👍"},
		&DeleteReaction{Peer: bob, MessageID: 1, Emoji: "👍"},
		&CreateChat{SpaceID: 1, Title: "t"},
	}
	for _, tx := range all {
		b, err := encode(tx)
		if err != nil {
			t.Fatal(err)
		}
		got, err := decode(tx.Kind(), b)
		if err != nil {
			t.Fatalf("%s: %v", tx.Kind(), err)
		}
		if got.Kind() != tx.Kind() {
			t.Errorf("kind = %s, want %s", got.Kind(), tx.Kind())
		}
	}
	if _, err := decode("bogus", []byte(`{}`)); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
}
