package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/matheus3301/inline/internal/api"
	"github.com/matheus3301/inline/internal/config"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/session"
	"github.com/matheus3301/inline/internal/status"
)

// testHome points INLINE_HOME at a short temp dir so the socket path stays
// under the unix socket length limit.
func testHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "inline-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
	return dir
}

func startDaemon(t *testing.T, socketPath string) *fxtest.App {
	t.Helper()
	app := fxtest.New(t, fx.NopLogger, Module(Params{SessionName: "test", SocketPath: socketPath}))
	app.RequireStart()
	return app
}

func dial(t *testing.T, socketPath string) *api.Client {
	t.Helper()
	c, err := api.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDaemonLifecycle(t *testing.T) {
	home := testHome(t)
	sock := filepath.Join(home, "d.sock")
	app := startDaemon(t, sock)
	ctx := context.Background()
	c := dial(t, sock)

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Session != "test" {
		t.Errorf("session = %q, want %q", st.Session, "test")
	}
	if st.State != string(status.AuthRequired) {
		t.Errorf("state = %s, want %s", st.State, status.AuthRequired)
	}

	chats, err := c.ListChats(ctx, &api.ListChatsRequest{})
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if len(chats.Chats) != 0 {
		t.Errorf("got %d chats, want 0", len(chats.Chats))
	}

	// Offline sends are accepted and wait in the queue.
	peer := protocol.UserPeer(2)
	sent, err := c.SendMessage(ctx, &api.SendMessageRequest{Peer: peer, Text: "hi"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	msgs, err := c.ListMessages(ctx, &api.ListMessagesRequest{Peer: peer})
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs.Messages) != 1 || msgs.Messages[0].LocalID != sent.LocalID {
		t.Fatalf("messages = %+v, want the optimistic row", msgs.Messages)
	}
	if msgs.Messages[0].Status != "sending" {
		t.Errorf("status = %s, want sending", msgs.Messages[0].Status)
	}

	app.RequireStop()
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}

	// A restarted daemon resumes the queued send.
	app = startDaemon(t, sock)
	defer app.RequireStop()
	c = dial(t, sock)
	st, err = c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() after restart error = %v", err)
	}
	if st.PendingTransactions != 1 {
		t.Errorf("pending transactions = %d, want 1", st.PendingTransactions)
	}
}

func TestSecondDaemonIsRejected(t *testing.T) {
	home := testHome(t)
	app := startDaemon(t, filepath.Join(home, "a.sock"))
	defer app.RequireStop()

	second := fx.New(fx.NopLogger, Module(Params{SessionName: "test", SocketPath: filepath.Join(home, "b.sock")}))
	err := second.Err()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = second.Stop(ctx)
		t.Fatal("second daemon started while the session lock was held")
	}
	if !strings.Contains(err.Error(), "session lock held") {
		t.Errorf("error = %v, want lock held", err)
	}
}

func TestInvalidConfigEntersError(t *testing.T) {
	home := testHome(t)
	err := config.SaveSession(session.ConfigPath("test"), &config.Session{
		ServerURL: "ftp://example.com",
		UserID:    1,
		Token:     "t",
	})
	if err != nil {
		t.Fatal(err)
	}
	sock := filepath.Join(home, "d.sock")
	app := startDaemon(t, sock)
	defer app.RequireStop()

	st, err := dial(t, sock).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State != string(status.Error) {
		t.Errorf("state = %s, want %s", st.State, status.Error)
	}
	if !strings.Contains(st.LastError, "unsupported scheme") {
		t.Errorf("last error = %q", st.LastError)
	}
}
