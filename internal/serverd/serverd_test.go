package serverd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/auth"
	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/config"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/rtclient"
	"github.com/matheus3301/inline/internal/serverdb"
	"github.com/matheus3301/inline/internal/status"
)

type testServer struct {
	addr   string
	db     *serverdb.DB
	tokens *auth.Tokens
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Server{
		ListenAddr:    "127.0.0.1:0",
		DatabasePath:  filepath.Join(t.TempDir(), "server.db"),
		EncryptionKey: strings.Repeat("ab", 32),
		JWTSecret:     "test-secret-at-least-16",
		Cache:         config.Cache{TTL: time.Minute, Capacity: 100},
	}

	var (
		srv    *HTTPServer
		db     *serverdb.DB
		tokens *auth.Tokens
	)
	app := fxtest.New(t, fx.NopLogger,
		Module(Params{Config: cfg, Registerer: prometheus.NewRegistry()}),
		fx.Populate(&srv, &db, &tokens),
	)
	app.RequireStart()
	t.Cleanup(app.RequireStop)
	return &testServer{addr: srv.Addr().String(), db: db, tokens: tokens}
}

func (s *testServer) login(t *testing.T, name string) (int64, string) {
	t.Helper()
	ctx := context.Background()
	u, err := s.db.CreateUser(ctx, name)
	require.NoError(t, err)
	sess, err := s.db.CreateSession(ctx, u.ID)
	require.NoError(t, err)
	tok, err := s.tokens.Issue(u.ID, sess.ID)
	require.NoError(t, err)
	return u.ID, tok
}

type recordingSink struct {
	mu      sync.Mutex
	updates []protocol.Update
}

func (s *recordingSink) Push(_ context.Context, updates []protocol.Update) error {
	s.mu.Lock()
	s.updates = append(s.updates, updates...)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) newMessages() []protocol.NewMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.NewMessage
	for _, u := range s.updates {
		if m, ok := u.(protocol.NewMessage); ok {
			out = append(out, m)
		}
	}
	return out
}

func (s *testServer) connect(t *testing.T, token string) (*rtclient.Client, *status.Machine, *recordingSink) {
	t.Helper()
	machine := status.NewMachine(bus.New())
	sink := &recordingSink{}
	c := rtclient.New(rtclient.Options{
		URL:        "http://" + s.addr,
		Token:      token,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}, sink, machine, zap.NewNop())
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c, machine, sink
}

func TestHealthAndMetrics(t *testing.T) {
	s := startServer(t)

	resp, err := http.Get("http://" + s.addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var h health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)

	resp, err = http.Get("http://" + s.addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "inline_connections_active")
}

func TestSendMessageReachesPeer(t *testing.T) {
	s := startServer(t)
	_, aliceToken := s.login(t, "alice")
	bobID, bobToken := s.login(t, "bob")

	alice, aliceState, _ := s.connect(t, aliceToken)
	_, bobState, bobSink := s.connect(t, bobToken)
	require.Eventually(t, func() bool {
		return aliceState.Current() == status.Open && bobState.Current() == status.Open
	}, 5*time.Second, 10*time.Millisecond)

	var out protocol.UpdatesResult
	err := alice.Call(context.Background(), protocol.MethodSendMessage, &protocol.SendMessageInput{
		Peer: protocol.UserPeer(bobID), Text: "hi bob", CorrelationID: 77,
	}, &out)
	require.NoError(t, err)

	var reassigned *protocol.MessageIDReassigned
	for _, u := range out.Updates {
		if r, ok := u.(protocol.MessageIDReassigned); ok {
			reassigned = &r
		}
	}
	require.NotNil(t, reassigned)
	assert.Equal(t, int64(77), reassigned.CorrelationID)
	assert.Equal(t, int64(1), reassigned.MessageID)

	require.Eventually(t, func() bool { return len(bobSink.newMessages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	got := bobSink.newMessages()[0].Message
	assert.Equal(t, "hi bob", got.Text)
	assert.Equal(t, reassigned.MessageID, got.ID)
}

func TestForgedTokenIsRejected(t *testing.T) {
	s := startServer(t)
	other, err := auth.NewTokens("some-other-secret-value", 0)
	require.NoError(t, err)
	forged, err := other.Issue(1, 1)
	require.NoError(t, err)

	_, machine, _ := s.connect(t, forged)
	require.Eventually(t, func() bool { return machine.Current() == status.AuthRequired }, 5*time.Second, 10*time.Millisecond)
}

func TestFieldKey(t *testing.T) {
	_, err := FieldKey(&config.Server{})
	assert.Error(t, err)

	k1, err := FieldKey(&config.Server{KeyPassphrase: "correct horse"})
	require.NoError(t, err)
	k2, err := FieldKey(&config.Server{KeyPassphrase: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	_, err = FieldKey(&config.Server{EncryptionKey: "abcd"})
	assert.Error(t, err)
}
