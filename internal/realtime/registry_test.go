package realtime

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingListener) UserOnline(int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "on")
}

func (l *recordingListener) UserOffline(int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, "off")
}

func testConn() *Conn {
	return newConn(nil, zap.NewNop())
}

func drain(c *Conn) [][]byte {
	var out [][]byte
	for {
		select {
		case o := <-c.send:
			out = append(out, o.frame)
		default:
			return out
		}
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	l := &recordingListener{}
	r.SetPresenceListener(l)

	a, b := testConn(), testConn()
	r.Add(a)
	r.Add(b)
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, StateUnauthenticated, a.State())
	assert.False(t, r.IsOnline(1))

	require.NoError(t, r.Authenticate(a.ID, 1, 10))
	require.NoError(t, r.Authenticate(b.ID, 1, 11))
	assert.Equal(t, StateAuthenticated, a.State())
	assert.ErrorIs(t, r.Authenticate(a.ID, 1, 10), ErrAlreadyBound)
	assert.ErrorIs(t, r.Authenticate("nope", 1, 10), ErrUnknownConn)
	assert.True(t, r.IsOnline(1))
	assert.Len(t, r.UserConns(1), 2)

	r.Remove(a.ID)
	assert.Equal(t, StateClosed, a.State())
	assert.True(t, r.IsOnline(1))
	r.Remove(b.ID)
	assert.False(t, r.IsOnline(1))
	assert.Equal(t, 0, r.Count())

	assert.Equal(t, []string{"on", "off"}, l.events)
}

func TestSendToUserExcludesSession(t *testing.T) {
	r := NewRegistry()
	a, b, other := testConn(), testConn(), testConn()
	for _, c := range []*Conn{a, b, other} {
		r.Add(c)
	}
	require.NoError(t, r.Authenticate(a.ID, 1, 10))
	require.NoError(t, r.Authenticate(b.ID, 1, 11))
	require.NoError(t, r.Authenticate(other.ID, 2, 20))

	assert.Equal(t, 2, r.SendToUser(1, []byte("x"), 0))
	assert.Equal(t, 1, r.SendToUser(1, []byte("y"), 10))

	assert.Equal(t, [][]byte{[]byte("x")}, drain(a))
	assert.Equal(t, [][]byte{[]byte("x"), []byte("y")}, drain(b))
	assert.Empty(t, drain(other))
}

func TestClosedConnReceivesNothing(t *testing.T) {
	r := NewRegistry()
	a := testConn()
	r.Add(a)
	require.NoError(t, r.Authenticate(a.ID, 1, 10))
	a.Close()

	assert.Equal(t, 0, r.SendToUser(1, []byte("x"), 0))

	r.Remove(a.ID)
	assert.False(t, r.IsOnline(1), "closed connection must still be deregistered")
}

func TestFullQueueDropsConnection(t *testing.T) {
	a := testConn()
	for i := 0; i < SendQueueSize; i++ {
		require.True(t, a.TrySend([]byte{1}))
	}
	assert.False(t, a.TrySend([]byte{2}))
	assert.Equal(t, StateClosed, a.State())
}
