package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/serverdb"
)

const secret = "test-secret-0123456789"

type memSessions map[int64]*serverdb.Session

func (m memSessions) GetSession(_ context.Context, id int64) (*serverdb.Session, error) {
	return m[id], nil
}

func TestIssueVerify(t *testing.T) {
	tok, err := NewTokens(secret, time.Hour)
	require.NoError(t, err)

	s, err := tok.Issue(7, 3)
	require.NoError(t, err)

	c, err := tok.Verify(s)
	require.NoError(t, err)
	uid, err := c.UserID()
	require.NoError(t, err)
	assert.Equal(t, int64(7), uid)
	assert.Equal(t, int64(3), c.SessionID)
}

func TestVerifyRejectsForeignSecretAndExpiry(t *testing.T) {
	a, _ := NewTokens(secret, time.Hour)
	b, _ := NewTokens("another-secret-987654321", time.Hour)
	s, err := a.Issue(1, 1)
	require.NoError(t, err)
	_, err = b.Verify(s)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, _ := NewTokens(secret, -time.Minute)
	s, err = expired.Issue(1, 1)
	require.NoError(t, err)
	_, err = a.Verify(s)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewTokens("short", 0)
	assert.Error(t, err)
}

func TestAuthenticateChecksSession(t *testing.T) {
	tok, _ := NewTokens(secret, 0)
	sessions := memSessions{
		1: {ID: 1, UserID: 7},
		2: {ID: 2, UserID: 7, Revoked: true},
	}
	a := NewAuthenticator(tok, sessions)
	ctx := context.Background()

	good, _ := tok.Issue(7, 1)
	uid, sid, err := a.Authenticate(ctx, good)
	require.NoError(t, err)
	assert.Equal(t, int64(7), uid)
	assert.Equal(t, int64(1), sid)

	revoked, _ := tok.Issue(7, 2)
	_, _, err = a.Authenticate(ctx, revoked)
	assert.ErrorIs(t, err, protocol.ErrUnauthenticated)

	wrongUser, _ := tok.Issue(8, 1)
	_, _, err = a.Authenticate(ctx, wrongUser)
	assert.ErrorIs(t, err, protocol.ErrUnauthenticated)

	missing, _ := tok.Issue(7, 99)
	_, _, err = a.Authenticate(ctx, missing)
	assert.ErrorIs(t, err, protocol.ErrUnauthenticated)
}
