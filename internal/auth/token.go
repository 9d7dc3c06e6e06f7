// Package auth issues and verifies session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/serverdb"
)

const Issuer = "inline"

var ErrInvalidToken = errors.New("invalid token")

// Claims binds a token to a user and one of their sessions.
type Claims struct {
	SessionID int64 `json:"sid"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *Claims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

type Tokens struct {
	secret []byte
	ttl    time.Duration
}

// NewTokens signs with HS256. A zero ttl issues tokens without expiry.
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &Tokens{secret: []byte(secret), ttl: ttl}, nil
}

func (t *Tokens) Issue(userID, sessionID int64) (string, error) {
	now := time.Now()
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   Issuer,
			Subject:  strconv.FormatInt(userID, 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}

func (t *Tokens) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(Issuer))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SessionStore looks up sessions by id.
type SessionStore interface {
	GetSession(ctx context.Context, id int64) (*serverdb.Session, error)
}

// Authenticator resolves a connection-init token to an identity.
type Authenticator struct {
	tokens   *Tokens
	sessions SessionStore
}

func NewAuthenticator(tokens *Tokens, sessions SessionStore) *Authenticator {
	return &Authenticator{tokens: tokens, sessions: sessions}
}

// Authenticate returns the user and session bound to token. Every failure
// is reported as UNAUTHENTICATED; storage errors are returned as is.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (userID, sessionID int64, err error) {
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return 0, 0, protocol.ErrUnauthenticated
	}
	userID, _ = claims.UserID()
	s, err := a.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup session: %w", err)
	}
	if s == nil || s.Revoked || s.UserID != userID {
		return 0, 0, protocol.ErrUnauthenticated
	}
	return userID, s.ID, nil
}
