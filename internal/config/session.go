package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	DefaultMaxAttempts = 30
	DefaultRetryDelay  = 5 * time.Second
)

// Session is the per-session session.toml. The token is opaque to the
// daemon; it is handed to the server on connect.
type Session struct {
	ServerURL    string       `toml:"server_url"`
	UserID       int64        `toml:"user_id"`
	Token        string       `toml:"token"`
	Transactions Transactions `toml:"transactions"`
}

type Transactions struct {
	MaxAttempts int           `toml:"max_attempts"`
	RetryDelay  time.Duration `toml:"retry_delay"`
}

// LoadSession reads a session file and fills in defaults.
func LoadSession(path string) (*Session, error) {
	var s Session
	if err := decode(path, &s); err != nil {
		return nil, err
	}
	s.applyDefaults()
	return &s, nil
}

func SaveSession(path string, s *Session) error {
	return encode(path, s)
}

func (s *Session) applyDefaults() {
	if s.Transactions.MaxAttempts <= 0 {
		s.Transactions.MaxAttempts = DefaultMaxAttempts
	}
	if s.Transactions.RetryDelay <= 0 {
		s.Transactions.RetryDelay = DefaultRetryDelay
	}
}

// HasCredentials reports whether the daemon can attempt to connect.
func (s *Session) HasCredentials() bool {
	return s.Token != "" && s.UserID != 0
}

// Validate checks the fields needed to reach the server.
func (s *Session) Validate() error {
	if s.ServerURL == "" {
		return errors.New("server_url is required")
	}
	u, err := url.Parse(s.ServerURL)
	if err != nil {
		return fmt.Errorf("server_url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("server_url: unsupported scheme %q", u.Scheme)
	}
	return nil
}
