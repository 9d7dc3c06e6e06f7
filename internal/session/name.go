package session

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/matheus3301/inline/internal/config"
)

const (
	DefaultSessionName = "main"
	// NameEnv selects the session when no flag is given.
	NameEnv = "INLINE_SESSION"
)

var ErrInvalidName = errors.New("invalid session name")

var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Resolve picks the session name from, in order, the flag, $INLINE_SESSION,
// default_session in the global config, and "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if v := os.Getenv(NameEnv); v != "" {
		return v
	}
	if cfg, err := config.Load(GlobalConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}

// ValidateName rejects names that are unsafe as a directory component.
func ValidateName(name string) error {
	if namePattern.MatchString(name) {
		return nil
	}
	return fmt.Errorf("%w %q: use 1-64 of [a-z0-9_-]", ErrInvalidName, name)
}
