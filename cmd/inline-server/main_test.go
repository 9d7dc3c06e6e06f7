package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/inline/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "inline-server.toml")
	body := fmt.Sprintf("database_path = %q\njwt_secret = %q\n", filepath.Join(dir, "server.db"), testSecret)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfg}, args...))
	err := cmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func mustRun(t *testing.T, cfg string, args ...string) string {
	t.Helper()
	out, err := run(t, cfg, args...)
	require.NoError(t, err, "inline-server %v", args)
	return out
}

func TestAdminCommands(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	cfg := writeConfig(t)

	out := mustRun(t, cfg, "migrate")
	assert.Contains(t, out, "schema version 1")

	alice := mustRun(t, cfg, "user", "create", "alice")
	bob := mustRun(t, cfg, "user", "create", "bob")
	space := mustRun(t, cfg, "space", "create", "team", "--creator", alice)
	mustRun(t, cfg, "space", "add-member", space, bob, "--role", "admin")

	tok := mustRun(t, cfg, "token", "issue", bob)
	tokens, err := auth.NewTokens(testSecret, 0)
	require.NoError(t, err)
	claims, err := tokens.Verify(tok)
	require.NoError(t, err)
	uid, err := claims.UserID()
	require.NoError(t, err)
	assert.Equal(t, bob, strconv.FormatInt(uid, 10))
}

func TestAdminCommandErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	cfg := writeConfig(t)

	_, err := run(t, cfg, "space", "create", "team")
	assert.ErrorContains(t, err, "--creator")

	_, err = run(t, cfg, "space", "add-member", "1", "2", "--role", "owner")
	assert.ErrorContains(t, err, "--role")

	_, err = run(t, cfg, "token", "issue", "42")
	assert.ErrorContains(t, err, "user 42 not found")

	_, err = run(t, cfg, "user", "create")
	assert.Error(t, err)

	_, err = run(t, cfg, "token", "issue", "abc")
	assert.ErrorContains(t, err, "invalid id")
}
