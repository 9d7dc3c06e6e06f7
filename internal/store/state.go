package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sync state keys.
const (
	StateUserSettings = "user_settings"
	StateLastBatchAt  = "last_batch_at"
)

// SetState writes a sync checkpoint value.
func (q Queries) SetState(ctx context.Context, key, value string) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// GetState returns a checkpoint value, or "" if unset.
func (q Queries) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := q.q.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
