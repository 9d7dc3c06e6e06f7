package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetUserSettings returns the user's general settings, empty when unset.
func (db *DB) GetUserSettings(ctx context.Context, userID int64) (map[string]any, error) {
	var raw string
	err := db.QueryRowContext(ctx, `SELECT general FROM user_settings WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

// SetUserSettings replaces the user's general settings.
func (db *DB) SetUserSettings(ctx context.Context, userID int64, general map[string]any) error {
	if general == nil {
		general = map[string]any{}
	}
	raw, err := json.Marshal(general)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, general, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET general = excluded.general, updated_at = excluded.updated_at`,
		userID, string(raw), time.Now().Unix())
	return err
}
