package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (db *DB) CreateUser(ctx context.Context, name string) (*User, error) {
	res, err := db.ExecContext(ctx, `INSERT INTO users (name, created_at) VALUES (?, ?)`, name, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &User{ID: id, Name: name}, nil
}

// GetUser returns nil, nil when the user does not exist.
func (db *DB) GetUser(ctx context.Context, id int64) (*User, error) {
	var (
		u    User
		last sql.NullInt64
	)
	err := db.QueryRowContext(ctx, `SELECT id, name, last_online FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Name, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.LastOnline = last.Int64
	return &u, nil
}

func (db *DB) SetLastOnline(ctx context.Context, userID, at int64) error {
	_, err := db.ExecContext(ctx, `UPDATE users SET last_online = ? WHERE id = ?`, at, userID)
	return err
}

func (db *DB) CreateSession(ctx context.Context, userID int64) (*Session, error) {
	res, err := db.ExecContext(ctx, `INSERT INTO sessions (user_id, created_at) VALUES (?, ?)`, userID, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Session{ID: id, UserID: userID}, nil
}

// GetSession returns nil, nil when the session does not exist.
func (db *DB) GetSession(ctx context.Context, id int64) (*Session, error) {
	var s Session
	err := db.QueryRowContext(ctx, `SELECT id, user_id, revoked FROM sessions WHERE id = ?`, id).Scan(&s.ID, &s.UserID, &s.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *DB) RevokeSession(ctx context.Context, id int64) error {
	_, err := db.ExecContext(ctx, `UPDATE sessions SET revoked = 1 WHERE id = ?`, id)
	return err
}

// PrivatePeers lists users who share a private chat with userID.
func (db *DB) PrivatePeers(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM dialogs
		WHERE peer_user_id = ? AND user_id != ?`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
