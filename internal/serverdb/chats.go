package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

const chatColumns = `id, type, space_id, public_thread, min_user_id, max_user_id, title, last_msg_id, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(row scanner) (*Chat, error) {
	var (
		c                          Chat
		space, minU, maxU, lastMsg sql.NullInt64
		title                      sql.NullString
	)
	if err := row.Scan(&c.ID, &c.Type, &space, &c.PublicThread, &minU, &maxU, &title, &lastMsg, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.SpaceID = space.Int64
	c.MinUserID = minU.Int64
	c.MaxUserID = maxU.Int64
	c.Title = title.String
	c.LastMsgID = lastMsg.Int64
	return &c, nil
}

// GetChat returns nil, nil when the chat does not exist.
func (db *DB) GetChat(ctx context.Context, id int64) (*Chat, error) {
	c, err := scanChat(db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// GetPrivateChat returns nil, nil when the two users have no chat yet.
func (db *DB) GetPrivateChat(ctx context.Context, a, b int64) (*Chat, error) {
	lo, hi := min(a, b), max(a, b)
	c, err := scanChat(db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE type = ? AND min_user_id = ? AND max_user_id = ?`, ChatTypePrivate, lo, hi))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// GetOrCreatePrivateChat returns the direct chat between a and b, creating
// it along with both dialogs. a == b is the saved messages chat.
func (db *DB) GetOrCreatePrivateChat(ctx context.Context, a, b int64) (*Chat, bool, error) {
	if c, err := db.GetPrivateChat(ctx, a, b); err != nil || c != nil {
		return c, false, err
	}
	lo, hi := min(a, b), max(a, b)
	var chatID int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO chats (type, min_user_id, max_user_id, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING`, ChatTypePrivate, lo, hi, now)
		if err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if chatID, err = res.LastInsertId(); err != nil {
			return err
		}
		pairs := [][2]int64{{lo, hi}, {hi, lo}}
		if lo == hi {
			pairs = pairs[:1]
		}
		for _, p := range pairs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO chat_participants (chat_id, user_id, created_at) VALUES (?, ?, ?)`, chatID, p[0], now); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO dialogs (chat_id, user_id, peer_user_id, created_at) VALUES (?, ?, ?, ?)`, chatID, p[0], p[1], now); err != nil {
				return fmt.Errorf("insert dialog: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	c, err := db.GetPrivateChat(ctx, a, b)
	return c, chatID != 0, err
}

// CreateThread creates a thread in a space. The creator is always a
// participant.
func (db *DB) CreateThread(ctx context.Context, spaceID int64, title string, public bool, creatorID int64, participants []int64) (*Chat, error) {
	users := append(slices.Clone(participants), creatorID)
	slices.Sort(users)
	users = slices.Compact(users)

	var chatID int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().Unix()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO chats (type, space_id, public_thread, title, created_at) VALUES (?, ?, ?, ?, ?)`,
			ChatTypeThread, spaceID, public, title, now)
		if err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
		if chatID, err = res.LastInsertId(); err != nil {
			return err
		}
		for _, u := range users {
			if _, err := tx.ExecContext(ctx, `INSERT INTO chat_participants (chat_id, user_id, created_at) VALUES (?, ?, ?)`, chatID, u, now); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO dialogs (chat_id, user_id, created_at) VALUES (?, ?, ?)`, chatID, u, now); err != nil {
				return fmt.Errorf("insert dialog: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db.GetChat(ctx, chatID)
}

// ChatParticipants lists the explicit participants of a chat.
func (db *DB) ChatParticipants(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT user_id FROM chat_participants WHERE chat_id = ? ORDER BY user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanIDs(rows)
}

func (db *DB) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_participants WHERE chat_id = ? AND user_id = ?`, chatID, userID).Scan(&n)
	return n > 0, err
}

// DeleteChat removes a chat and, by cascade, its messages and reactions.
func (db *DB) DeleteChat(ctx context.Context, chatID int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
	return err
}
