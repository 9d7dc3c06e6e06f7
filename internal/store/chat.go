package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/inline/internal/protocol"
)

const chatColumns = `peer, chat_id, type, space_id, title, is_public, last_msg_id, last_msg_local_id, date`

func scanChat(row interface{ Scan(...any) error }) (*Chat, error) {
	var (
		c       Chat
		key     string
		chatID  sql.NullInt64
		lastID  sql.NullInt64
		lastLoc sql.NullString
		typ     string
	)
	if err := row.Scan(&key, &chatID, &typ, &c.SpaceID, &c.Title, &c.IsPublic, &lastID, &lastLoc, &c.Date); err != nil {
		return nil, err
	}
	peer, err := ParsePeerKey(key)
	if err != nil {
		return nil, err
	}
	c.Peer = peer
	c.ChatID = chatID.Int64
	c.Type = protocol.ChatType(typ)
	c.LastMsgID = lastID.Int64
	c.LastMsgLocalID = lastLoc.String
	return &c, nil
}

// UpsertChat inserts or updates a chat from server data. The last message
// pointer is owned by message writes and is left alone.
func (q Queries) UpsertChat(ctx context.Context, c *Chat) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO chats (peer, chat_id, type, space_id, peer_user_id, title, is_public, date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer) DO UPDATE SET
			chat_id = COALESCE(excluded.chat_id, chats.chat_id),
			type = excluded.type,
			space_id = excluded.space_id,
			title = excluded.title,
			is_public = excluded.is_public,
			date = excluded.date,
			updated_at = excluded.updated_at`,
		PeerKey(c.Peer), nullInt(c.ChatID), string(c.Type), c.SpaceID, c.Peer.UserID, c.Title, c.IsPublic, c.Date, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", PeerKey(c.Peer), err)
	}
	return nil
}

// EnsureChat makes sure a row exists for peer and records chatID once it
// is known.
func (q Queries) EnsureChat(ctx context.Context, peer protocol.Peer, chatID int64) error {
	typ := protocol.ChatPrivate
	if peer.IsThread() {
		typ = protocol.ChatThread
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO chats (peer, chat_id, type, peer_user_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer) DO UPDATE SET
			chat_id = COALESCE(chats.chat_id, excluded.chat_id)`,
		PeerKey(peer), nullInt(chatID), string(typ), peer.UserID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ensure chat %s: %w", PeerKey(peer), err)
	}
	return nil
}

// ListChats returns chats, most recently active first.
func (q Queries) ListChats(ctx context.Context, limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		ORDER BY COALESCE(
			(SELECT MAX(m.date) FROM messages m WHERE m.peer = chats.peer), chats.date) DESC,
			chats.peer
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// GetChat returns a chat by peer, or nil.
func (q Queries) GetChat(ctx context.Context, peer protocol.Peer) (*Chat, error) {
	c, err := scanChat(q.q.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE peer = ?`, PeerKey(peer)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ChatByID returns a chat by its server id, or nil.
func (q Queries) ChatByID(ctx context.Context, chatID int64) (*Chat, error) {
	c, err := scanChat(q.q.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE chat_id = ?`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// DeleteChat removes a chat with everything that hangs off it.
func (q Queries) DeleteChat(ctx context.Context, peer protocol.Peer) error {
	key := PeerKey(peer)
	for _, stmt := range []string{
		`DELETE FROM reactions WHERE peer = ?`,
		`DELETE FROM attachments WHERE peer = ?`,
		`DELETE FROM messages WHERE peer = ?`,
		`DELETE FROM chats WHERE peer = ?`,
	} {
		if _, err := q.q.ExecContext(ctx, stmt, key); err != nil {
			return fmt.Errorf("delete chat %s: %w", key, err)
		}
	}
	return nil
}

// RecomputeLastMessage points the chat at its newest message. That is the
// row with the highest server id, unless a row that is still sending was
// written after it. Failed rows never hold the pointer.
func (q Queries) RecomputeLastMessage(ctx context.Context, peer protocol.Peer) error {
	key := PeerKey(peer)
	var (
		serverRow sql.NullInt64
		msgID     sql.NullInt64
		localRow  sql.NullInt64
		localID   sql.NullString
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT row_id, message_id FROM messages
		WHERE peer = ? AND message_id IS NOT NULL
		ORDER BY message_id DESC LIMIT 1`, key).Scan(&serverRow, &msgID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("find last message: %w", err)
	}
	err = q.q.QueryRowContext(ctx, `
		SELECT row_id, local_id FROM messages
		WHERE peer = ? AND message_id IS NULL AND status = ?
		ORDER BY row_id DESC LIMIT 1`, key, string(StatusSending)).Scan(&localRow, &localID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("find last local message: %w", err)
	}

	if localID.Valid && localRow.Int64 > serverRow.Int64 {
		msgID = sql.NullInt64{}
	} else {
		localID = sql.NullString{}
	}
	_, err = q.q.ExecContext(ctx, `
		UPDATE chats SET last_msg_id = ?, last_msg_local_id = ?, updated_at = ?
		WHERE peer = ?`, msgID, localID, time.Now().UnixMilli(), key)
	if err != nil {
		return fmt.Errorf("set last message: %w", err)
	}
	return nil
}
