package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/matheus3301/inline/internal/protocol"
)

const messageColumns = `row_id, local_id, peer, message_id, correlation_id, from_id, text, reply_to_msg_id, status, date, edit_date`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var (
		m      Message
		key    string
		msgID  sql.NullInt64
		corrID sql.NullInt64
		status string
	)
	if err := row.Scan(&m.RowID, &m.LocalID, &key, &msgID, &corrID, &m.FromID, &m.Text, &m.ReplyToMsgID, &status, &m.Date, &m.EditDate); err != nil {
		return nil, err
	}
	peer, err := ParsePeerKey(key)
	if err != nil {
		return nil, err
	}
	m.Peer = peer
	m.MessageID = msgID.Int64
	m.CorrelationID = corrID.Int64
	m.Status = MessageStatus(status)
	return &m, nil
}

func (q Queries) queryMessage(ctx context.Context, where string, args ...any) (*Message, error) {
	m, err := scanMessage(q.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// InsertLocalMessage stores an optimistic row and makes it the chat's last
// message.
func (q Queries) InsertLocalMessage(ctx context.Context, m *Message) error {
	if m.LocalID == "" {
		return errors.New("local message without local id")
	}
	if err := q.EnsureChat(ctx, m.Peer, 0); err != nil {
		return err
	}
	key := PeerKey(m.Peer)
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO messages (local_id, peer, correlation_id, from_id, text, reply_to_msg_id, status, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.LocalID, key, nullInt(m.CorrelationID), m.FromID, m.Text, m.ReplyToMsgID, string(m.Status), m.Date)
	if err != nil {
		return fmt.Errorf("insert local message: %w", err)
	}
	m.RowID, _ = res.LastInsertId()
	return q.RecomputeLastMessage(ctx, m.Peer)
}

// UpsertMessage stores a server message, idempotent on (peer, message id).
// It reports whether a new row was created.
func (q Queries) UpsertMessage(ctx context.Context, m *Message) (bool, error) {
	key := PeerKey(m.Peer)
	existing, err := q.GetMessage(ctx, m.Peer, m.MessageID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		_, err := q.q.ExecContext(ctx, `
			UPDATE messages SET text = ?, edit_date = MAX(edit_date, ?), status = 'sent'
			WHERE row_id = ?`, m.Text, m.EditDate, existing.RowID)
		if err != nil {
			return false, fmt.Errorf("update message %s/%d: %w", key, m.MessageID, err)
		}
		return false, nil
	}

	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO messages (local_id, peer, message_id, correlation_id, from_id, text, reply_to_msg_id, status, date, edit_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'sent', ?, ?)`,
		m.LocalID, key, m.MessageID, nullInt(m.CorrelationID), m.FromID, m.Text, m.ReplyToMsgID, m.Date, m.EditDate)
	if err != nil {
		return false, fmt.Errorf("insert message %s/%d: %w", key, m.MessageID, err)
	}
	if err := q.RecomputeLastMessage(ctx, m.Peer); err != nil {
		return false, err
	}
	return true, nil
}

// Reconcile rewrites the optimistic row carrying correlationID with the
// server-assigned id and marks it sent. It returns the reconciled row, or
// nil if no row carries that correlation id.
func (q Queries) Reconcile(ctx context.Context, correlationID, messageID int64) (*Message, error) {
	local, err := q.MessageByCorrelation(ctx, correlationID)
	if err != nil || local == nil {
		return nil, err
	}
	if local.MessageID == messageID && local.Status == StatusSent {
		return local, nil
	}
	key := PeerKey(local.Peer)

	dup, err := q.GetMessage(ctx, local.Peer, messageID)
	if err != nil {
		return nil, err
	}
	if dup != nil && dup.RowID != local.RowID {
		// The server copy arrived first; fold it into the local row so the
		// local id stays stable.
		if _, err := q.q.ExecContext(ctx, `DELETE FROM messages WHERE row_id = ?`, dup.RowID); err != nil {
			return nil, fmt.Errorf("drop duplicate %s/%d: %w", key, messageID, err)
		}
	}

	if _, err := q.q.ExecContext(ctx, `
		UPDATE messages SET message_id = ?, status = 'sent'
		WHERE row_id = ?`, messageID, local.RowID); err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", local.LocalID, err)
	}
	if err := q.RecomputeLastMessage(ctx, local.Peer); err != nil {
		return nil, err
	}

	local.MessageID = messageID
	local.Status = StatusSent
	return local, nil
}

// SetMessageStatus changes the delivery state of a local row. A row that
// fails stops being the chat's last message.
func (q Queries) SetMessageStatus(ctx context.Context, localID string, status MessageStatus) error {
	m, err := q.MessageByLocalID(ctx, localID)
	if err != nil || m == nil {
		return err
	}
	if _, err := q.q.ExecContext(ctx, `UPDATE messages SET status = ? WHERE row_id = ?`, string(status), m.RowID); err != nil {
		return fmt.Errorf("set status of %s: %w", localID, err)
	}
	return q.RecomputeLastMessage(ctx, m.Peer)
}

// UpdateMessageText edits a message in place. It reports whether the
// message exists.
func (q Queries) UpdateMessageText(ctx context.Context, peer protocol.Peer, messageID int64, text string, editDate int64) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE messages SET text = ?, edit_date = ?
		WHERE peer = ? AND message_id = ?`, text, editDate, PeerKey(peer), messageID)
	if err != nil {
		return false, fmt.Errorf("edit message %d: %w", messageID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMessages removes messages by server id with their reactions and
// attachments, then recomputes the chat's last message. It returns the ids
// that existed.
func (q Queries) DeleteMessages(ctx context.Context, peer protocol.Peer, ids []int64) ([]int64, error) {
	key := PeerKey(peer)
	var deleted []int64
	for _, id := range ids {
		res, err := q.q.ExecContext(ctx, `DELETE FROM messages WHERE peer = ? AND message_id = ?`, key, id)
		if err != nil {
			return nil, fmt.Errorf("delete message %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		deleted = append(deleted, id)
		if _, err := q.q.ExecContext(ctx, `DELETE FROM reactions WHERE peer = ? AND message_id = ?`, key, id); err != nil {
			return nil, fmt.Errorf("delete reactions of %d: %w", id, err)
		}
		if _, err := q.q.ExecContext(ctx, `DELETE FROM attachments WHERE peer = ? AND message_id = ?`, key, id); err != nil {
			return nil, fmt.Errorf("delete attachments of %d: %w", id, err)
		}
	}
	if len(deleted) > 0 {
		if err := q.RecomputeLastMessage(ctx, peer); err != nil {
			return nil, err
		}
	}
	return deleted, nil
}

// DeleteLocalMessage removes a row by local id, whatever its state.
func (q Queries) DeleteLocalMessage(ctx context.Context, localID string) error {
	m, err := q.MessageByLocalID(ctx, localID)
	if err != nil || m == nil {
		return err
	}
	if m.MessageID != 0 {
		_, err = q.DeleteMessages(ctx, m.Peer, []int64{m.MessageID})
		return err
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM messages WHERE row_id = ?`, m.RowID); err != nil {
		return fmt.Errorf("delete local message %s: %w", localID, err)
	}
	return q.RecomputeLastMessage(ctx, m.Peer)
}

// RestoreMessages puts back rows removed by DeleteMessages, keeping their
// local ids.
func (q Queries) RestoreMessages(ctx context.Context, msgs []Message) error {
	peers := make(map[string]protocol.Peer)
	for _, m := range msgs {
		key := PeerKey(m.Peer)
		_, err := q.q.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (local_id, peer, message_id, correlation_id, from_id, text, reply_to_msg_id, status, date, edit_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.LocalID, key, nullInt(m.MessageID), nullInt(m.CorrelationID), m.FromID, m.Text, m.ReplyToMsgID, string(m.Status), m.Date, m.EditDate)
		if err != nil {
			return fmt.Errorf("restore message %s: %w", m.LocalID, err)
		}
		peers[key] = m.Peer
	}
	for _, p := range peers {
		if err := q.RecomputeLastMessage(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// GetMessage returns a message by server id, or nil.
func (q Queries) GetMessage(ctx context.Context, peer protocol.Peer, messageID int64) (*Message, error) {
	return q.queryMessage(ctx, `peer = ? AND message_id = ?`, PeerKey(peer), messageID)
}

func (q Queries) MessageByLocalID(ctx context.Context, localID string) (*Message, error) {
	return q.queryMessage(ctx, `local_id = ?`, localID)
}

func (q Queries) MessageByCorrelation(ctx context.Context, correlationID int64) (*Message, error) {
	return q.queryMessage(ctx, `correlation_id = ?`, correlationID)
}

// ListMessages returns messages for a chat, newest first. Rows older than
// beforeRowID are returned when it is set.
func (q Queries) ListMessages(ctx context.Context, peer protocol.Peer, beforeRowID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeRowID <= 0 {
		beforeRowID = 1<<63 - 1
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE peer = ? AND row_id < ?
		ORDER BY row_id DESC
		LIMIT ?`, PeerKey(peer), beforeRowID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CountMessages returns how many rows a chat holds.
func (q Queries) CountMessages(ctx context.Context, peer protocol.Peer) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE peer = ?`, PeerKey(peer)).Scan(&n)
	return n, err
}
