package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/inline/internal/crypto"
)

const messageColumns = `global_id, chat_id, message_id, from_id, random_id, text_encrypted, text_iv, text_tag, reply_to_msg_id, date, edit_date`

func scanMessage(row scanner) (*Message, error) {
	var (
		m                         Message
		randomID, replyTo, edited sql.NullInt64
	)
	if err := row.Scan(&m.GlobalID, &m.ChatID, &m.MessageID, &m.FromID, &randomID,
		&m.Text.Ciphertext, &m.Text.IV, &m.Text.AuthTag, &replyTo, &m.Date, &edited); err != nil {
		return nil, err
	}
	m.RandomID = randomID.Int64
	m.ReplyToMsgID = replyTo.Int64
	m.EditDate = edited.Int64
	return &m, nil
}

// InsertMessage assigns the next message id in the chat, stores the
// message and advances the chat's last message. When the sender already
// stored a message with the same random id the existing row is returned and
// created is false.
func (db *DB) InsertMessage(ctx context.Context, m *Message) (stored *Message, created bool, err error) {
	if err := m.Text.Validate(); err != nil {
		return nil, false, err
	}
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if m.RandomID != 0 {
			existing, err := scanMessage(tx.QueryRowContext(ctx,
				`SELECT `+messageColumns+` FROM messages WHERE from_id = ? AND random_id = ?`, m.FromID, m.RandomID))
			if err == nil {
				stored = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup random id: %w", err)
			}
		}

		var next int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(message_id), 0) + 1 FROM messages WHERE chat_id = ?`, m.ChatID).Scan(&next); err != nil {
			return fmt.Errorf("next message id: %w", err)
		}
		if m.Date == 0 {
			m.Date = time.Now().Unix()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (chat_id, message_id, from_id, random_id, text_encrypted, text_iv, text_tag, reply_to_msg_id, date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ChatID, next, m.FromID, nullInt(m.RandomID),
			nullBytes(m.Text.Ciphertext), nullBytes(m.Text.IV), nullBytes(m.Text.AuthTag),
			nullInt(m.ReplyToMsgID), m.Date)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE chats SET last_msg_id = ? WHERE id = ?`, next, m.ChatID); err != nil {
			return fmt.Errorf("update last message: %w", err)
		}
		gid, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out := *m
		out.GlobalID = gid
		out.MessageID = next
		stored = &out
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetMessage returns nil, nil when the message does not exist.
func (db *DB) GetMessage(ctx context.Context, chatID, messageID int64) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND message_id = ?`, chatID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// UpdateMessageText replaces the encrypted text and stamps the edit date.
func (db *DB) UpdateMessageText(ctx context.Context, chatID, messageID int64, text crypto.EncryptedField, editDate int64) error {
	if err := text.Validate(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET text_encrypted = ?, text_iv = ?, text_tag = ?, edit_date = ?
		WHERE chat_id = ? AND message_id = ?`,
		nullBytes(text.Ciphertext), nullBytes(text.IV), nullBytes(text.AuthTag), editDate, chatID, messageID)
	return err
}

// DeleteMessages removes messages and recomputes the chat's last message.
// It returns the ids that existed.
func (db *DB) DeleteMessages(ctx context.Context, chatID int64, ids []int64) ([]int64, error) {
	var deleted []int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ? AND message_id = ?`, chatID, id)
			if err != nil {
				return fmt.Errorf("delete message %d: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				deleted = append(deleted, id)
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE chats SET last_msg_id = (SELECT MAX(message_id) FROM messages WHERE chat_id = ?)
			WHERE id = ?`, chatID, chatID)
		if err != nil {
			return fmt.Errorf("recompute last message: %w", err)
		}
		return nil
	})
	return deleted, err
}

// History returns up to limit messages older than offsetID, newest first.
// offsetID 0 starts from the latest message.
func (db *DB) History(ctx context.Context, chatID, offsetID int64, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offsetID <= 0 {
		offsetID = 1<<63 - 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND message_id < ?
		ORDER BY message_id DESC
		LIMIT ?`, chatID, offsetID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
