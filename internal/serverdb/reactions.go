package serverdb

import (
	"context"
	"time"
)

// AddReaction upserts a reaction and returns it.
func (db *DB) AddReaction(ctx context.Context, chatID, messageID, userID int64, emoji string) (*Reaction, error) {
	r := &Reaction{ChatID: chatID, MessageID: messageID, UserID: userID, Emoji: emoji, Date: time.Now().Unix()}
	_, err := db.ExecContext(ctx, `
		INSERT INTO reactions (chat_id, message_id, user_id, emoji, date) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id, user_id, emoji) DO UPDATE SET date = excluded.date`,
		r.ChatID, r.MessageID, r.UserID, r.Emoji, r.Date)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// DeleteReaction reports whether a reaction was removed.
func (db *DB) DeleteReaction(ctx context.Context, chatID, messageID, userID int64, emoji string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM reactions WHERE chat_id = ? AND message_id = ? AND user_id = ? AND emoji = ?`,
		chatID, messageID, userID, emoji)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *DB) Reactions(ctx context.Context, chatID, messageID int64) ([]Reaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT chat_id, message_id, user_id, emoji, date FROM reactions
		WHERE chat_id = ? AND message_id = ? ORDER BY date, user_id`, chatID, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.ChatID, &r.MessageID, &r.UserID, &r.Emoji, &r.Date); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
