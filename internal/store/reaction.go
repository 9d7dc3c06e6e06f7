package store

import (
	"context"
	"fmt"

	"github.com/matheus3301/inline/internal/protocol"
)

// PutReaction upserts a reaction keyed by (message, user, emoji).
func (q Queries) PutReaction(ctx context.Context, r *Reaction) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO reactions (peer, message_id, user_id, emoji, date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer, message_id, user_id, emoji) DO UPDATE SET date = excluded.date`,
		PeerKey(r.Peer), r.MessageID, r.UserID, r.Emoji, r.Date)
	if err != nil {
		return fmt.Errorf("put reaction: %w", err)
	}
	return nil
}

// DeleteReaction reports whether a reaction was removed.
func (q Queries) DeleteReaction(ctx context.Context, peer protocol.Peer, messageID, userID int64, emoji string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		DELETE FROM reactions WHERE peer = ? AND message_id = ? AND user_id = ? AND emoji = ?`,
		PeerKey(peer), messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("delete reaction: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (q Queries) Reactions(ctx context.Context, peer protocol.Peer, messageID int64) ([]Reaction, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT user_id, emoji, date FROM reactions
		WHERE peer = ? AND message_id = ?
		ORDER BY date, user_id`, PeerKey(peer), messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Reaction
	for rows.Next() {
		r := Reaction{Peer: peer, MessageID: messageID}
		if err := rows.Scan(&r.UserID, &r.Emoji, &r.Date); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutAttachment records attachment metadata for a message.
func (q Queries) PutAttachment(ctx context.Context, a *Attachment) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO attachments (peer, message_id, attachment_id, kind, url, title)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer, message_id, attachment_id) DO UPDATE SET
			kind = excluded.kind, url = excluded.url, title = excluded.title`,
		PeerKey(a.Peer), a.MessageID, a.ID, a.Kind, a.URL, a.Title)
	if err != nil {
		return fmt.Errorf("put attachment: %w", err)
	}
	return nil
}

func (q Queries) Attachments(ctx context.Context, peer protocol.Peer, messageID int64) ([]Attachment, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT attachment_id, kind, url, title FROM attachments
		WHERE peer = ? AND message_id = ?
		ORDER BY attachment_id`, PeerKey(peer), messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Attachment
	for rows.Next() {
		a := Attachment{Peer: peer, MessageID: messageID}
		if err := rows.Scan(&a.ID, &a.Kind, &a.URL, &a.Title); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
