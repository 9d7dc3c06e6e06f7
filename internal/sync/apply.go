package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/store"
)

var errInvalidPeer = errors.New("update carries no valid peer")

// applier applies one update inside the batch transaction. Updates about
// rows the replica does not have are no-ops.
type applier struct {
	ctx    context.Context
	tx     *store.Tx
	e      *Engine
	events []bus.Event
}

var _ protocol.UpdateVisitor = (*applier)(nil)

func (a *applier) emit(kind string, payload any) {
	a.events = append(a.events, bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func (a *applier) NewMessage(u protocol.NewMessage) error {
	m := u.Message
	if !m.Peer.Valid() {
		return errInvalidPeer
	}
	if err := a.tx.EnsureChat(a.ctx, m.Peer, m.ChatID); err != nil {
		return err
	}

	var correlationID int64
	if m.FromID == a.e.userID && m.CorrelationID != 0 {
		correlationID = m.CorrelationID
		if _, err := a.tx.Reconcile(a.ctx, m.CorrelationID, m.ID); err != nil {
			return err
		}
	}

	row := &store.Message{
		Peer:          m.Peer,
		MessageID:     m.ID,
		CorrelationID: correlationID,
		FromID:        m.FromID,
		Text:          m.Text,
		ReplyToMsgID:  m.ReplyToMsgID,
		Date:          m.Date,
		EditDate:      m.EditDate,
	}
	if _, err := a.tx.UpsertMessage(a.ctx, row); err != nil {
		return err
	}
	a.emit(EventMessageUpserted, MessageRef{Peer: m.Peer, MessageID: m.ID, LocalID: row.LocalID})
	return nil
}

func (a *applier) MessageIDReassigned(u protocol.MessageIDReassigned) error {
	m, err := a.tx.Reconcile(a.ctx, u.CorrelationID, u.MessageID)
	if err != nil || m == nil {
		return err
	}
	if err := a.tx.EnsureChat(a.ctx, m.Peer, u.ChatID); err != nil {
		return err
	}
	a.emit(EventMessageUpserted, MessageRef{Peer: m.Peer, MessageID: m.MessageID, LocalID: m.LocalID})
	return nil
}

func (a *applier) MessagesDeleted(u protocol.MessagesDeleted) error {
	chat, err := a.tx.ChatByID(a.ctx, u.ChatID)
	if err != nil || chat == nil {
		return err
	}
	deleted, err := a.tx.DeleteMessages(a.ctx, chat.Peer, u.MessageIDs)
	if err != nil {
		return err
	}
	for _, id := range deleted {
		a.emit(EventMessageDeleted, MessageRef{Peer: chat.Peer, MessageID: id})
	}
	return nil
}

func (a *applier) MessageEdited(u protocol.MessageEdited) error {
	m := u.Message
	if !m.Peer.Valid() {
		return errInvalidPeer
	}
	found, err := a.tx.UpdateMessageText(a.ctx, m.Peer, m.ID, m.Text, m.EditDate)
	if err != nil || !found {
		return err
	}
	a.emit(EventMessageUpserted, MessageRef{Peer: m.Peer, MessageID: m.ID})
	return nil
}

func (a *applier) ReactionAdded(u protocol.ReactionAdded) error {
	r := u.Reaction
	chat, err := a.tx.ChatByID(a.ctx, r.ChatID)
	if err != nil || chat == nil {
		return err
	}
	err = a.tx.PutReaction(a.ctx, &store.Reaction{
		Peer: chat.Peer, MessageID: r.MessageID, UserID: r.UserID, Emoji: r.Emoji, Date: r.Date,
	})
	if err != nil {
		return err
	}
	a.emit(EventMessageReactions, MessageRef{Peer: chat.Peer, MessageID: r.MessageID})
	return nil
}

func (a *applier) ReactionRemoved(u protocol.ReactionRemoved) error {
	chat, err := a.tx.ChatByID(a.ctx, u.ChatID)
	if err != nil || chat == nil {
		return err
	}
	removed, err := a.tx.DeleteReaction(a.ctx, chat.Peer, u.MessageID, u.UserID, u.Emoji)
	if err != nil || !removed {
		return err
	}
	a.emit(EventMessageReactions, MessageRef{Peer: chat.Peer, MessageID: u.MessageID})
	return nil
}

func (a *applier) UserStatus(u protocol.UserStatus) error {
	a.e.presence.SetStatus(u.UserID, u.Online, u.LastOnline)
	a.emit(EventPresence, u)
	return nil
}

func (a *applier) ComposeAction(u protocol.ComposeAction) error {
	a.e.presence.SetCompose(u.ChatID, u.UserID, u.Action)
	a.emit(EventPresence, u)
	return nil
}

func (a *applier) MessageAttachment(u protocol.MessageAttachment) error {
	chat, err := a.tx.ChatByID(a.ctx, u.ChatID)
	if err != nil || chat == nil {
		return err
	}
	if err := a.tx.PutAttachment(a.ctx, &store.Attachment{
		Peer: chat.Peer, MessageID: u.MessageID, Attachment: u.Attachment,
	}); err != nil {
		return err
	}
	a.emit(EventMessageUpserted, MessageRef{Peer: chat.Peer, MessageID: u.MessageID})
	return nil
}

func (a *applier) NewChat(u protocol.NewChat) error {
	c := u.Chat
	peer := protocol.ThreadPeer(c.ID)
	if c.Type == protocol.ChatPrivate {
		peer = protocol.UserPeer(c.PeerUser)
	}
	if !peer.Valid() {
		return errInvalidPeer
	}
	err := a.tx.UpsertChat(a.ctx, &store.Chat{
		Peer:     peer,
		ChatID:   c.ID,
		Type:     c.Type,
		SpaceID:  c.SpaceID,
		Title:    c.Title,
		IsPublic: c.IsPublic,
		Date:     c.Date,
	})
	if err != nil {
		return err
	}
	a.emit(EventChatUpserted, peer)
	return nil
}

func (a *applier) ChatDeleted(u protocol.ChatDeleted) error {
	chat, err := a.tx.ChatByID(a.ctx, u.ChatID)
	if err != nil || chat == nil {
		return err
	}
	if err := a.tx.DeleteChat(a.ctx, chat.Peer); err != nil {
		return err
	}
	a.emit(EventChatDeleted, chat.Peer)
	return nil
}

func (a *applier) UserSettingsChanged(u protocol.UserSettingsChanged) error {
	b, err := json.Marshal(u.Settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := a.tx.SetState(a.ctx, store.StateUserSettings, string(b)); err != nil {
		return err
	}
	a.emit(EventSettings, u.Settings)
	return nil
}

// UserSettings returns the last settings document the server sent.
func (e *Engine) UserSettings(ctx context.Context) (protocol.UserSettings, error) {
	var s protocol.UserSettings
	raw, err := e.db.GetState(ctx, store.StateUserSettings)
	if err != nil || raw == "" {
		return s, err
	}
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}
