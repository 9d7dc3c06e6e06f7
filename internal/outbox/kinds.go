package outbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/store"
)

// ErrMessageNotFound is returned by Enqueue when a transaction targets a
// message the replica does not have.
var ErrMessageNotFound = errors.New("message not found")

// NewCorrelationID returns a random positive id for matching a send with
// its server-assigned message id.
func NewCorrelationID() int64 {
	u := uuid.New()
	return int64(binary.BigEndian.Uint64(u[:8]) >> 1)
}

func applyUpdates(ctx context.Context, env *Env, res *Result) error {
	if res == nil || len(res.Updates) == 0 {
		return nil
	}
	return env.Applier.Apply(ctx, res.Updates)
}

func callForUpdates(ctx context.Context, env *Env, method string, in any) (*Result, error) {
	var out protocol.UpdatesResult
	if err := env.Caller.Call(ctx, method, in, &out); err != nil {
		return nil, err
	}
	return &Result{Updates: out.Updates}, nil
}

// SendMessage sends text to a peer. LocalID and CorrelationID are stable
// across attempts and across a manual resend.
type SendMessage struct {
	LocalID       string        `json:"localId"`
	CorrelationID int64         `json:"correlationId"`
	Peer          protocol.Peer `json:"peer"`
	Text          string        `json:"text"`
	ReplyToMsgID  int64         `json:"replyToMsgId,omitempty"`
	Date          int64         `json:"date"`
}

func (*SendMessage) Kind() Kind { return KindSendMessage }

func (t *SendMessage) Optimistic(ctx context.Context, tx *store.Tx, env *Env) error {
	if t.LocalID == "" {
		t.LocalID = uuid.NewString()
	}
	if t.CorrelationID == 0 {
		t.CorrelationID = NewCorrelationID()
	}
	if t.Date == 0 {
		t.Date = env.Now().Unix()
	}
	existing, err := tx.MessageByLocalID(ctx, t.LocalID)
	if err != nil {
		return err
	}
	if existing != nil {
		return tx.SetMessageStatus(ctx, t.LocalID, store.StatusSending)
	}
	return tx.InsertLocalMessage(ctx, &store.Message{
		LocalID:       t.LocalID,
		Peer:          t.Peer,
		CorrelationID: t.CorrelationID,
		FromID:        env.UserID,
		Text:          t.Text,
		ReplyToMsgID:  t.ReplyToMsgID,
		Status:        store.StatusSending,
		Date:          t.Date,
	})
}

func (t *SendMessage) Execute(ctx context.Context, env *Env) (*Result, error) {
	return callForUpdates(ctx, env, protocol.MethodSendMessage, &protocol.SendMessageInput{
		Peer:          t.Peer,
		Text:          t.Text,
		CorrelationID: t.CorrelationID,
		ReplyToMsgID:  t.ReplyToMsgID,
	})
}

func (t *SendMessage) DidSucceed(ctx context.Context, env *Env, res *Result) error {
	return applyUpdates(ctx, env, res)
}

func (t *SendMessage) DidFail(ctx context.Context, tx *store.Tx, _ *Env) error {
	return tx.SetMessageStatus(ctx, t.LocalID, store.StatusFailed)
}

func (t *SendMessage) Rollback(ctx context.Context, tx *store.Tx, _ *Env) error {
	return tx.DeleteLocalMessage(ctx, t.LocalID)
}

// EditMessage replaces a sent message's text. The previous text is kept so
// a failure or cancel can put it back.
type EditMessage struct {
	Peer         protocol.Peer `json:"peer"`
	MessageID    int64         `json:"messageId"`
	Text         string        `json:"text"`
	PrevText     string        `json:"prevText"`
	PrevEditDate int64         `json:"prevEditDate,omitempty"`
}

func (*EditMessage) Kind() Kind { return KindEditMessage }

func (t *EditMessage) Optimistic(ctx context.Context, tx *store.Tx, env *Env) error {
	m, err := tx.GetMessage(ctx, t.Peer, t.MessageID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: %d", ErrMessageNotFound, t.MessageID)
	}
	t.PrevText, t.PrevEditDate = m.Text, m.EditDate
	_, err = tx.UpdateMessageText(ctx, t.Peer, t.MessageID, t.Text, env.Now().Unix())
	return err
}

func (t *EditMessage) Execute(ctx context.Context, env *Env) (*Result, error) {
	return callForUpdates(ctx, env, protocol.MethodEditMessage, &protocol.EditMessageInput{
		Peer: t.Peer, MessageID: t.MessageID, Text: t.Text,
	})
}

func (t *EditMessage) DidSucceed(ctx context.Context, env *Env, res *Result) error {
	return applyUpdates(ctx, env, res)
}

func (t *EditMessage) DidFail(ctx context.Context, tx *store.Tx, env *Env) error {
	return t.Rollback(ctx, tx, env)
}

func (t *EditMessage) Rollback(ctx context.Context, tx *store.Tx, _ *Env) error {
	_, err := tx.UpdateMessageText(ctx, t.Peer, t.MessageID, t.PrevText, t.PrevEditDate)
	return err
}

// DeleteMessages removes messages. The removed rows are captured so they
// can be restored.
type DeleteMessages struct {
	Peer       protocol.Peer   `json:"peer"`
	MessageIDs []int64         `json:"messageIds"`
	Snapshot   []store.Message `json:"snapshot,omitempty"`
}

func (*DeleteMessages) Kind() Kind { return KindDeleteMessages }

func (t *DeleteMessages) Optimistic(ctx context.Context, tx *store.Tx, _ *Env) error {
	t.Snapshot = t.Snapshot[:0]
	for _, id := range t.MessageIDs {
		m, err := tx.GetMessage(ctx, t.Peer, id)
		if err != nil {
			return err
		}
		if m != nil {
			t.Snapshot = append(t.Snapshot, *m)
		}
	}
	if len(t.Snapshot) == 0 {
		return fmt.Errorf("%w: %v", ErrMessageNotFound, t.MessageIDs)
	}
	_, err := tx.DeleteMessages(ctx, t.Peer, t.MessageIDs)
	return err
}

func (t *DeleteMessages) Execute(ctx context.Context, env *Env) (*Result, error) {
	return callForUpdates(ctx, env, protocol.MethodDeleteMessages, &protocol.DeleteMessagesInput{
		Peer: t.Peer, MessageIDs: t.MessageIDs,
	})
}

func (t *DeleteMessages) DidSucceed(ctx context.Context, env *Env, res *Result) error {
	return applyUpdates(ctx, env, res)
}

func (t *DeleteMessages) DidFail(ctx context.Context, tx *store.Tx, env *Env) error {
	return t.Rollback(ctx, tx, env)
}

func (t *DeleteMessages) Rollback(ctx context.Context, tx *store.Tx, _ *Env) error {
	return tx.RestoreMessages(ctx, t.Snapshot)
}

// AddReaction reacts to a message as the current user.
type AddReaction struct {
	Peer      protocol.Peer `json:"peer"`
	MessageID int64         `json:"messageId"`
	Emoji     string        `json:"emoji"`
}

func (*AddReaction) Kind() Kind { return KindAddReaction }

func (t *AddReaction) Optimistic(ctx context.Context, tx *store.Tx, env *Env) error {
	return tx.PutReaction(ctx, &store.Reaction{
		Peer: t.Peer, MessageID: t.MessageID, UserID: env.UserID, Emoji: t.Emoji, Date: env.Now().Unix(),
	})
}

func (t *AddReaction) Execute(ctx context.Context, env *Env) (*Result, error) {
	return callForUpdates(ctx, env, protocol.MethodAddReaction, &protocol.ReactionInput{
		Peer: t.Peer, MessageID: t.MessageID, Emoji: t.Emoji,
	})
}

func (t *AddReaction) DidSucceed(ctx context.Context, env *Env, res *Result) error {
	return applyUpdates(ctx, env, res)
}

func (t *AddReaction) DidFail(ctx context.Context, tx *store.Tx, env *Env) error {
	return t.Rollback(ctx, tx, env)
}

func (t *AddReaction) Rollback(ctx context.Context, tx *store.Tx, env *Env) error {
	_, err := tx.DeleteReaction(ctx, t.Peer, t.MessageID, env.UserID, t.Emoji)
	return err
}

// DeleteReaction removes the current user's reaction.
type DeleteReaction struct {
	Peer      protocol.Peer `json:"peer"`
	MessageID int64         `json:"messageId"`
	Emoji     string        `json:"emoji"`
	Existed   bool          `json:"existed,omitempty"`
	PrevDate  int64         `json:"prevDate,omitempty"`
}

func (*DeleteReaction) Kind() Kind { return KindDeleteReaction }

func (t *DeleteReaction) Optimistic(ctx context.Context, tx *store.Tx, env *Env) error {
	rs, err := tx.Reactions(ctx, t.Peer, t.MessageID)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if r.UserID == env.UserID && r.Emoji == t.Emoji {
			t.Existed, t.PrevDate = true, r.Date
		}
	}
	_, err = tx.DeleteReaction(ctx, t.Peer, t.MessageID, env.UserID, t.Emoji)
	return err
}

func (t *DeleteReaction) Execute(ctx context.Context, env *Env) (*Result, error) {
	return callForUpdates(ctx, env, protocol.MethodDeleteReaction, &protocol.ReactionInput{
		Peer: t.Peer, MessageID: t.MessageID, Emoji: t.Emoji,
	})
}

func (t *DeleteReaction) DidSucceed(ctx context.Context, env *Env, res *Result) error {
	return applyUpdates(ctx, env, res)
}

func (t *DeleteReaction) DidFail(ctx context.Context, tx *store.Tx, env *Env) error {
	return t.Rollback(ctx, tx, env)
}

func (t *DeleteReaction) Rollback(ctx context.Context, tx *store.Tx, env *Env) error {
	if !t.Existed {
		return nil
	}
	return tx.PutReaction(ctx, &store.Reaction{
		Peer: t.Peer, MessageID: t.MessageID, UserID: env.UserID, Emoji: t.Emoji, Date: t.PrevDate,
	})
}

// CreateChat creates a thread in a space. It has no optimistic effect; the
// chat appears once the server assigns its id.
type CreateChat struct {
	SpaceID      int64   `json:"spaceId"`
	Title        string  `json:"title"`
	IsPublic     bool    `json:"isPublic,omitempty"`
	Participants []int64 `json:"participants,omitempty"`
}

func (*CreateChat) Kind() Kind { return KindCreateChat }

func (*CreateChat) Optimistic(context.Context, *store.Tx, *Env) error { return nil }

func (t *CreateChat) Execute(ctx context.Context, env *Env) (*Result, error) {
	var out protocol.CreateChatResult
	err := env.Caller.Call(ctx, protocol.MethodCreateChat, &protocol.CreateChatInput{
		SpaceID: t.SpaceID, Title: t.Title, IsPublic: t.IsPublic, Participants: t.Participants,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &Result{Updates: out.Updates, Chat: &out.Chat}, nil
}

func (t *CreateChat) DidSucceed(ctx context.Context, env *Env, res *Result) error {
	return applyUpdates(ctx, env, res)
}

func (*CreateChat) DidFail(context.Context, *store.Tx, *Env) error  { return nil }
func (*CreateChat) Rollback(context.Context, *store.Tx, *Env) error { return nil }
