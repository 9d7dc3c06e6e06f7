package methods

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/realtime"
	"github.com/matheus3301/inline/internal/serverdb"
)

func (s *Service) SendMessage(ctx context.Context, cc realtime.CallContext, in *protocol.SendMessageInput) (*protocol.UpdatesResult, error) {
	if err := validText(in.Text); err != nil {
		return nil, err
	}
	chat, err := s.resolveChat(ctx, cc.UserID, in.Peer)
	if err != nil {
		return nil, err
	}
	if in.ReplyToMsgID != 0 {
		reply, err := s.db.GetMessage(ctx, chat.ID, in.ReplyToMsgID)
		if err != nil {
			return nil, err
		}
		if reply == nil {
			return nil, protocol.ErrMsgIDInvalid
		}
	}

	enc, err := s.codec.Encrypt(in.Text)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}
	stored, created, err := s.db.InsertMessage(ctx, &serverdb.Message{
		ChatID:       chat.ID,
		FromID:       cc.UserID,
		RandomID:     in.CorrelationID,
		Text:         enc,
		ReplyToMsgID: in.ReplyToMsgID,
		Date:         s.now().Unix(),
	})
	if err != nil {
		return nil, err
	}
	text := in.Text
	if !created {
		if text, err = s.codec.Decrypt(stored.Text); err != nil {
			return nil, fmt.Errorf("decrypt message %d/%d: %w", stored.ChatID, stored.MessageID, err)
		}
	}

	build := func(viewer int64) []protocol.Update {
		m := wireMessage(stored, chat, viewer, text)
		if viewer == cc.UserID || viewer == 0 {
			m.CorrelationID = in.CorrelationID
		}
		return []protocol.Update{protocol.NewMessage{Message: m}}
	}
	if created {
		s.pushChat(ctx, chat, cc, 0, build)
	}

	self := []protocol.Update{
		protocol.MessageIDReassigned{ChatID: chat.ID, MessageID: stored.MessageID, CorrelationID: in.CorrelationID},
	}
	self = append(self, build(cc.UserID)...)
	return &protocol.UpdatesResult{Updates: self}, nil
}

func (s *Service) EditMessage(ctx context.Context, cc realtime.CallContext, in *protocol.EditMessageInput) (*protocol.UpdatesResult, error) {
	if err := validText(in.Text); err != nil {
		return nil, err
	}
	chat, err := s.resolveChat(ctx, cc.UserID, in.Peer)
	if err != nil {
		return nil, err
	}
	msg, err := s.db.GetMessage(ctx, chat.ID, in.MessageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, protocol.ErrMsgIDInvalid
	}
	if msg.FromID != cc.UserID {
		return nil, protocol.ErrMessageAuthorRequired
	}

	enc, err := s.codec.Encrypt(in.Text)
	if err != nil {
		return nil, fmt.Errorf("encrypt message: %w", err)
	}
	msg.Text = enc
	msg.EditDate = s.now().Unix()
	if err := s.db.UpdateMessageText(ctx, chat.ID, msg.MessageID, enc, msg.EditDate); err != nil {
		return nil, err
	}

	build := func(viewer int64) []protocol.Update {
		return []protocol.Update{protocol.MessageEdited{Message: wireMessage(msg, chat, viewer, in.Text)}}
	}
	s.pushChat(ctx, chat, cc, 0, build)
	return &protocol.UpdatesResult{Updates: build(cc.UserID)}, nil
}

func (s *Service) DeleteMessages(ctx context.Context, cc realtime.CallContext, in *protocol.DeleteMessagesInput) (*protocol.UpdatesResult, error) {
	if len(in.MessageIDs) == 0 {
		return nil, protocol.ErrBadRequest
	}
	chat, err := s.resolveChat(ctx, cc.UserID, in.Peer)
	if err != nil {
		return nil, err
	}

	moderator := false
	if chat.SpaceID != 0 {
		member, err := s.db.GetMember(ctx, chat.SpaceID, cc.UserID)
		if err != nil {
			return nil, err
		}
		moderator = member != nil && member.Role.CanModerate()
	}

	found := 0
	for _, id := range in.MessageIDs {
		msg, err := s.db.GetMessage(ctx, chat.ID, id)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		found++
		if msg.FromID != cc.UserID && !moderator {
			return nil, protocol.ErrMessageAuthorRequired
		}
	}
	if found == 0 {
		return nil, protocol.ErrMsgIDInvalid
	}

	deleted, err := s.db.DeleteMessages(ctx, chat.ID, in.MessageIDs)
	if err != nil {
		return nil, err
	}
	build := func(int64) []protocol.Update {
		return []protocol.Update{protocol.MessagesDeleted{ChatID: chat.ID, MessageIDs: deleted}}
	}
	s.pushChat(ctx, chat, cc, 0, build)
	return &protocol.UpdatesResult{Updates: build(cc.UserID)}, nil
}

func (s *Service) GetChatHistory(ctx context.Context, cc realtime.CallContext, in *protocol.GetChatHistoryInput) (*protocol.GetChatHistoryResult, error) {
	chat, err := s.resolveChat(ctx, cc.UserID, in.Peer)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.History(ctx, chat.ID, in.OffsetID, in.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Message, 0, len(rows))
	for i := range rows {
		text, err := s.codec.DecryptOptional(rows[i].Text)
		if err != nil {
			s.logger.Error("decrypt stored message",
				zap.Int64("chat", rows[i].ChatID),
				zap.Int64("message", rows[i].MessageID),
				zap.Error(err))
			return nil, fmt.Errorf("decrypt message %d: %w", rows[i].MessageID, err)
		}
		out = append(out, wireMessage(&rows[i], chat, cc.UserID, text))
	}
	return &protocol.GetChatHistoryResult{Messages: out}, nil
}
