package methods

import (
	"context"
	"unicode/utf8"

	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/realtime"
	"github.com/matheus3301/inline/internal/serverdb"
)

const maxEmojiLength = 32

func (s *Service) reactionTarget(ctx context.Context, cc realtime.CallContext, in *protocol.ReactionInput) (*serverdb.Chat, error) {
	if in.Emoji == "" || len(in.Emoji) > maxEmojiLength || !utf8.ValidString(in.Emoji) {
		return nil, protocol.NewError(protocol.CodeBadRequest, "EMOJI_INVALID")
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
	return chat, nil
}

func (s *Service) AddReaction(ctx context.Context, cc realtime.CallContext, in *protocol.ReactionInput) (*protocol.UpdatesResult, error) {
	chat, err := s.reactionTarget(ctx, cc, in)
	if err != nil {
		return nil, err
	}
	r, err := s.db.AddReaction(ctx, chat.ID, in.MessageID, cc.UserID, in.Emoji)
	if err != nil {
		return nil, err
	}
	build := func(int64) []protocol.Update {
		return []protocol.Update{protocol.ReactionAdded{Reaction: protocol.Reaction{
			ChatID: r.ChatID, MessageID: r.MessageID, UserID: r.UserID, Emoji: r.Emoji, Date: r.Date,
		}}}
	}
	s.pushChat(ctx, chat, cc, 0, build)
	return &protocol.UpdatesResult{Updates: build(cc.UserID)}, nil
}

func (s *Service) DeleteReaction(ctx context.Context, cc realtime.CallContext, in *protocol.ReactionInput) (*protocol.UpdatesResult, error) {
	chat, err := s.reactionTarget(ctx, cc, in)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.DeleteReaction(ctx, chat.ID, in.MessageID, cc.UserID, in.Emoji); err != nil {
		return nil, err
	}
	build := func(int64) []protocol.Update {
		return []protocol.Update{protocol.ReactionRemoved{
			ChatID: chat.ID, MessageID: in.MessageID, UserID: cc.UserID, Emoji: in.Emoji,
		}}
	}
	s.pushChat(ctx, chat, cc, 0, build)
	return &protocol.UpdatesResult{Updates: build(cc.UserID)}, nil
}
