package methods

import (
	"context"
	"strings"

	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/realtime"
)

const maxTitleLength = 256

func (s *Service) CreateChat(ctx context.Context, cc realtime.CallContext, in *protocol.CreateChatInput) (*protocol.CreateChatResult, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" || len(title) > maxTitleLength {
		return nil, protocol.NewError(protocol.CodeBadRequest, "TITLE_INVALID")
	}
	space, err := s.db.GetSpace(ctx, in.SpaceID)
	if err != nil {
		return nil, err
	}
	if space == nil {
		return nil, protocol.ErrSpaceInvalid
	}
	member, err := s.members.IsSpaceMember(ctx, space.ID, cc.UserID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, protocol.ErrNotMember
	}
	for _, uid := range in.Participants {
		ok, err := s.members.IsSpaceMember(ctx, space.ID, uid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, protocol.ErrUserInvalid
		}
	}

	chat, err := s.db.CreateThread(ctx, space.ID, title, in.IsPublic, cc.UserID, in.Participants)
	if err != nil {
		return nil, err
	}
	s.members.InvalidateChat(chat.ID)

	build := func(viewer int64) []protocol.Update {
		return []protocol.Update{protocol.NewChat{Chat: wireChat(chat, viewer)}}
	}
	s.pushChat(ctx, chat, cc, 0, build)
	return &protocol.CreateChatResult{Chat: wireChat(chat, cc.UserID), Updates: build(cc.UserID)}, nil
}

// DeleteChat removes a thread. Only space owners and admins may do this.
func (s *Service) DeleteChat(ctx context.Context, cc realtime.CallContext, in *protocol.DeleteChatInput) (*protocol.UpdatesResult, error) {
	if !in.Peer.IsThread() {
		return nil, protocol.ErrPeerInvalid
	}
	chat, err := s.resolveChat(ctx, cc.UserID, in.Peer)
	if err != nil {
		return nil, err
	}
	if chat.SpaceID == 0 {
		return nil, protocol.ErrChatIDInvalid
	}
	member, err := s.db.GetMember(ctx, chat.SpaceID, cc.UserID)
	if err != nil {
		return nil, err
	}
	if member == nil || !member.Role.CanModerate() {
		return nil, protocol.ErrSpaceAdminRequired
	}

	group, err := s.resolver.ResolveRecipients(ctx, chat)
	if err != nil {
		return nil, err
	}
	if err := s.db.DeleteChat(ctx, chat.ID); err != nil {
		return nil, err
	}
	s.members.InvalidateChat(chat.ID)

	updates := []protocol.Update{protocol.ChatDeleted{ChatID: chat.ID}}
	if err := s.pusher.Push(ctx, group, updates, fanoutExclude(cc)); err != nil {
		s.logger.Warn("push chat deleted", zapChat(chat.ID), zapErr(err))
	}
	return &protocol.UpdatesResult{Updates: updates}, nil
}

func (s *Service) SendComposeAction(ctx context.Context, cc realtime.CallContext, in *protocol.SendComposeActionInput) (*protocol.Empty, error) {
	if len(in.Action) > 32 {
		return nil, protocol.NewError(protocol.CodeBadRequest, "ACTION_INVALID")
	}
	chat, err := s.resolveChat(ctx, cc.UserID, in.Peer)
	if err != nil {
		return nil, err
	}
	s.pushChat(ctx, chat, cc, cc.UserID, func(int64) []protocol.Update {
		return []protocol.Update{protocol.ComposeAction{ChatID: chat.ID, UserID: cc.UserID, Action: in.Action}}
	})
	return &protocol.Empty{}, nil
}
