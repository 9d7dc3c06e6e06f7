// Package methods implements the server RPC surface.
package methods

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/crypto"
	"github.com/matheus3301/inline/internal/fanout"
	"github.com/matheus3301/inline/internal/membership"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/realtime"
	"github.com/matheus3301/inline/internal/serverdb"
)

// Service holds the dependencies shared by every handler.
type Service struct {
	db       *serverdb.DB
	codec    *crypto.Codec
	members  *membership.Service
	resolver *fanout.Resolver
	pusher   *fanout.Pusher
	logger   *zap.Logger
	now      func() time.Time
}

func New(db *serverdb.DB, codec *crypto.Codec, members *membership.Service, resolver *fanout.Resolver, pusher *fanout.Pusher, logger *zap.Logger) *Service {
	return &Service{
		db:       db,
		codec:    codec,
		members:  members,
		resolver: resolver,
		pusher:   pusher,
		logger:   logger,
		now:      time.Now,
	}
}

// Register binds every method to d.
func (s *Service) Register(d *realtime.Dispatcher) {
	d.Register(protocol.MethodSendMessage, realtime.Handle(s.SendMessage))
	d.Register(protocol.MethodEditMessage, realtime.Handle(s.EditMessage))
	d.Register(protocol.MethodDeleteMessages, realtime.Handle(s.DeleteMessages))
	d.Register(protocol.MethodAddReaction, realtime.Handle(s.AddReaction))
	d.Register(protocol.MethodDeleteReaction, realtime.Handle(s.DeleteReaction))
	d.Register(protocol.MethodCreateChat, realtime.Handle(s.CreateChat))
	d.Register(protocol.MethodDeleteChat, realtime.Handle(s.DeleteChat))
	d.Register(protocol.MethodGetUserSettings, realtime.Handle(s.GetUserSettings))
	d.Register(protocol.MethodUpdateUserSettings, realtime.Handle(s.UpdateUserSettings))
	d.Register(protocol.MethodSendComposeAction, realtime.Handle(s.SendComposeAction))
	d.Register(protocol.MethodGetChatHistory, realtime.Handle(s.GetChatHistory))
}

// resolveChat finds the chat a peer refers to and checks that userID may
// use it. Direct chats are created on first use.
func (s *Service) resolveChat(ctx context.Context, userID int64, peer protocol.Peer) (*serverdb.Chat, error) {
	switch {
	case peer.IsUser():
		other, err := s.db.GetUser(ctx, peer.UserID)
		if err != nil {
			return nil, err
		}
		if other == nil {
			return nil, protocol.ErrPeerInvalid
		}
		chat, created, err := s.db.GetOrCreatePrivateChat(ctx, userID, peer.UserID)
		if err != nil {
			return nil, err
		}
		if created {
			s.members.InvalidateChat(chat.ID)
		}
		return chat, nil

	case peer.IsThread():
		chat, err := s.db.GetChat(ctx, peer.ThreadID)
		if err != nil {
			return nil, err
		}
		if chat == nil {
			return nil, protocol.ErrPeerInvalid
		}
		ok, err := s.canAccess(ctx, chat, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, protocol.ErrPeerInvalid
		}
		return chat, nil
	}
	return nil, protocol.ErrPeerInvalid
}

func (s *Service) canAccess(ctx context.Context, chat *serverdb.Chat, userID int64) (bool, error) {
	if chat.IsPrivate() {
		return chat.MinUserID == userID || chat.MaxUserID == userID, nil
	}
	if chat.PublicThread {
		return s.members.IsSpaceMember(ctx, chat.SpaceID, userID)
	}
	ids, err := s.members.ChatParticipants(ctx, chat.ID)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

// pushChat sends the updates built by build to everyone in the chat except
// the calling session. Direct chats are pushed per user so each side sees
// the other as its peer. Push failures are logged; the mutation already
// happened.
func (s *Service) pushChat(ctx context.Context, chat *serverdb.Chat, cc realtime.CallContext, skipUser int64, build func(viewer int64) []protocol.Update) {
	opts := fanout.PushOptions{ExcludeSession: cc.SessionID, ExcludeUser: skipUser}
	group, err := s.resolver.ResolveRecipients(ctx, chat)
	if err != nil {
		s.logger.Warn("resolve recipients", zap.Int64("chat", chat.ID), zap.Error(err))
		return
	}
	if chat.IsPrivate() {
		for _, uid := range group.UserIDs {
			if uid == skipUser {
				continue
			}
			if err := s.pusher.PushToUser(ctx, uid, build(uid), opts); err != nil {
				s.logger.Warn("push", zap.Int64("chat", chat.ID), zap.Int64("user", uid), zap.Error(err))
			}
		}
		return
	}
	if err := s.pusher.Push(ctx, group, build(0), opts); err != nil {
		s.logger.Warn("push", zap.Int64("chat", chat.ID), zap.Error(err))
	}
}

func peerFor(chat *serverdb.Chat, viewer int64) protocol.Peer {
	if !chat.IsPrivate() {
		return protocol.ThreadPeer(chat.ID)
	}
	if viewer == chat.MinUserID {
		return protocol.UserPeer(chat.MaxUserID)
	}
	return protocol.UserPeer(chat.MinUserID)
}

func wireChat(chat *serverdb.Chat, viewer int64) protocol.Chat {
	c := protocol.Chat{
		ID:        chat.ID,
		Type:      protocol.ChatType(chat.Type),
		SpaceID:   chat.SpaceID,
		IsPublic:  chat.PublicThread,
		Title:     chat.Title,
		LastMsgID: chat.LastMsgID,
		Date:      chat.CreatedAt,
	}
	if chat.IsPrivate() {
		c.PeerUser = peerFor(chat, viewer).UserID
	}
	return c
}

func wireMessage(m *serverdb.Message, chat *serverdb.Chat, viewer int64, text string) protocol.Message {
	return protocol.Message{
		ID:           m.MessageID,
		ChatID:       m.ChatID,
		Peer:         peerFor(chat, viewer),
		FromID:       m.FromID,
		Text:         text,
		ReplyToMsgID: m.ReplyToMsgID,
		Date:         m.Date,
		EditDate:     m.EditDate,
	}
}

func validText(text string) error {
	if text == "" || len(text) > protocol.MaxTextLength {
		return protocol.ErrTextInvalid
	}
	return nil
}
