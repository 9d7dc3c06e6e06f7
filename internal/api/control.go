// Package api exposes a session daemon to local clients over gRPC on a unix
// socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/outbox"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/rtclient"
	"github.com/matheus3301/inline/internal/status"
	"github.com/matheus3301/inline/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Queue is the part of the transaction queue the service drives.
type Queue interface {
	Enqueue(ctx context.Context, t outbox.Transaction, opts ...outbox.EnqueueOption) (string, error)
	Cancel(ctx context.Context, id string) error
}

// Engine is the part of the sync engine the service reads and feeds.
type Engine interface {
	Apply(ctx context.Context, updates []protocol.Update) error
	UserSettings(ctx context.Context) (protocol.UserSettings, error)
	Pending() int
}

// Deps are the daemon components a Service is built from.
type Deps struct {
	SessionName string
	UserID      int64
	Machine     *status.Machine
	DB          *store.DB
	Queue       Queue
	Engine      Engine
	Caller      outbox.Caller
	Bus         *bus.Bus
	Logger      *zap.Logger
}

// Service implements ControlServer.
type Service struct {
	session string
	userID  int64
	started time.Time
	machine *status.Machine
	db      *store.DB
	queue   Queue
	engine  Engine
	caller  outbox.Caller
	bus     *bus.Bus
	logger  *zap.Logger
}

var _ ControlServer = (*Service)(nil)

func NewService(d Deps) *Service {
	return &Service{
		session: d.SessionName,
		userID:  d.UserID,
		started: time.Now(),
		machine: d.Machine,
		db:      d.DB,
		queue:   d.Queue,
		engine:  d.Engine,
		caller:  d.Caller,
		bus:     d.Bus,
		logger:  d.Logger.Named("api"),
	}
}

func (s *Service) connected() bool {
	return s.machine.Current() == status.Open
}

func (s *Service) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	snap := s.machine.Snapshot()
	pending, err := s.db.PendingTransactions(ctx)
	if err != nil {
		return nil, toStatus("status", err)
	}
	return &StatusResponse{
		Session:             s.session,
		UserID:              s.userID,
		State:               string(snap.State),
		Since:               snap.Since,
		LastError:           snap.LastError,
		Connected:           snap.State == status.Open,
		PendingTransactions: len(pending),
		PendingUpdates:      s.engine.Pending(),
		UptimeMs:            time.Since(s.started).Milliseconds(),
	}, nil
}

func (s *Service) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	if err := checkPeer(req.Peer); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "text is required")
	}
	t := &outbox.SendMessage{
		LocalID:      uuid.NewString(),
		Peer:         req.Peer,
		Text:         req.Text,
		ReplyToMsgID: req.ReplyToMsgID,
	}
	id, err := s.queue.Enqueue(ctx, t)
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return &SendMessageResponse{TransactionID: id, LocalID: t.LocalID}, nil
}

func (s *Service) EditMessage(ctx context.Context, req *EditMessageRequest) (*TransactionResponse, error) {
	if err := checkPeer(req.Peer); err != nil {
		return nil, err
	}
	if req.MessageID <= 0 || strings.TrimSpace(req.Text) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message id and text are required")
	}
	return s.enqueue(ctx, "edit message", &outbox.EditMessage{Peer: req.Peer, MessageID: req.MessageID, Text: req.Text})
}

func (s *Service) DeleteMessages(ctx context.Context, req *DeleteMessagesRequest) (*TransactionResponse, error) {
	if err := checkPeer(req.Peer); err != nil {
		return nil, err
	}
	if len(req.MessageIDs) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message ids are required")
	}
	return s.enqueue(ctx, "delete messages", &outbox.DeleteMessages{Peer: req.Peer, MessageIDs: req.MessageIDs})
}

func (s *Service) AddReaction(ctx context.Context, req *ReactionRequest) (*TransactionResponse, error) {
	if err := checkReaction(req); err != nil {
		return nil, err
	}
	return s.enqueue(ctx, "add reaction", &outbox.AddReaction{Peer: req.Peer, MessageID: req.MessageID, Emoji: req.Emoji})
}

func (s *Service) RemoveReaction(ctx context.Context, req *ReactionRequest) (*TransactionResponse, error) {
	if err := checkReaction(req); err != nil {
		return nil, err
	}
	return s.enqueue(ctx, "remove reaction", &outbox.DeleteReaction{Peer: req.Peer, MessageID: req.MessageID, Emoji: req.Emoji})
}

func (s *Service) enqueue(ctx context.Context, op string, t outbox.Transaction) (*TransactionResponse, error) {
	id, err := s.queue.Enqueue(ctx, t)
	if err != nil {
		return nil, toStatus(op, err)
	}
	return &TransactionResponse{TransactionID: id}, nil
}

// CreateChat queues a thread creation. With Wait set it blocks until the
// transaction settles.
func (s *Service) CreateChat(ctx context.Context, req *CreateChatRequest) (*CreateChatResponse, error) {
	if req.SpaceID <= 0 || strings.TrimSpace(req.Title) == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "space id and title are required")
	}
	t := &outbox.CreateChat{
		SpaceID:      req.SpaceID,
		Title:        req.Title,
		IsPublic:     req.IsPublic,
		Participants: req.Participants,
	}
	var opts []outbox.EnqueueOption
	done := make(chan outbox.Completion, 1)
	if req.Wait {
		opts = append(opts, outbox.WithCallback(func(c outbox.Completion) { done <- c }))
	}
	id, err := s.queue.Enqueue(ctx, t, opts...)
	if err != nil {
		return nil, toStatus("create chat", err)
	}
	resp := &CreateChatResponse{TransactionID: id}
	if !req.Wait {
		return resp, nil
	}

	select {
	case c := <-done:
		switch c.Status {
		case store.TxSucceeded:
			if c.Result != nil {
				resp.Chat = c.Result.Chat
			}
			return resp, nil
		case store.TxCancelled:
			return nil, grpcstatus.Errorf(codes.Canceled, "create chat: transaction %s cancelled", id)
		default:
			err := c.Err
			if err == nil {
				err = fmt.Errorf("transaction %s %s", id, c.Status)
			}
			return nil, toStatus("create chat", err)
		}
	case <-ctx.Done():
		return nil, toStatus("create chat", ctx.Err())
	}
}

// DeleteChat is not optimistic: the thread goes away once the server
// confirms.
func (s *Service) DeleteChat(ctx context.Context, req *DeleteChatRequest) (*Empty, error) {
	if !req.Peer.IsThread() {
		return nil, grpcstatus.Error(codes.InvalidArgument, "peer must be a thread")
	}
	var out protocol.UpdatesResult
	if err := s.caller.Call(ctx, protocol.MethodDeleteChat, &protocol.DeleteChatInput{Peer: req.Peer}, &out); err != nil {
		return nil, toStatus("delete chat", err)
	}
	if err := s.engine.Apply(ctx, out.Updates); err != nil {
		return nil, toStatus("delete chat", err)
	}
	return &Empty{}, nil
}

func (s *Service) SendTyping(ctx context.Context, req *TypingRequest) (*Empty, error) {
	if err := checkPeer(req.Peer); err != nil {
		return nil, err
	}
	in := &protocol.SendComposeActionInput{Peer: req.Peer, Action: req.Action}
	if err := s.caller.Call(ctx, protocol.MethodSendComposeAction, in, &protocol.Empty{}); err != nil {
		return nil, toStatus("send typing", err)
	}
	return &Empty{}, nil
}

// ResendMessage queues a failed message again under its original local
// and correlation ids so the server can deduplicate.
func (s *Service) ResendMessage(ctx context.Context, req *LocalMessageRequest) (*TransactionResponse, error) {
	m, err := s.failedMessage(ctx, req.LocalID)
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, "resend message", &outbox.SendMessage{
		LocalID:       m.LocalID,
		CorrelationID: m.CorrelationID,
		Peer:          m.Peer,
		Text:          m.Text,
		ReplyToMsgID:  m.ReplyToMsgID,
		Date:          m.Date,
	})
}

// DiscardMessage drops a failed message from the replica.
func (s *Service) DiscardMessage(ctx context.Context, req *LocalMessageRequest) (*Empty, error) {
	m, err := s.failedMessage(ctx, req.LocalID)
	if err != nil {
		return nil, err
	}
	err = s.db.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteLocalMessage(ctx, m.LocalID)
	})
	if err != nil {
		return nil, toStatus("discard message", err)
	}
	s.logger.Info("failed message discarded", zap.String("local_id", m.LocalID))
	return &Empty{}, nil
}

func (s *Service) failedMessage(ctx context.Context, localID string) (*store.Message, error) {
	if localID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "local id is required")
	}
	m, err := s.db.MessageByLocalID(ctx, localID)
	if err != nil {
		return nil, toStatus("load message", err)
	}
	if m == nil {
		return nil, grpcstatus.Errorf(codes.NotFound, "message %s not found", localID)
	}
	if m.Status != store.StatusFailed {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "message %s is %s, not failed", localID, m.Status)
	}
	return m, nil
}

func (s *Service) ListChats(ctx context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	chats, err := s.db.ListChats(ctx, pageSize(req.Limit), max(req.Offset, 0))
	if err != nil {
		return nil, toStatus("list chats", err)
	}
	out := make([]Chat, 0, len(chats))
	for _, c := range chats {
		out = append(out, chatFromStore(c))
	}
	return &ListChatsResponse{Chats: out}, nil
}

func (s *Service) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	if err := checkPeer(req.Peer); err != nil {
		return nil, err
	}
	limit := pageSize(req.Limit)
	msgs, err := s.db.ListMessages(ctx, req.Peer, req.BeforeRowID, limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageFromStore(m))
	}
	return &ListMessagesResponse{Messages: out, HasMore: len(msgs) == limit}, nil
}

func (s *Service) ListTransactions(ctx context.Context, _ *Empty) (*ListTransactionsResponse, error) {
	recs, err := s.db.ListTransactions(ctx)
	if err != nil {
		return nil, toStatus("list transactions", err)
	}
	out := make([]Transaction, 0, len(recs))
	for _, r := range recs {
		out = append(out, transactionFromStore(r))
	}
	return &ListTransactionsResponse{Transactions: out}, nil
}

func (s *Service) CancelTransaction(ctx context.Context, req *CancelTransactionRequest) (*Empty, error) {
	if req.ID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "transaction id is required")
	}
	if err := s.queue.Cancel(ctx, req.ID); err != nil {
		return nil, toStatus("cancel transaction", err)
	}
	return &Empty{}, nil
}

// GetUserSettings asks the server when connected and refreshes the local
// copy; otherwise it answers from the replica.
func (s *Service) GetUserSettings(ctx context.Context, _ *Empty) (*UserSettingsResponse, error) {
	if s.connected() {
		var out protocol.GetUserSettingsResult
		err := s.caller.Call(ctx, protocol.MethodGetUserSettings, &protocol.Empty{}, &out)
		if err == nil {
			update := protocol.UserSettingsChanged{Settings: out.Settings}
			if err := s.engine.Apply(ctx, []protocol.Update{update}); err != nil {
				s.logger.Warn("cache user settings", zap.Error(err))
			}
			return &UserSettingsResponse{Settings: out.Settings}, nil
		}
		if !errors.Is(err, rtclient.ErrNotConnected) {
			return nil, toStatus("get user settings", err)
		}
	}
	settings, err := s.engine.UserSettings(ctx)
	if err != nil {
		return nil, toStatus("get user settings", err)
	}
	return &UserSettingsResponse{Settings: settings, Cached: true}, nil
}

func (s *Service) UpdateUserSettings(ctx context.Context, req *UpdateUserSettingsRequest) (*UserSettingsResponse, error) {
	var out protocol.UpdatesResult
	in := &protocol.UpdateUserSettingsInput{Settings: req.Settings}
	if err := s.caller.Call(ctx, protocol.MethodUpdateUserSettings, in, &out); err != nil {
		return nil, toStatus("update user settings", err)
	}
	if err := s.engine.Apply(ctx, out.Updates); err != nil {
		return nil, toStatus("update user settings", err)
	}
	settings, err := s.engine.UserSettings(ctx)
	if err != nil {
		return nil, toStatus("update user settings", err)
	}
	return &UserSettingsResponse{Settings: settings}, nil
}

// Watch streams bus events whose kind starts with the requested namespace
// until the client goes away or the bus closes.
func (s *Service) Watch(req *WatchRequest, stream EventSender) error {
	ch, unsub := s.bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(s.toEvent(evt)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) toEvent(evt bus.Event) *Event {
	out := &Event{
		ID:        uuid.NewString(),
		Session:   s.session,
		Kind:      evt.Kind,
		Timestamp: evt.Timestamp,
	}
	payload := evt.Payload
	if err, ok := payload.(error); ok {
		payload = err.Error()
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			s.logger.Debug("event payload not encodable", zap.String("kind", evt.Kind), zap.Error(err))
		} else {
			out.Payload = raw
		}
	}
	return out
}

func checkPeer(p protocol.Peer) error {
	if !p.Valid() {
		return grpcstatus.Error(codes.InvalidArgument, "peer must name exactly one user or thread")
	}
	return nil
}

func checkReaction(req *ReactionRequest) error {
	if err := checkPeer(req.Peer); err != nil {
		return err
	}
	if req.MessageID <= 0 || req.Emoji == "" {
		return grpcstatus.Error(codes.InvalidArgument, "message id and emoji are required")
	}
	return nil
}

func pageSize(n int) int {
	switch {
	case n <= 0:
		return defaultPageSize
	case n > maxPageSize:
		return maxPageSize
	}
	return n
}
