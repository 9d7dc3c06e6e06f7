package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC name of the control service.
const ServiceName = "inline.control.v1.Control"

// ControlServer is the daemon's local control surface.
type ControlServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	EditMessage(context.Context, *EditMessageRequest) (*TransactionResponse, error)
	DeleteMessages(context.Context, *DeleteMessagesRequest) (*TransactionResponse, error)
	AddReaction(context.Context, *ReactionRequest) (*TransactionResponse, error)
	RemoveReaction(context.Context, *ReactionRequest) (*TransactionResponse, error)
	CreateChat(context.Context, *CreateChatRequest) (*CreateChatResponse, error)
	DeleteChat(context.Context, *DeleteChatRequest) (*Empty, error)
	SendTyping(context.Context, *TypingRequest) (*Empty, error)
	ResendMessage(context.Context, *LocalMessageRequest) (*TransactionResponse, error)
	DiscardMessage(context.Context, *LocalMessageRequest) (*Empty, error)
	ListChats(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	ListTransactions(context.Context, *Empty) (*ListTransactionsResponse, error)
	CancelTransaction(context.Context, *CancelTransactionRequest) (*Empty, error)
	GetUserSettings(context.Context, *Empty) (*UserSettingsResponse, error)
	UpdateUserSettings(context.Context, *UpdateUserSettingsRequest) (*UserSettingsResponse, error)
	Watch(*WatchRequest, EventSender) error
}

// EventSender is the server side of a Watch stream.
type EventSender interface {
	Send(*Event) error
	Context() context.Context
}

type watchServer struct {
	grpc.ServerStream
}

func (s *watchServer) Send(e *Event) error { return s.SendMsg(e) }

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp any](name string, call func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*Req))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Watch(in, &watchServer{stream})
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ControlServer.Status),
		unary("SendMessage", ControlServer.SendMessage),
		unary("EditMessage", ControlServer.EditMessage),
		unary("DeleteMessages", ControlServer.DeleteMessages),
		unary("AddReaction", ControlServer.AddReaction),
		unary("RemoveReaction", ControlServer.RemoveReaction),
		unary("CreateChat", ControlServer.CreateChat),
		unary("DeleteChat", ControlServer.DeleteChat),
		unary("SendTyping", ControlServer.SendTyping),
		unary("ResendMessage", ControlServer.ResendMessage),
		unary("DiscardMessage", ControlServer.DiscardMessage),
		unary("ListChats", ControlServer.ListChats),
		unary("ListMessages", ControlServer.ListMessages),
		unary("ListTransactions", ControlServer.ListTransactions),
		unary("CancelTransaction", ControlServer.CancelTransaction),
		unary("GetUserSettings", ControlServer.GetUserSettings),
		unary("UpdateUserSettings", ControlServer.UpdateUserSettings),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "inline/control",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}
