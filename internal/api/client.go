package api

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath. The connection is
// lazy; the first call reports an unreachable daemon.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection. Calls on it must use the JSON
// codec, see Dial.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", &Empty{})
}

func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	return invoke[SendMessageResponse](ctx, c, "SendMessage", req)
}

func (c *Client) EditMessage(ctx context.Context, req *EditMessageRequest) (*TransactionResponse, error) {
	return invoke[TransactionResponse](ctx, c, "EditMessage", req)
}

func (c *Client) DeleteMessages(ctx context.Context, req *DeleteMessagesRequest) (*TransactionResponse, error) {
	return invoke[TransactionResponse](ctx, c, "DeleteMessages", req)
}

func (c *Client) AddReaction(ctx context.Context, req *ReactionRequest) (*TransactionResponse, error) {
	return invoke[TransactionResponse](ctx, c, "AddReaction", req)
}

func (c *Client) RemoveReaction(ctx context.Context, req *ReactionRequest) (*TransactionResponse, error) {
	return invoke[TransactionResponse](ctx, c, "RemoveReaction", req)
}

func (c *Client) CreateChat(ctx context.Context, req *CreateChatRequest) (*CreateChatResponse, error) {
	return invoke[CreateChatResponse](ctx, c, "CreateChat", req)
}

func (c *Client) DeleteChat(ctx context.Context, req *DeleteChatRequest) error {
	_, err := invoke[Empty](ctx, c, "DeleteChat", req)
	return err
}

func (c *Client) SendTyping(ctx context.Context, req *TypingRequest) error {
	_, err := invoke[Empty](ctx, c, "SendTyping", req)
	return err
}

func (c *Client) ResendMessage(ctx context.Context, localID string) (*TransactionResponse, error) {
	return invoke[TransactionResponse](ctx, c, "ResendMessage", &LocalMessageRequest{LocalID: localID})
}

func (c *Client) DiscardMessage(ctx context.Context, localID string) error {
	_, err := invoke[Empty](ctx, c, "DiscardMessage", &LocalMessageRequest{LocalID: localID})
	return err
}

func (c *Client) ListChats(ctx context.Context, req *ListChatsRequest) (*ListChatsResponse, error) {
	return invoke[ListChatsResponse](ctx, c, "ListChats", req)
}

func (c *Client) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, "ListMessages", req)
}

func (c *Client) ListTransactions(ctx context.Context) (*ListTransactionsResponse, error) {
	return invoke[ListTransactionsResponse](ctx, c, "ListTransactions", &Empty{})
}

func (c *Client) CancelTransaction(ctx context.Context, id string) error {
	_, err := invoke[Empty](ctx, c, "CancelTransaction", &CancelTransactionRequest{ID: id})
	return err
}

func (c *Client) GetUserSettings(ctx context.Context) (*UserSettingsResponse, error) {
	return invoke[UserSettingsResponse](ctx, c, "GetUserSettings", &Empty{})
}

func (c *Client) UpdateUserSettings(ctx context.Context, req *UpdateUserSettingsRequest) (*UserSettingsResponse, error) {
	return invoke[UserSettingsResponse](ctx, c, "UpdateUserSettings", req)
}

// Watch calls fn for every event until ctx ends, the daemon closes the
// stream or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(*Event) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("Watch"), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&WatchRequest{Namespace: namespace}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(Event)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
