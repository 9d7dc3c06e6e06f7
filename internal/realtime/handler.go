package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/protocol"
)

const maxFrameSize = 1 << 20

// Authenticator resolves a connection-init token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID, sessionID int64, err error)
}

// Handler upgrades HTTP requests to sockets and serves the connection
// protocol on them.
type Handler struct {
	registry    *Registry
	dispatcher  *Dispatcher
	auth        Authenticator
	observer    Observer
	logger      *zap.Logger
	initTimeout time.Duration
	upgrader    websocket.Upgrader
}

type HandlerOption func(*Handler)

// WithInitTimeout overrides InitTimeout.
func WithInitTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) { h.initTimeout = d }
}

// WithObserver reports connection counts to o.
func WithObserver(o Observer) HandlerOption {
	return func(h *Handler) { h.observer = o }
}

func NewHandler(registry *Registry, dispatcher *Dispatcher, auth Authenticator, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:    registry,
		dispatcher:  dispatcher,
		auth:        auth,
		observer:    nopObserver{},
		logger:      logger,
		initTimeout: InitTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxFrameSize)

	c := newConn(ws, h.logger)
	h.registry.Add(c)
	h.observer.ConnectionOpened()
	c.start()
	defer func() {
		h.registry.Remove(c.ID)
		h.observer.ConnectionClosed()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.Done()
		cancel()
	}()

	timer := time.AfterFunc(h.initTimeout, func() {
		if c.State() == StateUnauthenticated {
			c.CloseWithReason(websocket.ClosePolicyViolation, "authentication timeout")
		}
	})
	defer timer.Stop()

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if !h.handleFrame(ctx, c, data) {
			select {
			case <-c.Done():
			case <-time.After(writeWait):
			}
			return
		}
	}
}

// handleFrame processes one inbound frame and reports whether the
// connection should stay open.
func (h *Handler) handleFrame(ctx context.Context, c *Conn, data []byte) bool {
	msg, err := protocol.DecodeClient(data)
	if err != nil {
		if c.State() != StateAuthenticated {
			h.reject(c, 0, protocol.ErrUnauthenticated)
			return false
		}
		h.sendError(c, 0, protocol.ErrBadRequest)
		return true
	}

	switch body := msg.Body.(type) {
	case protocol.ConnectionInit:
		if c.State() == StateAuthenticated {
			h.sendError(c, msg.ID, protocol.ErrAlreadyInit)
			return true
		}
		return h.handleInit(ctx, c, msg.ID, body)

	case protocol.RPCCall:
		userID, sessionID, ok := c.Identity()
		if !ok || c.State() != StateAuthenticated {
			h.reject(c, msg.ID, protocol.ErrUnauthenticated)
			return false
		}
		cc := CallContext{UserID: userID, SessionID: sessionID, ConnID: c.ID}
		result, rpcErr := h.dispatcher.Dispatch(ctx, cc, body)
		if rpcErr != nil {
			h.sendError(c, msg.ID, rpcErr)
			return true
		}
		h.send(c, &protocol.ServerMessage{
			ID:   NewMessageID(),
			Body: protocol.RPCResult{ReqID: msg.ID, Result: result},
		})
		return true
	}
	return true
}

func (h *Handler) handleInit(ctx context.Context, c *Conn, reqID uint64, init protocol.ConnectionInit) bool {
	authCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	userID, sessionID, err := h.auth.Authenticate(authCtx, init.Token)
	if err != nil {
		pe := protocol.Normalize(err)
		if pe.Code == protocol.CodeInternal {
			c.logger.Error("authenticate", zap.Error(err))
		}
		h.reject(c, reqID, pe)
		return false
	}
	if err := h.registry.Authenticate(c.ID, userID, sessionID); err != nil {
		c.logger.Debug("bind failed", zap.Error(err))
		return false
	}
	c.logger.Info("connection authenticated", zap.String("client", init.ClientVersion))
	h.send(c, &protocol.ServerMessage{ID: NewMessageID(), Body: protocol.ConnectionOpen{}})
	return true
}

func (h *Handler) send(c *Conn, m *protocol.ServerMessage) {
	frame, err := protocol.EncodeServer(m)
	if err != nil {
		c.logger.Error("encode frame", zap.Error(err))
		return
	}
	c.TrySend(frame)
}

func (h *Handler) sendError(c *Conn, reqID uint64, e *protocol.Error) {
	h.send(c, &protocol.ServerMessage{
		ID:   NewMessageID(),
		Body: protocol.RPCError{ReqID: reqID, Code: e.Code, Message: e.Message},
	})
}

// reject writes a final error and closes the socket.
func (h *Handler) reject(c *Conn, reqID uint64, e *protocol.Error) {
	frame, err := protocol.EncodeServer(&protocol.ServerMessage{
		ID:   NewMessageID(),
		Body: protocol.RPCError{ReqID: reqID, Code: e.Code, Message: e.Message},
	})
	if err != nil || !c.SendAndClose(frame, websocket.ClosePolicyViolation, e.Message) {
		c.CloseWithReason(websocket.ClosePolicyViolation, e.Message)
	}
}
