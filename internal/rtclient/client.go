// Package rtclient is the daemon's side of the realtime socket: it
// authenticates, correlates RPC calls with their results and hands pushed
// updates to the sync engine.
package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/status"
)

var (
	// ErrNotConnected is returned by Call while no authenticated socket is
	// open, and to calls whose socket dropped before a reply arrived.
	ErrNotConnected = errors.New("not connected")
	// ErrAuthRejected means the server refused the token; reconnecting
	// will not help until the credentials change.
	ErrAuthRejected = errors.New("token rejected")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	openWait   = 15 * time.Second
	maxMessage = 1 << 20
)

// UpdateSink receives pushed update batches in arrival order.
type UpdateSink interface {
	Push(ctx context.Context, updates []protocol.Update) error
}

type Options struct {
	URL           string
	Token         string
	ClientVersion string
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	// CallTimeout bounds a Call whose context has no deadline.
	CallTimeout time.Duration
}

func (o *Options) defaults() {
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
}

type reply struct {
	result []byte
	err    error
}

// Client keeps one authenticated socket open, reconnecting with backoff.
type Client struct {
	opts   Options
	sink   UpdateSink
	status *status.Machine
	logger *zap.Logger
	dialer *websocket.Dialer

	nextID atomic.Uint64

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[uint64]chan reply
	writeMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options, sink UpdateSink, st *status.Machine, logger *zap.Logger) *Client {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:    opts,
		sink:    sink,
		status:  st,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: writeWait},
		pending: make(map[uint64]chan reply),
	}
}

// Start runs the connect loop until Stop or ctx is done.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

// Stop closes the socket and waits for the loop to exit.
func (c *Client) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.mu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
	}
	c.mu.Unlock()
	<-c.done
}

// Connected reports whether an authenticated socket is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

func (c *Client) run(ctx context.Context) {
	if c.opts.Token == "" {
		c.setStatus(status.AuthRequired)
		c.logger.Warn("no token configured; not connecting")
		return
	}
	attempt := 0
	for {
		c.setStatus(status.Connecting)
		opened, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthRejected) {
			c.logger.Warn("server rejected credentials", zap.Error(err))
			c.setStatus(status.AuthRequired)
			return
		}
		if opened {
			attempt = 0
		}
		c.setStatus(status.Reconnecting)
		delay := c.backoff(attempt)
		attempt++
		c.logger.Warn("socket closed, reconnecting", zap.Error(err), zap.Duration("in", delay))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// backoff is exponential with full jitter in [d/2, d].
func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.MinBackoff << min(attempt, 16)
	if d <= 0 || d > c.opts.MaxBackoff {
		d = c.opts.MaxBackoff
	}
	half := d / 2
	return half + rand.N(half+1)
}

// session dials, authenticates and reads until the socket fails. opened
// reports whether the server acknowledged the init.
func (c *Client) session(ctx context.Context) (opened bool, err error) {
	target, err := SocketURL(c.opts.URL)
	if err != nil {
		return false, err
	}
	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	ws.SetReadLimit(maxMessage)
	defer func() { _ = ws.Close() }()

	if err := c.handshake(ws); err != nil {
		return false, err
	}

	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.setStatus(status.Open)
	c.logger.Info("connected", zap.String("url", target))
	defer c.detach()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if err := c.dispatch(ctx, msg); err != nil {
			return true, err
		}
	}
}

func (c *Client) handshake(ws *websocket.Conn) error {
	frame, err := protocol.EncodeClient(&protocol.ClientMessage{
		ID:   c.nextID.Add(1),
		Body: protocol.ConnectionInit{Token: c.opts.Token, ClientVersion: c.opts.ClientVersion},
	})
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("send init: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(openWait))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("await open: %w", err)
	}
	msg, err := protocol.DecodeServer(data)
	if err != nil {
		return fmt.Errorf("await open: %w", err)
	}
	switch body := msg.Body.(type) {
	case protocol.ConnectionOpen:
		return nil
	case protocol.RPCError:
		if body.Code == protocol.CodeUnauthenticated {
			return fmt.Errorf("%w: %s", ErrAuthRejected, body.Message)
		}
		return fmt.Errorf("init refused: %w", body.Err())
	default:
		return fmt.Errorf("await open: unexpected %T", msg.Body)
	}
}

func (c *Client) dispatch(ctx context.Context, msg *protocol.ServerMessage) error {
	switch body := msg.Body.(type) {
	case protocol.RPCResult:
		c.resolve(body.ReqID, reply{result: body.Result})
	case protocol.RPCError:
		c.resolve(body.ReqID, reply{err: body.Err()})
	case protocol.Updates:
		c.logger.Debug("updates received", zap.Int("count", len(body.Updates)))
		if c.sink != nil {
			return c.sink.Push(ctx, body.Updates)
		}
	case protocol.ConnectionOpen:
	}
	return nil
}

func (c *Client) resolve(reqID uint64, r reply) {
	c.mu.Lock()
	ch, ok := c.pending[reqID]
	delete(c.pending, reqID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("reply for unknown request", zap.Uint64("req", reqID))
		return
	}
	ch <- r
}

// detach forgets the socket and fails every call still waiting on it.
func (c *Client) detach() {
	c.mu.Lock()
	c.ws = nil
	pending := c.pending
	c.pending = make(map[uint64]chan reply)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- reply{err: ErrNotConnected}
	}
}

// Call invokes an RPC method and decodes its result into out. Server
// errors come back as *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, in, out any) error {
	input, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s input: %w", method, err)
	}
	id := c.nextID.Add(1)
	frame, err := protocol.EncodeClient(&protocol.ClientMessage{
		ID:   id,
		Body: protocol.RPCCall{Method: method, Input: input},
	})
	if err != nil {
		return err
	}

	ch := make(chan reply, 1)
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = ws.WriteMessage(websocket.BinaryMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if out == nil || len(r.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) setStatus(s status.State) {
	if c.status == nil {
		return
	}
	if err := c.status.Transition(s); err != nil {
		c.logger.Debug("status transition", zap.Error(err))
	}
}

// SocketURL turns a configured server URL into a ws:// or wss:// URL,
// adding the /realtime path when none is given.
func SocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url: unsupported scheme %q", u.Scheme)
	}
	if strings.Trim(u.Path, "/") == "" {
		u.Path = "/realtime"
	}
	return u.String(), nil
}
