// Package realtime owns live client sockets: registration, authentication,
// RPC dispatch and the per-connection write loop.
package realtime

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	SendQueueSize = 128
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10

	// InitTimeout is how long a socket may stay unauthenticated.
	InitTimeout = 20 * time.Second
)

// State is the lifecycle of one connection.
type State int32

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one live socket. Frames are written by a single write loop fed
// through a bounded queue; a full queue drops the connection.
type Conn struct {
	ID string

	ws     *websocket.Conn
	send   chan outbound
	done   chan struct{}
	state  atomic.Int32
	logger *zap.Logger

	mu        sync.RWMutex
	userID    int64
	sessionID int64
}

func newConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		ID:     id,
		ws:     ws,
		send:   make(chan outbound, SendQueueSize),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("conn", id)),
	}
}

func (c *Conn) State() State { return State(c.state.Load()) }

// Identity returns the bound user and session. ok stays true after the
// connection closes so deregistration can find the user.
func (c *Conn) Identity() (userID, sessionID int64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.sessionID, c.userID != 0
}

func (c *Conn) bind(userID, sessionID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticated)) {
		return false
	}
	c.userID = userID
	c.sessionID = sessionID
	c.logger = c.logger.With(zap.Int64("user", userID), zap.Int64("session", sessionID))
	return true
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) start() {
	go c.writeLoop()
}

type outbound struct {
	frame       []byte
	closeCode   int
	closeReason string
}

// TrySend queues a frame without blocking.
func (c *Conn) TrySend(frame []byte) bool {
	return c.enqueue(outbound{frame: frame})
}

// SendAndClose queues a final frame; the connection closes once it has
// been written.
func (c *Conn) SendAndClose(frame []byte, code int, reason string) bool {
	return c.enqueue(outbound{frame: frame, closeCode: code, closeReason: reason})
}

func (c *Conn) enqueue(out outbound) bool {
	if c.State() == StateClosed {
		return false
	}
	select {
	case c.send <- out:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send queue full, dropping connection")
		c.CloseWithReason(websocket.CloseTryAgainLater, "backpressure")
		return false
	}
}

func (c *Conn) Close() {
	c.CloseWithReason(websocket.CloseNormalClosure, "server closing")
}

func (c *Conn) CloseWithReason(code int, reason string) {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(StateClosed)) {
			break
		}
	}
	c.logger.Debug("closing", zap.Int("code", code), zap.String("reason", reason))
	close(c.done)
	if c.ws != nil {
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = c.ws.Close()
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case out := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, out.frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
			if out.closeCode != 0 {
				c.CloseWithReason(out.closeCode, out.closeReason)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// NewMessageID returns a fresh id for server-originated envelopes.
func NewMessageID() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}
