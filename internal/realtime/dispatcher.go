package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/protocol"
)

// CallContext identifies who issued an RPC call.
type CallContext struct {
	UserID    int64
	SessionID int64
	ConnID    string
}

// HandlerFunc serves one RPC method. The returned value is encoded as JSON.
type HandlerFunc func(ctx context.Context, cc CallContext, input []byte) (any, error)

// Observer receives dispatch and connection events, typically for metrics.
type Observer interface {
	RPC(method string, code protocol.Code, elapsed time.Duration)
	ConnectionOpened()
	ConnectionClosed()
}

type nopObserver struct{}

func (nopObserver) RPC(string, protocol.Code, time.Duration) {}
func (nopObserver) ConnectionOpened()                        {}
func (nopObserver) ConnectionClosed()                        {}

// Dispatcher routes RPC calls to registered handlers and normalizes their
// errors onto the closed code set.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	observer Observer
	logger   *zap.Logger
}

func NewDispatcher(logger *zap.Logger, observer Observer) *Dispatcher {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		observer: observer,
		logger:   logger,
	}
}

// Register binds method to h. Registering a method twice panics.
func (d *Dispatcher) Register(method string, h HandlerFunc) {
	if _, dup := d.handlers[method]; dup {
		panic(fmt.Sprintf("realtime: method %q registered twice", method))
	}
	d.handlers[method] = h
}

func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.handlers))
	for m := range d.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch runs the handler for call and returns its encoded result or a
// client-safe error.
func (d *Dispatcher) Dispatch(ctx context.Context, cc CallContext, call protocol.RPCCall) (result []byte, rpcErr *protocol.Error) {
	start := time.Now()
	defer func() {
		code := protocol.Code(0)
		if rpcErr != nil {
			code = rpcErr.Code
		}
		d.observer.RPC(call.Method, code, time.Since(start))
	}()

	h, ok := d.handlers[call.Method]
	if !ok {
		return nil, protocol.ErrMethodUnknown
	}

	out, err := d.invoke(ctx, h, cc, call.Input)
	if err != nil {
		pe := protocol.Normalize(err)
		if pe.Code == protocol.CodeInternal {
			d.logger.Error("rpc failed",
				zap.String("method", call.Method),
				zap.Int64("user", cc.UserID),
				zap.Error(err))
		}
		return nil, pe
	}
	b, err := json.Marshal(out)
	if err != nil {
		d.logger.Error("encode rpc result", zap.String("method", call.Method), zap.Error(err))
		return nil, protocol.ErrInternal
	}
	return b, nil
}

func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, cc CallContext, input []byte) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, cc, input)
}

// Handle adapts a typed handler. Undecodable input is BAD_REQUEST.
func Handle[In, Out any](fn func(ctx context.Context, cc CallContext, in *In) (*Out, error)) HandlerFunc {
	return func(ctx context.Context, cc CallContext, input []byte) (any, error) {
		in := new(In)
		if len(input) > 0 {
			if err := json.Unmarshal(input, in); err != nil {
				return nil, protocol.NewError(protocol.CodeBadRequest, "INPUT_INVALID")
			}
		}
		out, err := fn(ctx, cc, in)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return protocol.Empty{}, nil
		}
		return out, nil
	}
}
