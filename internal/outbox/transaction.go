// Package outbox owns the client's transaction queue: optimistic local
// effects, single-flight execution against the server, bounded retry,
// rollback and restart recovery.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/store"
)

// Kind names a transaction variant. It is persisted with the payload.
type Kind string

const (
	KindSendMessage    Kind = "sendMessage"
	KindEditMessage    Kind = "editMessage"
	KindDeleteMessages Kind = "deleteMessages"
	KindAddReaction    Kind = "addReaction"
	KindDeleteReaction Kind = "deleteReaction"
	KindCreateChat     Kind = "createChat"
)

// Caller performs one RPC against the server.
type Caller interface {
	Call(ctx context.Context, method string, in, out any) error
}

// Applier applies authoritative updates to the local replica.
type Applier interface {
	Apply(ctx context.Context, updates []protocol.Update) error
}

// Env is what a transaction may touch.
type Env struct {
	DB      *store.DB
	Caller  Caller
	Applier Applier
	UserID  int64
	Now     func() time.Time
}

// Result is what a successful Execute hands to DidSucceed and to the
// completion callback.
type Result struct {
	Updates []protocol.Update
	Chat    *protocol.Chat
}

// Transaction is one optimistic, retryable mutation. Each variant carries
// only its own fields and must be JSON-serializable so it survives a
// restart.
type Transaction interface {
	Kind() Kind
	// Optimistic applies the expected local effect. It runs once, at
	// enqueue, inside the same write that persists the transaction.
	Optimistic(ctx context.Context, tx *store.Tx, env *Env) error
	// Execute makes one remote attempt.
	Execute(ctx context.Context, env *Env) (*Result, error)
	// DidSucceed reconciles the optimistic effect with the server result.
	DidSucceed(ctx context.Context, env *Env, res *Result) error
	// DidFail runs once retries are exhausted or the server rejected the
	// call.
	DidFail(ctx context.Context, tx *store.Tx, env *Env) error
	// Rollback undoes the optimistic effect after a cancel.
	Rollback(ctx context.Context, tx *store.Tx, env *Env) error
}

// ErrUnknownKind is returned when a persisted transaction has a kind this
// build does not know.
var ErrUnknownKind = errors.New("unknown transaction kind")

func encode(t Transaction) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t.Kind(), err)
	}
	return b, nil
}

func decode(kind Kind, payload []byte) (Transaction, error) {
	switch kind {
	case KindSendMessage:
		return decodeAs[SendMessage](payload)
	case KindEditMessage:
		return decodeAs[EditMessage](payload)
	case KindDeleteMessages:
		return decodeAs[DeleteMessages](payload)
	case KindAddReaction:
		return decodeAs[AddReaction](payload)
	case KindDeleteReaction:
		return decodeAs[DeleteReaction](payload)
	case KindCreateChat:
		return decodeAs[CreateChat](payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

func decodeAs[T any, PT interface {
	*T
	Transaction
}](payload []byte) (Transaction, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return PT(&v), nil
}

// retryable reports whether another attempt could succeed. Errors the
// server classified as the caller's fault are final.
func retryable(err error) bool {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return pe.Code == protocol.CodeInternal
	}
	return true
}
