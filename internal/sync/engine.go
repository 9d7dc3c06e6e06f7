package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/store"
)

// Event kinds published after a batch commits.
const (
	EventMessageUpserted  = "message.upserted"
	EventMessageDeleted   = "message.deleted"
	EventMessageReactions = "message.reactions"
	EventChatUpserted     = "chat.upserted"
	EventChatDeleted      = "chat.deleted"
	EventPresence         = "presence.changed"
	EventSettings         = "settings.changed"
	EventBatchFailed      = "sync.batch_failed"
)

// maxCarry bounds how many times a failed batch is replayed before it is
// dropped, so one poisoned update cannot wedge the replica.
const maxCarry = 5

// MessageRef identifies a message in event payloads.
type MessageRef struct {
	Peer      protocol.Peer
	MessageID int64
	LocalID   string
}

// Engine applies server updates to the local replica. Each batch runs in
// one write transaction with a savepoint per update, so a bad update is
// skipped without touching the rest. A storage failure rolls the whole
// batch back; the batch is kept and retried in front of the next one.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	userID   int64
	presence *Presence

	mu    gosync.Mutex
	carry []protocol.Update
	tries int

	inbox  chan []protocol.Update
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a sync engine for the given user.
func NewEngine(db *store.DB, b *bus.Bus, userID int64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       db,
		bus:      b,
		logger:   logger,
		userID:   userID,
		presence: NewPresence(),
		inbox:    make(chan []protocol.Update, 64),
	}
}

func (e *Engine) Presence() *Presence { return e.presence }

// Start runs the consumer that applies pushed batches in arrival order.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		for {
			select {
			case batch := <-e.inbox:
				if err := e.Apply(ctx, batch); err != nil {
					e.logger.Error("failed to apply batch", zap.Error(err), zap.Int("updates", len(batch)))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Push hands a pushed batch to the consumer. It blocks while the consumer
// is behind so no batch is dropped.
func (e *Engine) Push(ctx context.Context, updates []protocol.Update) error {
	if len(updates) == 0 {
		return nil
	}
	select {
	case e.inbox <- updates:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply applies updates in order inside one write. It is safe to call from
// several goroutines; calls are serialized.
func (e *Engine) Apply(ctx context.Context, updates []protocol.Update) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	batch := make([]protocol.Update, 0, len(e.carry)+len(updates))
	batch = append(batch, e.carry...)
	batch = append(batch, updates...)
	if len(batch) == 0 {
		return nil
	}

	var (
		events  []bus.Event
		skipped int
	)
	err := e.db.WriteTx(ctx, func(tx *store.Tx) error {
		events = events[:0]
		skipped = 0
		for i, u := range batch {
			a := &applier{ctx: ctx, tx: tx, e: e}
			err := tx.Savepoint(ctx, fmt.Sprintf("u%d", i), func() error { return u.Accept(a) })
			if err == nil {
				events = append(events, a.events...)
				continue
			}
			if store.IsFatal(err) {
				return fmt.Errorf("apply %s: %w", u.Kind(), err)
			}
			skipped++
			e.logger.Warn("skipping update", zap.String("kind", u.Kind().String()), zap.Error(err))
		}
		return tx.SetState(ctx, store.StateLastBatchAt, time.Now().UTC().Format(time.RFC3339Nano))
	})
	if err != nil {
		e.tries++
		if e.tries >= maxCarry {
			e.logger.Error("dropping batch after repeated failures",
				zap.Int("updates", len(batch)), zap.Int("tries", e.tries), zap.Error(err))
			e.carry, e.tries = nil, 0
		} else {
			e.carry = durable(batch)
		}
		e.publish(EventBatchFailed, err)
		return err
	}
	e.carry, e.tries = nil, 0

	for _, evt := range events {
		e.publish(evt.Kind, evt.Payload)
	}
	e.logger.Debug("batch applied", zap.Int("updates", len(batch)), zap.Int("skipped", skipped))
	return nil
}

// Pending returns how many updates are waiting from a failed batch.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.carry)
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// durable drops transient updates; replaying stale presence later would be
// wrong.
func durable(batch []protocol.Update) []protocol.Update {
	out := batch[:0:0]
	for _, u := range batch {
		switch u.Kind() {
		case protocol.KindUserStatus, protocol.KindComposeAction:
			continue
		}
		out = append(out, u)
	}
	return out
}
