package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/bus"
	"github.com/matheus3301/inline/internal/store"
)

var (
	ErrQueueClosed        = errors.New("transaction queue closed")
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// RetryPolicy bounds how long a transaction keeps trying.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 30, Delay: 5 * time.Second}
}

// Completion reports a transaction reaching a terminal state.
type Completion struct {
	ID       string
	Kind     Kind
	Status   store.TxStatus
	Attempts int
	Result   *Result
	Err      error
}

// Callback receives completions. It runs on the queue's worker and must not
// call back into the queue.
type Callback func(Completion)

// EnqueueOption tunes a single Enqueue.
type EnqueueOption func(*item)

// WithCallback registers fn for this transaction only. It is not persisted
// and does not fire for a transaction resumed after a restart.
func WithCallback(fn Callback) EnqueueOption {
	return func(it *item) { it.callback = fn }
}

type item struct {
	id              string
	tx              Transaction
	attempts        int
	callback        Callback
	cancel          context.CancelFunc
	cancelRequested bool
}

type enqueueCmd struct {
	tx    Transaction
	opts  []EnqueueOption
	reply chan enqueueReply
}

type enqueueReply struct {
	id  string
	err error
}

type cancelCmd struct {
	id    string
	reply chan error
}

type shutdownCmd struct{}

type execResult struct {
	it       *item
	res      *Result
	err      error
	attempts int
}

// Queue serializes transactions. All queue state is owned by one worker
// goroutine and reached only through its command channel; at most one
// transaction executes at a time.
type Queue struct {
	env      *Env
	policy   RetryPolicy
	bus      *bus.Bus
	logger   *zap.Logger
	observer Callback

	restored []*item
	cmds     chan any
	results  chan execResult
	stopped  chan struct{}
	started  bool
}

func New(env *Env, policy RetryPolicy, b *bus.Bus, logger *zap.Logger) *Queue {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.Delay < 0 {
		policy.Delay = 0
	}
	if env.Now == nil {
		env.Now = time.Now
	}
	return &Queue{
		env:     env,
		policy:  policy,
		bus:     b,
		logger:  logger,
		cmds:    make(chan any),
		results: make(chan execResult, 1),
		stopped: make(chan struct{}),
	}
}

// OnComplete registers a callback for every transaction. Call before Start.
func (q *Queue) OnComplete(fn Callback) {
	q.observer = fn
}

// Restore loads transactions a previous process left pending or executing
// and prunes terminal ones. Optimistic effects are already in the replica
// and are not applied again. Call before Start.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	var pruned int64
	err := q.env.DB.WriteTx(ctx, func(tx *store.Tx) error {
		var err error
		pruned, err = tx.PruneTransactions(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	recs, err := q.env.DB.PendingTransactions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending transactions: %w", err)
	}
	for _, rec := range recs {
		t, err := decode(Kind(rec.Kind), rec.Payload)
		if err != nil {
			q.logger.Error("dropping undecodable transaction", zap.String("id", rec.ID), zap.Error(err))
			_ = q.env.DB.WriteTx(ctx, func(tx *store.Tx) error { return tx.DeleteTransaction(ctx, rec.ID) })
			continue
		}
		q.restored = append(q.restored, &item{id: rec.ID, tx: t, attempts: rec.Attempts})
	}
	q.logger.Info("transactions restored", zap.Int("pending", len(q.restored)), zap.Int64("pruned", pruned))
	return len(q.restored), nil
}

// Start launches the worker.
func (q *Queue) Start() {
	if q.started {
		return
	}
	q.started = true
	go q.run(q.restored)
	q.restored = nil
}

// Stop halts the worker. An executing transaction is interrupted without
// rollback and stays persisted, so the next Restore resumes it.
func (q *Queue) Stop(ctx context.Context) error {
	if !q.started {
		return nil
	}
	select {
	case q.cmds <- shutdownCmd{}:
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-q.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue applies t's optimistic effect, persists it and queues it for
// execution. The optimistic effect is visible when Enqueue returns. An
// error means nothing was queued and nothing was applied; later failures
// are reported through callbacks only.
func (q *Queue) Enqueue(ctx context.Context, t Transaction, opts ...EnqueueOption) (string, error) {
	reply := make(chan enqueueReply, 1)
	select {
	case q.cmds <- enqueueCmd{tx: t, opts: opts, reply: reply}:
	case <-q.stopped:
		return "", ErrQueueClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	r := <-reply
	return r.id, r.err
}

// Cancel removes a pending transaction or interrupts the executing one.
// Either way the optimistic effect is rolled back and the transaction ends
// cancelled. A transaction whose call already completed is not affected.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	select {
	case q.cmds <- cancelCmd{id: id, reply: reply}:
	case <-q.stopped:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

func (q *Queue) run(pending []*item) {
	defer close(q.stopped)
	var (
		current *item
		closing bool
	)

	startNext := func() {
		if current != nil || closing || len(pending) == 0 {
			return
		}
		it := pending[0]
		pending = pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		it.cancel = cancel
		current = it
		go q.execute(ctx, it)
	}
	startNext()

	for {
		select {
		case c := <-q.cmds:
			switch c := c.(type) {
			case enqueueCmd:
				if closing {
					c.reply <- enqueueReply{err: ErrQueueClosed}
					continue
				}
				it := &item{tx: c.tx}
				for _, opt := range c.opts {
					opt(it)
				}
				if err := q.admit(it); err != nil {
					c.reply <- enqueueReply{err: err}
					continue
				}
				pending = append(pending, it)
				c.reply <- enqueueReply{id: it.id}
				startNext()

			case cancelCmd:
				if current != nil && current.id == c.id {
					current.cancelRequested = true
					current.cancel()
					c.reply <- nil
					continue
				}
				idx := -1
				for i, it := range pending {
					if it.id == c.id {
						idx = i
						break
					}
				}
				if idx < 0 {
					c.reply <- fmt.Errorf("%w: %s", ErrUnknownTransaction, c.id)
					continue
				}
				it := pending[idx]
				pending = append(pending[:idx], pending[idx+1:]...)
				q.finalize(it, store.TxCancelled, it.attempts, nil, nil, it.tx.Rollback)
				c.reply <- nil

			case shutdownCmd:
				closing = true
				if current == nil {
					return
				}
				current.cancel()
			}

		case r := <-q.results:
			current = nil
			if closing {
				return
			}
			q.settle(r)
			startNext()
		}
	}
}

// admit runs the optimistic step and persists the transaction in one write.
func (q *Queue) admit(it *item) error {
	it.id = uuid.NewString()
	ctx := context.Background()
	err := q.env.DB.WriteTx(ctx, func(tx *store.Tx) error {
		if err := it.tx.Optimistic(ctx, tx, q.env); err != nil {
			return err
		}
		payload, err := encode(it.tx)
		if err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &store.TxRecord{
			ID:      it.id,
			Kind:    string(it.tx.Kind()),
			Payload: payload,
			Status:  store.TxPending,
		})
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", it.tx.Kind(), err)
	}
	q.logger.Debug("transaction enqueued", zap.String("id", it.id), zap.String("kind", string(it.tx.Kind())))
	q.publish("tx.enqueued", it.id)
	return nil
}

func (q *Queue) execute(ctx context.Context, it *item) {
	attempts := it.attempts
	res, err := q.executeWithRetry(ctx, it, &attempts)
	it.cancel()
	q.results <- execResult{it: it, res: res, err: err, attempts: attempts}
}

func (q *Queue) executeWithRetry(ctx context.Context, it *item, attempts *int) (*Result, error) {
	kind := string(it.tx.Kind())
	for {
		*attempts++
		q.record(it.id, store.TxExecuting, *attempts, "")

		res, err := it.tx.Execute(ctx, q.env)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		if *attempts >= q.policy.MaxAttempts {
			return nil, fmt.Errorf("giving up after %d attempts: %w", *attempts, err)
		}

		q.logger.Warn("transaction attempt failed",
			zap.String("id", it.id),
			zap.String("kind", kind),
			zap.Int("attempt", *attempts),
			zap.Error(err))
		q.record(it.id, store.TxExecuting, *attempts, err.Error())

		timer := time.NewTimer(q.policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) settle(r execResult) {
	it := r.it
	switch {
	case r.err == nil:
		if err := it.tx.DidSucceed(context.Background(), q.env, r.res); err != nil {
			q.logger.Warn("reconcile after success", zap.String("id", it.id), zap.Error(err))
		}
		q.finalize(it, store.TxSucceeded, r.attempts, r.res, nil, nil)
	case it.cancelRequested:
		q.finalize(it, store.TxCancelled, r.attempts, nil, nil, it.tx.Rollback)
	default:
		q.logger.Warn("transaction failed",
			zap.String("id", it.id),
			zap.String("kind", string(it.tx.Kind())),
			zap.Int("attempts", r.attempts),
			zap.Error(r.err))
		q.finalize(it, store.TxFailed, r.attempts, nil, r.err, it.tx.DidFail)
	}
}

// finalize records the terminal status together with hook's local effect,
// notifies callers and then forgets the transaction.
func (q *Queue) finalize(it *item, status store.TxStatus, attempts int, res *Result, cause error, hook func(context.Context, *store.Tx, *Env) error) {
	ctx := context.Background()
	err := q.env.DB.WriteTx(ctx, func(tx *store.Tx) error {
		if hook != nil {
			if err := hook(ctx, tx, q.env); err != nil {
				return fmt.Errorf("%s hook: %w", status, err)
			}
		}
		return tx.UpdateTransaction(ctx, it.id, status, attempts, errString(cause))
	})
	if err != nil {
		q.logger.Error("record terminal status", zap.String("id", it.id), zap.Error(err))
	}

	c := Completion{ID: it.id, Kind: it.tx.Kind(), Status: status, Attempts: attempts, Result: res, Err: cause}
	if it.callback != nil {
		it.callback(c)
	}
	if q.observer != nil {
		q.observer(c)
	}
	q.publish("tx.completed", c)

	if err := q.env.DB.WriteTx(ctx, func(tx *store.Tx) error { return tx.DeleteTransaction(ctx, it.id) }); err != nil {
		q.logger.Warn("delete finished transaction", zap.String("id", it.id), zap.Error(err))
	}
}

func (q *Queue) record(id string, status store.TxStatus, attempts int, lastErr string) {
	ctx := context.Background()
	err := q.env.DB.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.UpdateTransaction(ctx, id, status, attempts, lastErr)
	})
	if err != nil {
		q.logger.Warn("record transaction status", zap.String("id", id), zap.Error(err))
	}
}

func (q *Queue) publish(kind string, payload any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
