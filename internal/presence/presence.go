// Package presence announces users going online and offline to the people
// they share private chats with.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/fanout"
	"github.com/matheus3301/inline/internal/protocol"
)

// Store is the slice of the server database presence needs.
type Store interface {
	PrivatePeers(ctx context.Context, userID int64) ([]int64, error)
	SetLastOnline(ctx context.Context, userID, at int64) error
}

// Pusher delivers updates to users.
type Pusher interface {
	Push(ctx context.Context, g fanout.UpdateGroup, updates []protocol.Update, opts fanout.PushOptions) error
}

// Tracker turns registry transitions into userStatus pushes. Every
// transition re-reads the registry and announces only what changed, one
// announcement per user at a time, so a quick reconnect never leaves peers
// with a stale offline.
type Tracker struct {
	store   Store
	pusher  Pusher
	online  func(userID int64) bool
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	mu    sync.Mutex
	users map[int64]*userState
}

type userState struct {
	mu        sync.Mutex
	announced bool // last status pushed to peers
	refs      int  // guarded by Tracker.mu
}

// NewTracker returns a tracker that reads live state from online, usually
// the registry's IsOnline.
func NewTracker(store Store, pusher Pusher, online func(userID int64) bool, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:   store,
		pusher:  pusher,
		online:  online,
		logger:  logger,
		timeout: 5 * time.Second,
		now:     time.Now,
		users:   make(map[int64]*userState),
	}
}

// UserOnline is called by the registry on a user's first connection.
func (t *Tracker) UserOnline(userID int64) {
	go t.reconcile(userID)
}

// UserOffline is called by the registry when a user's last connection
// goes away.
func (t *Tracker) UserOffline(userID int64) {
	go t.reconcile(userID)
}

func (t *Tracker) acquire(userID int64) *userState {
	t.mu.Lock()
	st := t.users[userID]
	if st == nil {
		st = &userState{}
		t.users[userID] = st
	}
	st.refs++
	t.mu.Unlock()
	st.mu.Lock()
	return st
}

func (t *Tracker) release(userID int64, st *userState) {
	st.mu.Unlock()
	t.mu.Lock()
	st.refs--
	if st.refs == 0 && !st.announced {
		delete(t.users, userID)
	}
	t.mu.Unlock()
}

func (t *Tracker) reconcile(userID int64) {
	st := t.acquire(userID)
	defer t.release(userID, st)

	online := t.online(userID)
	if online == st.announced {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.Announce(ctx, userID, online); err != nil {
		t.logger.Warn("presence announce failed", zap.Int64("user", userID), zap.Bool("online", online), zap.Error(err))
		return
	}
	st.announced = online
}

// Announce records the status change and pushes it synchronously.
func (t *Tracker) Announce(ctx context.Context, userID int64, online bool) error {
	status := protocol.UserStatus{UserID: userID, Online: online}
	if !online {
		status.LastOnline = t.now().Unix()
		if err := t.store.SetLastOnline(ctx, userID, status.LastOnline); err != nil {
			return err
		}
	}
	peers, err := t.store.PrivatePeers(ctx, userID)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return nil
	}
	return t.pusher.Push(ctx, fanout.Users(peers...), []protocol.Update{status}, fanout.PushOptions{})
}
