package sync

import (
	gosync "sync"
	"time"
)

// ComposeTTL is how long a compose action stays visible without a refresh.
const ComposeTTL = 6 * time.Second

type UserPresence struct {
	Online     bool
	LastOnline int64
}

type ComposeState struct {
	UserID int64
	Action string
}

type composeKey struct{ chatID, userID int64 }

type composeEntry struct {
	action  string
	expires time.Time
}

// Presence is transient state from userStatus and composeAction updates.
// It is never persisted.
type Presence struct {
	mu      gosync.RWMutex
	users   map[int64]UserPresence
	compose map[composeKey]composeEntry
	now     func() time.Time
}

func NewPresence() *Presence {
	return &Presence{
		users:   make(map[int64]UserPresence),
		compose: make(map[composeKey]composeEntry),
		now:     time.Now,
	}
}

func (p *Presence) SetStatus(userID int64, online bool, lastOnline int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.users[userID]
	if lastOnline == 0 {
		lastOnline = prev.LastOnline
	}
	p.users[userID] = UserPresence{Online: online, LastOnline: lastOnline}
}

func (p *Presence) Status(userID int64) UserPresence {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.users[userID]
}

// SetCompose records an action; an empty action clears it.
func (p *Presence) SetCompose(chatID, userID int64, action string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := composeKey{chatID, userID}
	if action == "" {
		delete(p.compose, k)
		return
	}
	p.compose[k] = composeEntry{action: action, expires: p.now().Add(ComposeTTL)}
}

// Composing lists unexpired actions in a chat.
func (p *Presence) Composing(chatID int64) []ComposeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var out []ComposeState
	for k, v := range p.compose {
		if !now.Before(v.expires) {
			delete(p.compose, k)
			continue
		}
		if k.chatID == chatID {
			out = append(out, ComposeState{UserID: k.userID, Action: v.action})
		}
	}
	return out
}
