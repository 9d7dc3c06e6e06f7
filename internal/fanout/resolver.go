// Package fanout computes who receives an update and delivers it to their
// live connections.
package fanout

import (
	"context"
	"fmt"

	"github.com/matheus3301/inline/internal/serverdb"
)

type GroupKind int

const (
	GroupUsers GroupKind = iota + 1
	GroupBroadcast
)

// UpdateGroup is the recipient set of a conversation-scoped update: an
// explicit user list, or every connected member of a space.
type UpdateGroup struct {
	Kind    GroupKind
	UserIDs []int64
	SpaceID int64
}

func Users(ids ...int64) UpdateGroup {
	return UpdateGroup{Kind: GroupUsers, UserIDs: ids}
}

func Broadcast(spaceID int64) UpdateGroup {
	return UpdateGroup{Kind: GroupBroadcast, SpaceID: spaceID}
}

// Membership is the cached membership lookup.
type Membership interface {
	ChatParticipants(ctx context.Context, chatID int64) ([]int64, error)
	SpaceMembers(ctx context.Context, spaceID int64) ([]int64, error)
}

// Liveness reports whether a user has a live connection.
type Liveness interface {
	IsOnline(userID int64) bool
}

type Resolver struct {
	members Membership
	live    Liveness
}

func NewResolver(members Membership, live Liveness) *Resolver {
	return &Resolver{members: members, live: live}
}

// ResolveRecipients maps a chat to its update group.
func (r *Resolver) ResolveRecipients(ctx context.Context, chat *serverdb.Chat) (UpdateGroup, error) {
	if chat.IsThread() && chat.PublicThread {
		if chat.SpaceID == 0 {
			return UpdateGroup{}, fmt.Errorf("public thread %d has no space", chat.ID)
		}
		return Broadcast(chat.SpaceID), nil
	}
	ids, err := r.members.ChatParticipants(ctx, chat.ID)
	if err != nil {
		return UpdateGroup{}, err
	}
	if len(ids) == 0 && chat.IsPrivate() {
		ids = []int64{chat.MinUserID}
		if chat.MaxUserID != chat.MinUserID {
			ids = append(ids, chat.MaxUserID)
		}
	}
	return Users(ids...), nil
}

// Recipients expands a group into user ids. Broadcast groups are filtered
// to users that are connected right now.
func (r *Resolver) Recipients(ctx context.Context, g UpdateGroup) ([]int64, error) {
	switch g.Kind {
	case GroupUsers:
		return g.UserIDs, nil
	case GroupBroadcast:
		members, err := r.members.SpaceMembers(ctx, g.SpaceID)
		if err != nil {
			return nil, err
		}
		live := members[:0]
		for _, id := range members {
			if r.live.IsOnline(id) {
				live = append(live, id)
			}
		}
		return live, nil
	default:
		return nil, fmt.Errorf("unknown update group kind %d", g.Kind)
	}
}
