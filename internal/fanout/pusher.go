package fanout

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/protocol"
	"github.com/matheus3301/inline/internal/realtime"
)

// Delivery is one encoded push as it travels between instances.
type Delivery struct {
	Origin         string  `json:"origin"`
	UserIDs        []int64 `json:"userIds"`
	ExcludeSession int64   `json:"excludeSession,omitempty"`
	ExcludeUser    int64   `json:"excludeUser,omitempty"`
	Frame          []byte  `json:"frame"`
}

// Relay forwards deliveries to other server instances.
type Relay interface {
	Publish(ctx context.Context, d Delivery) error
}

// Observer counts pushed frames.
type Observer interface {
	Pushed(updates, connections int)
}

type nopObserver struct{}

func (nopObserver) Pushed(int, int) {}

// PushOptions tune a single push.
type PushOptions struct {
	// ExcludeSession skips connections bound to this session.
	ExcludeSession int64
	// ExcludeUser skips every connection of this user.
	ExcludeUser int64
}

// Connections delivers frames to a user's live connections.
type Connections interface {
	SendToUser(userID int64, frame []byte, excludeSession int64) int
}

type Pusher struct {
	resolver *Resolver
	registry Connections
	relay    Relay
	origin   string
	observer Observer
	logger   *zap.Logger
}

func NewPusher(resolver *Resolver, registry Connections, logger *zap.Logger) *Pusher {
	return &Pusher{
		resolver: resolver,
		registry: registry,
		observer: nopObserver{},
		logger:   logger,
	}
}

// SetRelay makes every push also go to other instances, tagged with origin.
func (p *Pusher) SetRelay(r Relay, origin string) {
	p.relay = r
	p.origin = origin
}

func (p *Pusher) SetObserver(o Observer) {
	p.observer = o
}

// Push sends updates to every connection of every recipient in g.
func (p *Pusher) Push(ctx context.Context, g UpdateGroup, updates []protocol.Update, opts PushOptions) error {
	if len(updates) == 0 {
		return nil
	}
	ids, err := p.resolver.Recipients(ctx, g)
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	frame, err := protocol.EncodeServer(&protocol.ServerMessage{
		ID:   realtime.NewMessageID(),
		Body: protocol.Updates{Updates: updates},
	})
	if err != nil {
		return err
	}

	d := Delivery{
		Origin:         p.origin,
		UserIDs:        ids,
		ExcludeSession: opts.ExcludeSession,
		ExcludeUser:    opts.ExcludeUser,
		Frame:          frame,
	}
	n := p.DeliverLocal(d)
	p.observer.Pushed(len(updates), n)
	p.logger.Debug("pushed updates",
		zap.Int("updates", len(updates)),
		zap.Int("users", len(ids)),
		zap.Int("connections", n))

	if p.relay != nil {
		if g.Kind == GroupBroadcast {
			// Other instances hold other connections; let them filter.
			if all, err := p.resolver.members.SpaceMembers(ctx, g.SpaceID); err == nil {
				d.UserIDs = all
			}
		}
		if err := p.relay.Publish(ctx, d); err != nil {
			p.logger.Warn("relay publish failed", zap.Error(err))
		}
	}
	return nil
}

// PushToUser is Push for a single user.
func (p *Pusher) PushToUser(ctx context.Context, userID int64, updates []protocol.Update, opts PushOptions) error {
	return p.Push(ctx, Users(userID), updates, opts)
}

// DeliverLocal writes an encoded delivery to this instance's connections
// and returns how many accepted it.
func (p *Pusher) DeliverLocal(d Delivery) int {
	n := 0
	for _, id := range d.UserIDs {
		if d.ExcludeUser != 0 && id == d.ExcludeUser {
			continue
		}
		n += p.registry.SendToUser(id, d.Frame, d.ExcludeSession)
	}
	return n
}

// Origin identifies this instance on the relay.
func (p *Pusher) Origin() string { return p.origin }
