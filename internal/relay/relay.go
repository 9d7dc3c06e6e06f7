// Package relay shares pushes between server instances over Redis pub/sub.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/matheus3301/inline/internal/fanout"
)

const DefaultChannel = "inline:updates"

type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *zap.Logger
}

func New(client *redis.Client, channel, origin string, logger *zap.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{client: client, channel: channel, origin: origin, logger: logger}
}

func (r *Relay) Publish(ctx context.Context, d fanout.Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe delivers every foreign delivery to deliver until ctx is done.
// It returns once the subscription is confirmed.
func (r *Relay) Subscribe(ctx context.Context, deliver func(fanout.Delivery)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", zap.String("channel", r.channel), zap.String("origin", r.origin))

	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					r.logger.Warn("relay channel closed")
					return
				}
				r.handle(msg.Payload, deliver)
			}
		}
	}()
	return nil
}

func (r *Relay) handle(payload string, deliver func(fanout.Delivery)) {
	var d fanout.Delivery
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		r.logger.Warn("relay: bad payload", zap.Error(err))
		return
	}
	if d.Origin == r.origin {
		return
	}
	deliver(d)
}
