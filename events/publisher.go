package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher broadcasts pipeline events to live subscribers. Implementations
// are fire-and-forget: failures are logged and swallowed.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// RedisPublisher publishes events onto a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// Publish serializes the event and PUBLISHes it. A publish failure must never
// propagate into a batch transition that already committed, so errors are
// logged only.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.logger.Warn("event publish failed", "type", ev.Type, "channel", p.channel, "error", err)
	}
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
