package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Subscriber delivers pipeline events to a live viewer connection.
type Subscriber interface {
	// Subscribe returns a channel of decoded events and a release function.
	// The channel is closed when ctx ends or the subscription drops.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// RedisSubscriber wraps Redis SUBSCRIBE on the pipeline channel.
type RedisSubscriber struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

func NewRedisSubscriber(client *redis.Client, channel string, logger *slog.Logger) *RedisSubscriber {
	return &RedisSubscriber{client: client, channel: channel, logger: logger}
}

func (s *RedisSubscriber) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	sub := s.client.Subscribe(ctx, s.channel)

	// Confirm the subscription before handing the channel out, so a dead
	// Redis surfaces as an error instead of a silent empty stream.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			if ctx.Err() != nil {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn("event decode failed", "channel", s.channel, "error", err)
				continue
			}
			select {
			case out <- ev:
			default:
				// Slow consumer: drop rather than block the pump.
			}
		}
	}()

	release := func() { _ = sub.Close() }
	return out, release, nil
}
