package audit

import (
	"context"
	"fmt"

	"token-keeper/internal/redis"
)

// DefaultChannel is the pub/sub channel audit events are published on.
const DefaultChannel = "token-keeper:audit"

// RedisPublisher publishes each event as JSON on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher; an empty channel uses DefaultChannel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) WriteEvents(ctx context.Context, events []Event) error {
	for _, event := range events {
		if err := p.client.Publish(ctx, p.channel, event); err != nil {
			return fmt.Errorf("publish audit event %s: %w", event.ID, err)
		}
	}
	return nil
}

// Channel returns the channel events are published on.
func (p *RedisPublisher) Channel() string {
	return p.channel
}
