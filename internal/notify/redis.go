package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"example.com/healthsync/internal/events"
)

// Publisher is the subset of *redis.Client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes SyncCompleted events on a pub/sub channel.
type RedisSink struct {
	client  Publisher
	channel string
}

// NewRedisSink constructs a RedisSink.
func NewRedisSink(client Publisher, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// Name implements Sink.
func (s *RedisSink) Name() string { return "redis" }

// Send implements Sink.
func (s *RedisSink) Send(ctx context.Context, event events.SyncCompleted) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, body).Err()
}
