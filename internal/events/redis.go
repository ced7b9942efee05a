package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream events are appended to when none is configured.
const DefaultStream = "tokenbank:events"

// RedisStreamPublisher appends events to a Redis stream with XADD.
type RedisStreamPublisher struct {
	client *redis.Client
	stream string
}

// NewRedisStreamPublisher builds a publisher writing to stream.
func NewRedisStreamPublisher(client *redis.Client, stream string) *RedisStreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStreamPublisher{client: client, stream: stream}
}

// Publish implements Publisher.
func (p *RedisStreamPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"seq":     strconv.FormatUint(event.Seq, 10),
			"kind":    string(event.Kind),
			"payload": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}
