package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisClient is the subset of redis.Cmdable the sink uses.
type RedisClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
}

// Redis pushes JSON-encoded items onto a capped list.
type Redis[T any] struct {
	client RedisClient
	key    string
	maxLen int64
}

// NewRedis creates a Redis list sink. maxLen <= 0 keeps the list unbounded.
func NewRedis[T any](client RedisClient, key string, maxLen int64) *Redis[T] {
	return &Redis[T]{client: client, key: key, maxLen: maxLen}
}

func (r *Redis[T]) Name() string { return "redis:" + r.key }

func (r *Redis[T]) Write(ctx context.Context, items []T) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("redis sink: marshal: %w", err)
		}
		values = append(values, data)
	}
	if err := r.client.RPush(ctx, r.key, values...).Err(); err != nil {
		return fmt.Errorf("redis sink: rpush %s: %w", r.key, err)
	}
	if r.maxLen > 0 {
		if err := r.client.LTrim(ctx, r.key, -r.maxLen, -1).Err(); err != nil {
			return fmt.Errorf("redis sink: ltrim %s: %w", r.key, err)
		}
	}
	return nil
}
