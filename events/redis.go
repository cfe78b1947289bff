package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisEmitter publishes events to Redis pub/sub, one channel per event
// name under a common prefix. Delivery failures are logged and dropped.
type RedisEmitter struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisEmitter connects to url and verifies connectivity. The prefix
// defaults to "verso:events".
func NewRedisEmitter(url, prefix string, logger *zap.Logger) (*RedisEmitter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if prefix == "" {
		prefix = "verso:events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisEmitter{rdb: rdb, prefix: prefix, logger: logger}, nil
}

func (r *RedisEmitter) Emit(ctx context.Context, ev Event) {
	go func() {
		body, err := json.Marshal(ev)
		if err != nil {
			r.logger.Warn("event marshal failed", zap.String("event", ev.Name), zap.Error(err))
			return
		}
		channel := r.prefix + ":" + ev.Name
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.rdb.Publish(pubCtx, channel, body).Err(); err != nil {
			r.logger.Warn("event publish failed",
				zap.String("event", ev.Name),
				zap.String("channel", channel),
				zap.Error(err))
		}
	}()
}

// Subscribe returns a pub/sub subscription for the given event names, or
// for all events when none are given.
func (r *RedisEmitter) Subscribe(ctx context.Context, names ...string) *redis.PubSub {
	if len(names) == 0 {
		return r.rdb.PSubscribe(ctx, r.prefix+":*")
	}
	channels := make([]string, len(names))
	for i, name := range names {
		channels[i] = r.prefix + ":" + name
	}
	return r.rdb.Subscribe(ctx, channels...)
}

// Close releases the underlying connection.
func (r *RedisEmitter) Close() error {
	return r.rdb.Close()
}
