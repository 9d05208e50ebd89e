package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus carries events over Redis pub/sub so a worker process can
// feed dashboards served by another process.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus connects to Redis using a redis:// URL.
func NewRedisBus(url string, logger *zap.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisBus{client: client, logger: logger}, nil
}

// Publish sends an event on a Redis channel. Publish failures are
// logged, not returned: progress events are advisory and a sync must
// not fail because the bus hiccupped.
func (b *RedisBus) Publish(ctx context.Context, channel string, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := b.client.Publish(ctx, channel, evt.JSON()).Err(); err != nil {
		b.logger.Warn("bus publish failed",
			zap.String("channel", channel),
			zap.String("type", string(evt.Type)),
			zap.Error(err))
	}
}

// Subscribe listens on one Redis channel until the cancel func runs or
// the context ends.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan Event, func()) {
	sub := b.client.Subscribe(ctx, channel)
	out := make(chan Event, 64)

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		msgs := sub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					b.logger.Warn("bus: dropping malformed event", zap.Error(err))
					continue
				}
				select {
				case out <- evt:
				default:
				}
			}
		}
	}()

	return out, func() {
		cancel()
		_ = sub.Close()
	}
}

// Ping reports whether the Redis connection is alive.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
