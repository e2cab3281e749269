package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/websocket"
)

// DefaultChannel is the Redis channel slot events travel on.
const DefaultChannel = "clinic:slot-events"

// NewRedisClient connects to the Redis server at url and verifies it with a
// ping.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisRelay fans events out to every instance. Publish sends to Redis and
// Run forwards everything received from Redis, including this instance's own
// events, to the local publisher.
type RedisRelay struct {
	client  *redis.Client
	channel string
	local   Publisher
	logger  zerolog.Logger
}

func NewRedisRelay(client *redis.Client, channel string, local Publisher, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger.With().Str("component", "redis_relay").Str("channel", channel).Logger(),
	}
}

// Publish sends event through Redis. When Redis is unreachable the event is
// still delivered to this instance's subscribers and the error is returned.
func (r *RedisRelay) Publish(ctx context.Context, event websocket.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		if lerr := r.local.Publish(ctx, event); lerr != nil {
			r.logger.Error().Err(lerr).Msg("local fallback delivery failed")
		}
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Run relays Redis messages to the local publisher until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info().Msg("relaying slot events")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(ctx context.Context, payload string) {
	var event websocket.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logger.Warn().Err(err).Msg("discarding malformed event")
		return
	}
	if err := r.local.Publish(ctx, event); err != nil {
		r.logger.Error().Err(err).Str("topic", event.Topic).Msg("local delivery failed")
	}
}
