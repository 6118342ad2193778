package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultRedisPrefix = "questarena:"

// RedisRelay carries events between service instances over Redis pub/sub
type RedisRelay struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
}

// NewRedisRelay wraps an existing client. The relay owns the client and closes it on Close.
func NewRedisRelay(client *redis.Client, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client: client,
		prefix: defaultRedisPrefix,
		log:    logger.With().Str("component", "redis_relay").Logger(),
	}
}

// DialRedisRelay parses a redis:// URL, connects and verifies the server
func DialRedisRelay(ctx context.Context, url string, logger zerolog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisRelay(client, logger), nil
}

// Publish sends the event to every instance subscribed to its topic
func (r *RedisRelay) Publish(ctx context.Context, event Event) error {
	if event.Topic == "" {
		return ErrTopicMissing
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+event.Topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so no event published
// after Subscribe returns can be missed
func (r *RedisRelay) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	if topic == "" {
		return nil, ErrTopicMissing
	}

	pubsub := r.client.Subscribe(ctx, r.prefix+topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("confirm redis subscription: %w", err)
	}

	sub := newSubscription(topic, func() { _ = pubsub.Close() })
	messages := pubsub.Channel()
	go func() {
		for {
			select {
			case <-sub.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					sub.Close()
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable event")
					continue
				}
				sub.offer(event)
			}
		}
	}()
	sub.closeOnDone(ctx)
	return sub, nil
}

// Close closes the underlying client and with it every subscription
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
