// Package notify publishes new-content events to listeners.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"yib/config"
	"yib/models"

	"github.com/redis/go-redis/v9"
)

// Publisher delivers one event. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, models.Event) error { return nil }

// RedisPublisher sends events as JSON on a Redis Pub/Sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisPublisher connects to redisURL and verifies the connection.
func NewRedisPublisher(redisURL, channel string, logger *slog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisPublisherWithClient(client, channel, logger), nil
}

// NewRedisPublisherWithClient wraps an existing client.
func NewRedisPublisherWithClient(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	if channel == "" {
		channel = config.DefaultRedisChannel
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger.With("component", "notify")}
}

// Publish marshals event and publishes it on the configured channel.
func (p *RedisPublisher) Publish(ctx context.Context, event models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	receivers, err := p.client.Publish(ctx, p.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	p.logger.Debug("Event published", "type", event.Type, "post_id", event.Post.ID, "receivers", receivers)
	return nil
}

// Subscribe returns a subscription to the publisher's channel.
func (p *RedisPublisher) Subscribe(ctx context.Context) *redis.PubSub {
	return p.client.Subscribe(ctx, p.channel)
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
