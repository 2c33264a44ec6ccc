// Package bus is the result-fanout publisher, backed by Redis Pub/Sub.
package bus

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Publisher is the narrow contract the result publisher depends on.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher implements Publisher against a Redis Pub/Sub channel.
type RedisPublisher struct {
	client *redis.Client
}

// Config configures the Redis connection.
type Config struct {
	Host     string
	Port     int
	Password string
}

func NewRedisPublisher(cfg Config) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     addr(cfg),
		Password: cfg.Password,
	})
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func addr(cfg Config) string {
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	return host + ":" + strconv.Itoa(cfg.Port)
}

var _ Publisher = (*RedisPublisher)(nil)
