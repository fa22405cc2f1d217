// Package redis mirrors committed changes into Redis: a pub/sub channel
// for live consumers and a sorted set holding every subject's points.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientOption adjusts connection options before the client is created.
type ClientOption func(*redis.Options)

// WithPassword sets the AUTH password.
func WithPassword(password string) ClientOption {
	return func(o *redis.Options) { o.Password = password }
}

// WithDB selects the logical database.
func WithDB(db int) ClientOption {
	return func(o *redis.Options) { o.DB = db }
}

// Open connects to addr and verifies the connection.
func Open(ctx context.Context, addr string, opts ...ClientOption) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, ErrEmptyAddr
	}
	o := &redis.Options{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}

	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return client, nil
}
