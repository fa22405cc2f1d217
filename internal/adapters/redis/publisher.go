package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/okian/kudos/internal/domain/model"
)

// Publisher publishes every committed change as JSON on a channel.
type Publisher struct {
	client  redis.UniversalClient
	channel string
}

// NewPublisher creates a Publisher on channel.
func NewPublisher(client redis.UniversalClient, channel string) (*Publisher, error) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, ErrEmptyChannel
	}
	return &Publisher{client: client, channel: channel}, nil
}

// Name implements dispatch.Named.
func (*Publisher) Name() string { return "redis-publisher" }

// OnChange implements dispatch.Observer.
func (p *Publisher) OnChange(ctx context.Context, c model.CommittedChange) error { //nolint:gocritic // hugeParam: observers get their own copy
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redis: marshal change: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish to %s: %w", p.channel, err)
	}
	return nil
}
