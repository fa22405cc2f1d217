package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/okian/kudos/internal/domain/model"
)

// LeaderboardMirror keeps a sorted set of subject points in Redis so other
// services can read the board without going through the engine.
type LeaderboardMirror struct {
	client redis.UniversalClient
	key    string
}

// MirrorEntry is one member of the mirrored board.
type MirrorEntry struct {
	SubjectID string `json:"subject_id"`
	Points    int64  `json:"points"`
}

// NewLeaderboardMirror creates a mirror writing to the sorted set at key.
func NewLeaderboardMirror(client redis.UniversalClient, key string) (*LeaderboardMirror, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrEmptyKey
	}
	return &LeaderboardMirror{client: client, key: key}, nil
}

// Name implements dispatch.Named.
func (*LeaderboardMirror) Name() string { return "redis-leaderboard" }

// OnChange implements dispatch.Observer. Changes of one subject arrive in
// commit order, so the last write carries the newest total.
func (m *LeaderboardMirror) OnChange(ctx context.Context, c model.CommittedChange) error { //nolint:gocritic // hugeParam: observers get their own copy
	err := m.client.ZAdd(ctx, m.key, redis.Z{
		Score:  float64(c.PointsAfter),
		Member: c.SubjectID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: zadd %s: %w", m.key, err)
	}
	return nil
}

// Top returns the n highest members.
func (m *LeaderboardMirror) Top(ctx context.Context, n int) ([]MirrorEntry, error) {
	if n < 1 {
		return nil, nil
	}
	zs, err := m.client.ZRevRangeWithScores(ctx, m.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: zrevrange %s: %w", m.key, err)
	}
	out := make([]MirrorEntry, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		out[i] = MirrorEntry{SubjectID: member, Points: int64(z.Score)}
	}
	return out, nil
}
