package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/syntrade/trade-engine/internal/model"
)

// RedisSource reads snapshots from a sorted set scored by unix second. Each
// member is the JSON encoding of one snapshot.
type RedisSource struct {
	rdb       redis.Cmdable
	key       string
	retention time.Duration
}

// NewRedisSource creates a Redis-backed Source and Sink on key. Put trims
// members older than retention; zero keeps everything.
func NewRedisSource(rdb redis.Cmdable, key string, retention time.Duration) *RedisSource {
	return &RedisSource{rdb: rdb, key: key, retention: retention}
}

func (s *RedisSource) Query(ctx context.Context, ts time.Time) ([]model.PriceSnapshot, error) {
	score := strconv.FormatInt(ts.Unix(), 10)
	members, err := s.rdb.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", s.key, err)
	}

	out := make([]model.PriceSnapshot, 0, len(members))
	for _, m := range members {
		var snap model.PriceSnapshot
		if err := json.Unmarshal([]byte(m), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", score, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *RedisSource) Put(ctx context.Context, snap model.PriceSnapshot) error {
	snap.Timestamp = snap.Timestamp.UTC().Truncate(time.Second)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	unix := snap.Timestamp.Unix()
	score := strconv.FormatInt(unix, 10)

	// One member per second: a republished second replaces the old member.
	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, s.key, score, score)
	pipe.ZAdd(ctx, s.key, redis.Z{Score: float64(unix), Member: data})
	if s.retention > 0 {
		cutoff := snap.Timestamp.Add(-s.retention).Unix()
		pipe.ZRemRangeByScore(ctx, s.key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store snapshot %d: %w", unix, err)
	}
	return nil
}
