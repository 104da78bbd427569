package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pragati/contracts/db"
)

// RedisCache memoizes state summaries in redis. Any redis failure is treated
// as a cache miss so the aggregator keeps serving from storage.
type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCache{rdb: rdb, ttl: ttl, logger: logger}
}

func summaryKey(stateID string) string {
	return fmt.Sprintf("rollup:state:%s", stateID)
}

func (c *RedisCache) GetStateSummary(ctx context.Context, stateID string) (*db.StateSummary, bool) {
	raw, err := c.rdb.Get(ctx, summaryKey(stateID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("rollup cache read failed", zap.String("state_id", stateID), zap.Error(err))
		}
		return nil, false
	}
	var summary db.StateSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		c.logger.Warn("rollup cache entry corrupt", zap.String("state_id", stateID), zap.Error(err))
		return nil, false
	}
	return &summary, true
}

func (c *RedisCache) SetStateSummary(ctx context.Context, summary *db.StateSummary) {
	raw, err := json.Marshal(summary)
	if err != nil {
		c.logger.Warn("rollup cache marshal failed", zap.String("state_id", summary.StateID), zap.Error(err))
		return
	}
	if err := c.rdb.Set(ctx, summaryKey(summary.StateID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("rollup cache write failed", zap.String("state_id", summary.StateID), zap.Error(err))
	}
}

func (c *RedisCache) InvalidateState(ctx context.Context, stateID string) {
	if err := c.rdb.Del(ctx, summaryKey(stateID)).Err(); err != nil {
		c.logger.Warn("rollup cache invalidation failed", zap.String("state_id", stateID), zap.Error(err))
	}
}
