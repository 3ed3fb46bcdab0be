package sheet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SnapshotCache keeps parsed sheet snapshots in Redis for a short TTL so the
// read endpoints do not reopen the workbook on every request. Cache failures
// degrade to a direct file read.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewSnapshotCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *SnapshotCache {
	return &SnapshotCache{client: client, ttl: ttl, logger: logger}
}

func (c *SnapshotCache) Get(ctx context.Context, key string) ([]map[string]string, bool) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("snapshot cache read", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var rows []map[string]string
	if err := json.Unmarshal(payload, &rows); err != nil {
		c.logger.Warn("snapshot cache decode", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return rows, true
}

func (c *SnapshotCache) Set(ctx context.Context, key string, rows []map[string]string) {
	payload, err := json.Marshal(rows)
	if err != nil {
		c.logger.Warn("snapshot cache encode", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("snapshot cache write", zap.String("key", key), zap.Error(err))
	}
}

func (c *SnapshotCache) Invalidate(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("snapshot cache invalidate", zap.String("key", key), zap.Error(err))
	}
}
