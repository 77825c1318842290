package activitypub

import (
	"context"
	"errors"
	"time"

	"github.com/deemkeen/threadfed/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisObjectPrefix   = "threadfed:resolver:object:"
	redisNegativePrefix = "threadfed:resolver:negative:"
)

// RedisCache is a Cache shared by several instances through redis.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisCache(client *redis.Client, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, apID string) (domain.Object, bool, error) {
	data, err := c.client.Get(ctx, redisObjectPrefix+apID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	obj, err := decodeObject(data)
	if err != nil {
		// a corrupt entry is a miss
		c.logger.Warn("dropping undecodable cache entry", zap.String("ap_id", apID), zap.Error(err))
		c.client.Del(ctx, redisObjectPrefix+apID)
		return nil, false, nil
	}
	return obj, true, nil
}

func (c *RedisCache) Set(ctx context.Context, obj domain.Object, ttl time.Duration) error {
	data, err := encodeObject(obj)
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisObjectPrefix+obj.APID(), data, ttl)
		pipe.Del(ctx, redisNegativePrefix+obj.APID())
		return nil
	})
	return err
}

func (c *RedisCache) GetNegative(ctx context.Context, apID string) (string, error) {
	reason, err := c.client.Get(ctx, redisNegativePrefix+apID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return reason, err
}

func (c *RedisCache) SetNegative(ctx context.Context, apID string, cause error, ttl time.Duration) error {
	return c.client.Set(ctx, redisNegativePrefix+apID, negativeReason(cause), ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, apID string) error {
	return c.client.Del(ctx, redisObjectPrefix+apID, redisNegativePrefix+apID).Err()
}
