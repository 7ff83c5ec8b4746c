// Package redis provides redis backed stores for the executor
package redis

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// ProcessedCache remembers source transactions that were already acted on, so that a restart does not
// act on them a second time.
type ProcessedCache struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

func NewProcessedCache(client *redis.Client, expireDuration time.Duration, keyPrefix string) *ProcessedCache {
	return &ProcessedCache{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (c *ProcessedCache) MarkProcessed(ctx context.Context, hash common.Hash) error {
	return c.client.Set(ctx, c.keyPrefix+hash.Hex(), 1, c.expireDuration).Err()
}

func (c *ProcessedCache) IsProcessed(ctx context.Context, hash common.Hash) (bool, error) {
	n, err := c.client.Exists(ctx, c.keyPrefix+hash.Hex()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteAll deletes all the keys in the cache. It can be very slow and should only be used for testing.
func (c *ProcessedCache) DeleteAll(ctx context.Context) error {
	return deleteAll(ctx, c.client, c.keyPrefix)
}

func deleteAll(ctx context.Context, client *redis.Client, prefix string) error {
	keys, err := client.Keys(ctx, prefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return client.Del(ctx, keys...).Err()
}
