package catalog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores last-known prices and stock levels on the forecourt redis.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisCache returns redis-backed cache.
func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func priceKey(fuel string) string { return fmt.Sprintf("catalog:price:%s", fuel) }
func stockKey(fuel string) string { return fmt.Sprintf("catalog:stock:%s", fuel) }

// GetPrice returns cached price.
func (c *RedisCache) GetPrice(ctx context.Context, key string) (float64, error) {
	return c.get(ctx, priceKey(key))
}

// SetPrice caches price.
func (c *RedisCache) SetPrice(ctx context.Context, key string, price float64) error {
	return c.set(ctx, priceKey(key), price)
}

// GetStock returns cached stock.
func (c *RedisCache) GetStock(ctx context.Context, key string) (float64, error) {
	return c.get(ctx, stockKey(key))
}

// SetStock caches stock.
func (c *RedisCache) SetStock(ctx context.Context, key string, liters float64) error {
	return c.set(ctx, stockKey(key), liters)
}

func (c *RedisCache) get(ctx context.Context, key string) (float64, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

func (c *RedisCache) set(ctx context.Context, key string, v float64) error {
	return c.client.Set(ctx, key, strconv.FormatFloat(v, 'f', -1, 64), c.ttl).Err()
}
