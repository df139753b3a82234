package pricing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PriceCache holds category prices near the terminals. All methods are
// best-effort: the resolver treats cache failures as misses.
type PriceCache interface {
	Get(ctx context.Context, category string) (int64, bool, error)
	Set(ctx context.Context, category string, priceCents int64, ttl time.Duration) error
	Invalidate(ctx context.Context, category string) error
}

type NoopPriceCache struct{}

func (NoopPriceCache) Get(context.Context, string) (int64, bool, error) { return 0, false, nil }
func (NoopPriceCache) Set(context.Context, string, int64, time.Duration) error {
	return nil
}
func (NoopPriceCache) Invalidate(context.Context, string) error { return nil }

type RedisPriceCache struct {
	client *redis.Client
}

func NewRedisPriceCache(ctx context.Context, addr string, password string, db int) (*RedisPriceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisPriceCache{client: client}, nil
}

func (c *RedisPriceCache) Close() error {
	return c.client.Close()
}

func priceKey(category string) string {
	return fmt.Sprintf("price_list:%s", category)
}

func (c *RedisPriceCache) Get(ctx context.Context, category string) (int64, bool, error) {
	raw, err := c.client.Get(ctx, priceKey(category)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	price, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Stale or foreign value under our key; treat as a miss.
		return 0, false, nil
	}
	return price, true, nil
}

func (c *RedisPriceCache) Set(ctx context.Context, category string, priceCents int64, ttl time.Duration) error {
	return c.client.Set(ctx, priceKey(category), strconv.FormatInt(priceCents, 10), ttl).Err()
}

func (c *RedisPriceCache) Invalidate(ctx context.Context, category string) error {
	return c.client.Del(ctx, priceKey(category)).Err()
}
