package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/omnitool-app/omnitool/internal/pkg/config"
)

// Cache wraps the redis client. It is constructed once at startup and
// injected; the payment core only uses it for non-authoritative snapshots
// (the in-app-purchase oracle fallback, short-lived QR status), so a cache
// outage degrades freshness, never correctness.
type Cache struct {
	client *redis.Client
}

// New connects to redis. Connection failure is logged, not fatal.
func New(cfg config.RedisConfig) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("cache unreachable: %v", err)
	}
	return &Cache{client: client}
}

// NewFromClient wraps an existing client (used by tests with miniature
// redis fakes).
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// HIncrBy increments a hash field, used for operational counters.
func (c *Cache) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	return c.client.HIncrBy(ctx, key, field, incr).Err()
}

// HGetAll reads a whole counter hash.
func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}
