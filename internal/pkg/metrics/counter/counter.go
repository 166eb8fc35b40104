package counter

import (
	"context"

	"github.com/gofiber/fiber/v2/log"

	"github.com/omnitool-app/omnitool/internal/pkg/cache"
)

const (
	webhookCountersKey = "payments:counters:webhooks"
	paymentCountersKey = "payments:counters:completed"
)

// Counter accumulates operational counts in redis hashes. Counts are
// best-effort observability; a redis outage is logged and swallowed so it
// can never fail a payment path.
type Counter struct {
	cache *cache.Cache
}

func New(c *cache.Cache) *Counter {
	return &Counter{cache: c}
}

// AddWebhook counts one ledger outcome per provider, e.g. "stripe:processed".
func (c *Counter) AddWebhook(provider, outcome string) {
	c.incr(webhookCountersKey, provider+":"+outcome)
}

// AddCompletedPayment counts one completed payment per method.
func (c *Counter) AddCompletedPayment(method string) {
	c.incr(paymentCountersKey, method)
}

// Snapshot returns the current counter hashes for the health endpoint.
func (c *Counter) Snapshot(ctx context.Context) map[string]map[string]string {
	snapshot := map[string]map[string]string{}
	for name, key := range map[string]string{
		"webhooks":           webhookCountersKey,
		"completed_payments": paymentCountersKey,
	} {
		values, err := c.cache.HGetAll(ctx, key)
		if err != nil {
			log.Warnf("counter snapshot for %s failed: %v", name, err)
			continue
		}
		snapshot[name] = values
	}
	return snapshot
}

func (c *Counter) incr(key, field string) {
	if err := c.cache.HIncrBy(context.Background(), key, field, 1); err != nil {
		log.Warnf("counter increment %s/%s failed: %v", key, field, err)
	}
}
