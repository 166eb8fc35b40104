package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/omnitool-app/omnitool/app/models"
	"github.com/omnitool-app/omnitool/internal/pkg/payment"
	"github.com/omnitool-app/omnitool/internal/pkg/store"
)

// StatusCache is the snapshot cache contract the oracle needs; the redis
// cache satisfies it.
type StatusCache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

const (
	appleStatusCacheKey = "apple_status:%d"
	appleStatusCacheTTL = 24 * time.Hour
)

// Oracle answers on-demand in-app-purchase status questions. The store is
// authoritative for this provider, so the oracle re-verifies the saved
// receipt on every ask and never writes an expiry back to the datastore.
// When the store is unreachable it degrades to the last cached snapshot,
// labeled as such.
type Oracle struct {
	store   store.Store
	querier payment.AppleStatusQuerier
	cache   StatusCache
}

func NewOracle(s store.Store, querier payment.AppleStatusQuerier, c StatusCache) *Oracle {
	return &Oracle{store: s, querier: querier, cache: c}
}

// AppleStatus returns the live renewal state for the user's in-app
// subscription, or the cached snapshot when the store cannot be reached.
func (o *Oracle) AppleStatus(ctx context.Context, userID uint) (*AppleStatus, error) {
	sub, err := o.store.GetUserSubscriptionByProvider(ctx, userID, models.MethodApple)
	if err != nil {
		return nil, err
	}
	if sub.ProviderReceipt == "" {
		return nil, fmt.Errorf("no receipt on file for user %d: %w", userID, store.ErrNotFound)
	}

	expiresAt, autoRenew, err := o.querier.VerifyStatus(ctx, sub.ProviderReceipt)
	if err != nil {
		if errors.Is(err, payment.ErrProviderUnavailable) {
			if cached := o.cachedStatus(ctx, userID); cached != nil {
				log.Warnf("apple status degraded to cache for user %d: %v", userID, err)
				return cached, nil
			}
		}
		return nil, err
	}

	status := &AppleStatus{
		ExpiresAt:       expiresAt,
		AutoRenewStatus: autoRenew,
		DaysLeft:        daysLeft(expiresAt),
		IsExpired:       !expiresAt.After(time.Now()),
		Source:          SourceLive,
	}
	o.cacheStatus(ctx, userID, status)
	return status, nil
}

func (o *Oracle) cacheStatus(ctx context.Context, userID uint, status *AppleStatus) {
	if o.cache == nil {
		return
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := o.cache.Set(ctx, fmt.Sprintf(appleStatusCacheKey, userID), payload, appleStatusCacheTTL); err != nil {
		log.Warnf("apple status cache write failed for user %d: %v", userID, err)
	}
}

func (o *Oracle) cachedStatus(ctx context.Context, userID uint) *AppleStatus {
	if o.cache == nil {
		return nil
	}
	raw, err := o.cache.Get(ctx, fmt.Sprintf(appleStatusCacheKey, userID))
	if err != nil {
		return nil
	}
	var status AppleStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil
	}
	// Recompute the derived fields against now; the snapshot may be old.
	status.DaysLeft = daysLeft(status.ExpiresAt)
	status.IsExpired = !status.ExpiresAt.After(time.Now())
	status.Source = SourceCached
	return &status
}

func daysLeft(expiresAt time.Time) int {
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Hours() / 24)
}
