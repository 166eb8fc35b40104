package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnitool-app/omnitool/app/models"
	"github.com/omnitool-app/omnitool/internal/pkg/payment"
	"github.com/omnitool-app/omnitool/internal/pkg/store"
)

type fakeQuerier struct {
	expiresAt time.Time
	autoRenew bool
	err       error
	calls     int
}

func (f *fakeQuerier) VerifyStatus(_ context.Context, _ string) (time.Time, bool, error) {
	f.calls++
	return f.expiresAt, f.autoRenew, f.err
}

type fakeStatusCache struct {
	entries map[string]string
	setErr  error
}

func newFakeStatusCache() *fakeStatusCache {
	return &fakeStatusCache{entries: map[string]string{}}
}

func (f *fakeStatusCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	switch v := value.(type) {
	case []byte:
		f.entries[key] = string(v)
	case string:
		f.entries[key] = v
	}
	return nil
}

func (f *fakeStatusCache) Get(_ context.Context, key string) (string, error) {
	if v, ok := f.entries[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("cache miss: %s", key)
}

func seedAppleSubscription(m *memStore, receipt string) {
	m.subs = append(m.subs, &models.Subscription{
		UserID:          42,
		PlanID:          "pro",
		Status:          models.SubscriptionStatusActive,
		Provider:        models.MethodApple,
		ProviderTxnID:   "1000000123",
		ProviderReceipt: receipt,
	})
}

func TestAppleStatusLive(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	seedAppleSubscription(m, "base64-receipt")

	querier := &fakeQuerier{expiresAt: time.Now().Add(12 * 24 * time.Hour), autoRenew: true}
	cache := newFakeStatusCache()
	oracle := NewOracle(m, querier, cache)

	status, err := oracle.AppleStatus(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, SourceLive, status.Source)
	assert.True(t, status.AutoRenewStatus)
	assert.False(t, status.IsExpired)
	assert.Equal(t, 11, status.DaysLeft)
	assert.NotEmpty(t, cache.entries, "live answer should be snapshotted")

	// The datastore never learns the expiry.
	assert.Nil(t, m.subs[0].CurrentPeriodEnd)
}

func TestAppleStatusExpired(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	seedAppleSubscription(m, "base64-receipt")

	querier := &fakeQuerier{expiresAt: time.Now().Add(-24 * time.Hour)}
	oracle := NewOracle(m, querier, newFakeStatusCache())

	status, err := oracle.AppleStatus(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, status.IsExpired)
	assert.Equal(t, 0, status.DaysLeft)
}

func TestAppleStatusFallsBackToCache(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	seedAppleSubscription(m, "base64-receipt")
	cache := newFakeStatusCache()

	// First ask succeeds and warms the cache.
	querier := &fakeQuerier{expiresAt: time.Now().Add(20 * 24 * time.Hour), autoRenew: true}
	oracle := NewOracle(m, querier, cache)
	_, err := oracle.AppleStatus(context.Background(), 42)
	require.NoError(t, err)

	// Second ask hits an outage and degrades to the snapshot.
	querier.err = fmt.Errorf("verify: connection refused: %w", payment.ErrProviderUnavailable)
	status, err := oracle.AppleStatus(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, SourceCached, status.Source)
	assert.True(t, status.AutoRenewStatus)
	assert.False(t, status.IsExpired)
}

func TestAppleStatusOutageWithoutCacheFails(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	seedAppleSubscription(m, "base64-receipt")

	querier := &fakeQuerier{err: fmt.Errorf("verify: timeout: %w", payment.ErrProviderUnavailable)}
	oracle := NewOracle(m, querier, newFakeStatusCache())

	_, err := oracle.AppleStatus(context.Background(), 42)
	assert.ErrorIs(t, err, payment.ErrProviderUnavailable)
}

func TestAppleStatusNoSubscription(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	oracle := NewOracle(m, &fakeQuerier{}, newFakeStatusCache())

	_, err := oracle.AppleStatus(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppleStatusNoReceiptOnFile(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	seedAppleSubscription(m, "")
	oracle := NewOracle(m, &fakeQuerier{}, newFakeStatusCache())

	_, err := oracle.AppleStatus(context.Background(), 42)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
