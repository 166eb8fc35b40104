package entitlements

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnitool-app/omnitool/app/models"
	"github.com/omnitool-app/omnitool/internal/pkg/store"
)

// memStore is a minimal in-memory store.Store used to exercise the applier
// without a database. Uniqueness semantics mirror the real backends.
type memStore struct {
	users           map[uint]*models.User
	payments        map[string]*models.Payment
	subs            []*models.Subscription
	credits         []*models.CreditTransaction
	events          []*models.WebhookEvent
	failProfileSync bool
}

func newMemStore() *memStore {
	return &memStore{users: map[uint]*models.User{}, payments: map[string]*models.Payment{}}
}

func (m *memStore) Backend() string { return "mem" }

func (m *memStore) GetUserByID(_ context.Context, id uint) (*models.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	for _, u := range m.users {
		if u.Email == models.NormalizeEmail(email) {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) SaveUserProfile(_ context.Context, user *models.User) error {
	if m.failProfileSync {
		return errors.New("profile write refused")
	}
	m.users[user.ID] = user
	return nil
}

func (m *memStore) CreatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := m.payments[p.ID]; ok {
		return store.ErrDuplicate
	}
	m.payments[p.ID] = p
	return nil
}

func (m *memStore) GetPaymentByID(_ context.Context, id string) (*models.Payment, error) {
	if p, ok := m.payments[id]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetPaymentByProviderRef(_ context.Context, method, ref string) (*models.Payment, error) {
	for _, p := range m.payments {
		if p.Method == method && p.ProviderRef == ref {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetPaymentByProviderTxn(_ context.Context, method, txnID string) (*models.Payment, error) {
	for _, p := range m.payments {
		if p.Method == method && p.ProviderTxnID == txnID && txnID != "" {
			return p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdatePayment(_ context.Context, p *models.Payment) error {
	m.payments[p.ID] = p
	return nil
}

func (m *memStore) GetSubscription(_ context.Context, userID uint, planID string) (*models.Subscription, error) {
	for _, s := range m.subs {
		if s.UserID == userID && s.PlanID == planID {
			return s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetSubscriptionByTxn(_ context.Context, provider, txnID string) (*models.Subscription, error) {
	for _, s := range m.subs {
		if s.Provider == provider && s.ProviderTxnID == txnID && txnID != "" {
			return s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) GetUserSubscriptionByProvider(_ context.Context, userID uint, provider string) (*models.Subscription, error) {
	for _, s := range m.subs {
		if s.UserID == userID && s.Provider == provider {
			return s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpsertSubscription(_ context.Context, sub *models.Subscription) error {
	for i, s := range m.subs {
		if s.UserID == sub.UserID && s.PlanID == sub.PlanID {
			m.subs[i] = sub
			return nil
		}
	}
	m.subs = append(m.subs, sub)
	return nil
}

func (m *memStore) GetCreditTransactionByReference(_ context.Context, ref string) (*models.CreditTransaction, error) {
	for _, c := range m.credits {
		if c.ReferenceID == ref {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) AppendCreditTransaction(_ context.Context, t *models.CreditTransaction) (bool, error) {
	for _, c := range m.credits {
		if c.ReferenceID == t.ReferenceID {
			return false, nil
		}
	}
	m.credits = append(m.credits, t)
	return true, nil
}

func (m *memStore) CreditBalance(_ context.Context, userID uint) (int64, error) {
	var balance int64
	for _, c := range m.credits {
		if c.UserID == userID {
			balance += c.Amount
		}
	}
	return balance, nil
}

func (m *memStore) CreateWebhookEventIfNotExists(_ context.Context, ev *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	for _, e := range m.events {
		if e.Provider == ev.Provider && e.ProviderEventID == ev.ProviderEventID {
			return false, e, nil
		}
	}
	m.events = append(m.events, ev)
	return true, ev, nil
}

func (m *memStore) UpdateWebhookEvent(_ context.Context, ev *models.WebhookEvent) error {
	for i, e := range m.events {
		if e.Provider == ev.Provider && e.ProviderEventID == ev.ProviderEventID {
			m.events[i] = ev
			return nil
		}
	}
	return store.ErrNotFound
}

func seedUser(m *memStore) *models.User {
	u := &models.User{ID: 42, Email: "jo@example.com", Status: models.StatusActive, SubscriptionTier: "free"}
	m.users[u.ID] = u
	return u
}

func proGrant(txnID string) Grant {
	return Grant{
		UserID:        42,
		Provider:      models.MethodStripe,
		ProviderTxnID: txnID,
		PlanID:        "pro",
		BillingCycle:  models.CycleMonthly,
		Credits:       500,
		Amount:        19.99,
	}
}

func TestApplyCreatesSubscriptionAndCredits(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	applier := NewApplier(m)

	applied, err := applier.Apply(context.Background(), proGrant("pi_1"))
	require.NoError(t, err)
	require.NotNil(t, applied)

	assert.False(t, applied.AlreadyProcessed)
	assert.Equal(t, "pro", applied.Tier)
	assert.EqualValues(t, 500, applied.NewCredits)
	require.NotNil(t, applied.NewExpireAt)

	wantExpiry := time.Now().Add(30 * 24 * time.Hour)
	assert.WithinDuration(t, wantExpiry, *applied.NewExpireAt, time.Minute)

	user := m.users[42]
	assert.True(t, user.IsPro)
	assert.Equal(t, "pro", user.SubscriptionTier)
	assert.EqualValues(t, 500, user.Credits)
}

func TestApplySameTransactionTwiceIsNoOp(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	applier := NewApplier(m)

	first, err := applier.Apply(context.Background(), proGrant("pi_1"))
	require.NoError(t, err)
	second, err := applier.Apply(context.Background(), proGrant("pi_1"))
	require.NoError(t, err)

	assert.False(t, first.AlreadyProcessed)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.NewCredits, second.NewCredits)
	require.Len(t, m.credits, 1)
	require.Len(t, m.subs, 1)
}

func TestApplyExtendsRemainingTime(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	applier := NewApplier(m)

	remaining := time.Now().Add(10 * 24 * time.Hour)
	m.subs = append(m.subs, &models.Subscription{
		UserID:           42,
		PlanID:           "pro",
		Status:           models.SubscriptionStatusActive,
		Provider:         models.MethodStripe,
		ProviderTxnID:    "pi_0",
		CurrentPeriodEnd: &remaining,
	})

	applied, err := applier.Apply(context.Background(), proGrant("pi_1"))
	require.NoError(t, err)
	require.NotNil(t, applied.NewExpireAt)

	// Renewing 10 days before expiry yields 40 days total, not 30.
	want := remaining.Add(30 * 24 * time.Hour)
	assert.WithinDuration(t, want, *applied.NewExpireAt, time.Minute)
}

func TestApplyRestartsAfterLapse(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	applier := NewApplier(m)

	lapsed := time.Now().Add(-90 * 24 * time.Hour)
	m.subs = append(m.subs, &models.Subscription{
		UserID:           42,
		PlanID:           "pro",
		Status:           models.SubscriptionStatusActive,
		Provider:         models.MethodStripe,
		ProviderTxnID:    "pi_0",
		CurrentPeriodEnd: &lapsed,
	})

	applied, err := applier.Apply(context.Background(), proGrant("pi_1"))
	require.NoError(t, err)
	require.NotNil(t, applied.NewExpireAt)

	want := time.Now().Add(30 * 24 * time.Hour)
	assert.WithinDuration(t, want, *applied.NewExpireAt, time.Minute)
}

func TestApplyYearlyCycleUsesYearlyPeriod(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	applier := NewApplier(m)

	g := proGrant("pi_1")
	g.BillingCycle = models.CycleYearly
	g.Credits = 6000

	applied, err := applier.Apply(context.Background(), g)
	require.NoError(t, err)
	require.NotNil(t, applied.NewExpireAt)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), *applied.NewExpireAt, time.Minute)
	assert.EqualValues(t, 6000, applied.NewCredits)
}

func TestApplyAppleStoresNoLocalExpiry(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	applier := NewApplier(m)

	g := proGrant("1000000123")
	g.Provider = models.MethodApple
	g.ProviderReceipt = "base64-receipt"

	applied, err := applier.Apply(context.Background(), g)
	require.NoError(t, err)
	assert.Nil(t, applied.NewExpireAt)

	require.Len(t, m.subs, 1)
	sub := m.subs[0]
	assert.Nil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, "base64-receipt", sub.ProviderReceipt)
	assert.True(t, sub.IsLive(time.Now()))

	// Projection marks the user pro with no expiry to compare against.
	user := m.users[42]
	assert.True(t, user.IsPro)
	assert.Nil(t, user.ProExpireAt)
}

func TestApplyAppleRenewalKeepsOriginalTxnID(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	applier := NewApplier(m)

	initial := proGrant("1000000123")
	initial.Provider = models.MethodApple
	_, err := applier.Apply(context.Background(), initial)
	require.NoError(t, err)

	renewal := proGrant("1000000456")
	renewal.Provider = models.MethodApple
	applied, err := applier.Apply(context.Background(), renewal)
	require.NoError(t, err)

	assert.False(t, applied.AlreadyProcessed)
	assert.EqualValues(t, 1000, applied.NewCredits)
	require.Len(t, m.subs, 1)
	assert.Equal(t, "1000000123", m.subs[0].ProviderTxnID)
}

func TestApplyResolvesUserByEmail(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	applier := NewApplier(m)

	g := proGrant("pi_1")
	g.UserID = 0
	g.UserEmail = "Jo@Example.com"

	applied, err := applier.Apply(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, "pro", applied.Tier)
}

func TestApplyUnknownUser(t *testing.T) {
	applier := NewApplier(newMemStore())

	_, err := applier.Apply(context.Background(), proGrant("pi_1"))
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestApplyRejectsFreePlan(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	applier := NewApplier(m)

	g := proGrant("pi_1")
	g.PlanID = "free"
	if _, err := applier.Apply(context.Background(), g); err == nil {
		t.Fatalf("expected free plan grant to be rejected")
	}
}

func TestApplyRequiresTransactionID(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	applier := NewApplier(m)

	g := proGrant("")
	if _, err := applier.Apply(context.Background(), g); err == nil {
		t.Fatalf("expected missing transaction id to be rejected")
	}
}

func TestApplyProfileSyncFailureKeepsGrant(t *testing.T) {
	m := newMemStore()
	seedUser(m)
	m.failProfileSync = true
	applier := NewApplier(m)

	applied, err := applier.Apply(context.Background(), proGrant("pi_1"))
	require.ErrorIs(t, err, ErrProfileSync)

	// The grant itself is durable and reported despite the failed sync.
	require.NotNil(t, applied)
	assert.EqualValues(t, 500, applied.NewCredits)
	require.Len(t, m.subs, 1)
	require.Len(t, m.credits, 1)
}

func TestExtendExpiry(t *testing.T) {
	now := time.Now()
	period := 30 * 24 * time.Hour

	future := now.Add(5 * 24 * time.Hour)
	if got := extendExpiry(&future, now, period); !got.Equal(future.Add(period)) {
		t.Fatalf("active expiry not extended: got %v", got)
	}

	past := now.Add(-5 * 24 * time.Hour)
	if got := extendExpiry(&past, now, period); !got.Equal(now.Add(period)) {
		t.Fatalf("lapsed expiry not restarted from now: got %v", got)
	}

	if got := extendExpiry(nil, now, period); !got.Equal(now.Add(period)) {
		t.Fatalf("nil expiry not started from now: got %v", got)
	}
}
