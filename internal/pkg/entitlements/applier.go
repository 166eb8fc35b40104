package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/omnitool-app/omnitool/app/models"
	"github.com/omnitool-app/omnitool/internal/pkg/store"
)

var (
	// ErrUserNotFound is returned when neither the user id nor the email
	// reference resolves.
	ErrUserNotFound = errors.New("entitlements: user not found")
	// ErrProfileSync is returned when the subscription/credit writes
	// succeeded but the derived profile projection could not be written.
	// Callers retry the derived write without re-granting.
	ErrProfileSync = errors.New("entitlements: profile projection sync failed")
)

// Grant is one entitlement application request. ProviderTxnID doubles as
// the idempotency key: applying the same grant twice is a no-op.
type Grant struct {
	UserID        uint
	UserEmail     string
	Provider      string
	ProviderTxnID string
	PlanID        string
	BillingCycle  string
	// DurationDays overrides the cycle-derived period when positive
	// (pre-agreed duration carried on the payment record).
	DurationDays int
	Credits      int64
	Amount       float64
	// ProviderReceipt is stored for the apple provider so the status
	// oracle can re-verify against the store on demand.
	ProviderReceipt string
}

// Applied is the entitlement snapshot after (or instead of) an application.
type Applied struct {
	AlreadyProcessed bool
	Tier             string
	NewExpireAt      *time.Time
	NewCredits       int64
}

// Applier is the single component allowed to mutate subscription and
// credit state. Both the webhook path and the confirmation resolver funnel
// through Apply, so there is exactly one code path that can ever grant.
type Applier struct {
	store store.Store
}

func NewApplier(s store.Store) *Applier {
	return &Applier{store: s}
}

// Apply grants the entitlement described by g exactly once.
//
// Steps: (1) idempotency guard on the provider transaction id, (2) expiry
// extension from max(currentExpiry, now), (3) subscription upsert,
// (4) credit ledger append keyed by the transaction id, (5) profile
// projection recompute. Concurrent calls with the same transaction id both
// succeed but only one performs the state-changing writes.
func (a *Applier) Apply(ctx context.Context, g Grant) (*Applied, error) {
	if g.ProviderTxnID == "" {
		return nil, errors.New("entitlements: provider transaction id is required")
	}

	user, err := a.resolveUser(ctx, g)
	if err != nil {
		return nil, err
	}

	plan := NormalizePlan(g.PlanID)
	if plan == PlanFree {
		return nil, fmt.Errorf("entitlements: plan %q is not grantable", g.PlanID)
	}

	if applied, err := a.alreadyApplied(ctx, user, g, plan); err != nil {
		return nil, err
	} else if applied != nil {
		return applied, nil
	}

	now := time.Now()
	sub, err := a.store.GetSubscription(ctx, user.ID, string(plan))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if sub == nil {
		sub = &models.Subscription{UserID: user.ID, PlanID: string(plan)}
	}

	sub.Status = models.SubscriptionStatusActive
	sub.Provider = g.Provider

	var newExpiry *time.Time
	if g.Provider == models.MethodApple {
		// The store is authoritative for in-app-purchase expiry; no
		// local period end is ever written for this provider. The first
		// transaction id sticks so renewals, which only carry the
		// original id, can still find this row.
		if sub.ProviderTxnID == "" {
			sub.ProviderTxnID = g.ProviderTxnID
		}
		sub.CurrentPeriodStart = &now
		sub.CurrentPeriodEnd = nil
		if g.ProviderReceipt != "" {
			sub.ProviderReceipt = g.ProviderReceipt
		}
	} else {
		sub.ProviderTxnID = g.ProviderTxnID
		expiry := extendExpiry(sub.CurrentPeriodEnd, now, a.durationFor(g))
		sub.CurrentPeriodStart = &now
		sub.CurrentPeriodEnd = &expiry
		newExpiry = &expiry
	}

	if err := a.store.UpsertSubscription(ctx, sub); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent request with the same transaction id won the
			// race; observe its result instead of failing.
			return a.snapshot(ctx, user.ID, plan, true)
		}
		return nil, err
	}

	if g.Credits > 0 {
		created, err := a.store.AppendCreditTransaction(ctx, &models.CreditTransaction{
			UserID:      user.ID,
			Amount:      g.Credits,
			Type:        models.CreditTypePurchase,
			ReferenceID: creditReference(g.Provider, g.ProviderTxnID),
			Description: fmt.Sprintf("%s %s credits (%s)", plan, g.BillingCycle, g.Provider),
		})
		if err != nil {
			return nil, err
		}
		if !created {
			log.Warnf("credit grant for txn %s already ledgered, skipping", g.ProviderTxnID)
		}
	}

	balance, err := a.store.CreditBalance(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrProfileSync)
	}

	if err := a.SyncProfile(ctx, user, plan, newExpiry, balance); err != nil {
		return &Applied{Tier: string(plan), NewExpireAt: newExpiry, NewCredits: balance},
			fmt.Errorf("%v: %w", err, ErrProfileSync)
	}

	log.Infof("entitlement applied: user=%d plan=%s txn=%s expiry=%v credits=%d",
		user.ID, plan, g.ProviderTxnID, newExpiry, balance)
	return &Applied{Tier: string(plan), NewExpireAt: newExpiry, NewCredits: balance}, nil
}

// SyncProfile recomputes and overwrites the derived user projection from
// the just-written source records. Safe to call repeatedly.
func (a *Applier) SyncProfile(ctx context.Context, user *models.User, plan Plan, expiry *time.Time, balance int64) error {
	user.SubscriptionTier = string(plan)
	user.Credits = balance
	user.ProExpireAt = expiry
	user.IsPro = plan != PlanFree && (expiry == nil || expiry.After(time.Now()))
	return a.store.SaveUserProfile(ctx, user)
}

func (a *Applier) resolveUser(ctx context.Context, g Grant) (*models.User, error) {
	if g.UserID != 0 {
		user, err := a.store.GetUserByID(ctx, g.UserID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if g.UserEmail != "" {
		user, err := a.store.GetUserByEmail(ctx, g.UserEmail)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrUserNotFound
}

// alreadyApplied is the idempotency guard: any subscription or credit
// ledger entry tagged with this transaction id means the grant already
// happened, and the stored snapshot is returned unchanged.
func (a *Applier) alreadyApplied(ctx context.Context, user *models.User, g Grant, plan Plan) (*Applied, error) {
	sub, err := a.store.GetSubscriptionByTxn(ctx, g.Provider, g.ProviderTxnID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if sub != nil {
		return a.snapshot(ctx, user.ID, NormalizePlan(sub.PlanID), true)
	}

	credit, err := a.store.GetCreditTransactionByReference(ctx, creditReference(g.Provider, g.ProviderTxnID))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if credit != nil {
		return a.snapshot(ctx, user.ID, plan, true)
	}
	return nil, nil
}

func (a *Applier) snapshot(ctx context.Context, userID uint, plan Plan, alreadyProcessed bool) (*Applied, error) {
	balance, err := a.store.CreditBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	applied := &Applied{AlreadyProcessed: alreadyProcessed, Tier: string(plan), NewCredits: balance}
	sub, err := a.store.GetSubscription(ctx, userID, string(plan))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if sub != nil {
		applied.NewExpireAt = sub.CurrentPeriodEnd
	}
	return applied, nil
}

func (a *Applier) durationFor(g Grant) time.Duration {
	days := g.DurationDays
	if days <= 0 {
		days = DurationDays(g.BillingCycle)
	}
	return time.Duration(days) * 24 * time.Hour
}

// extendExpiry implements extension-not-replacement: renewing before
// expiry adds to the remaining time, a lapsed renewal restarts from now.
func extendExpiry(current *time.Time, now time.Time, period time.Duration) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.Add(period)
}

func creditReference(provider, txnID string) string {
	return provider + ":" + txnID
}
