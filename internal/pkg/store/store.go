package store

import (
	"context"
	"errors"

	"github.com/omnitool-app/omnitool/app/models"
	"github.com/omnitool-app/omnitool/internal/pkg/config"
)

var (
	// ErrNotFound is returned when no record matches the natural key.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate is returned when an insert hits a unique natural key.
	// Callers treat it as "already processed", not as a hard failure.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Store is the backend-agnostic datastore contract. It is implemented once
// per regional backend (MySQL for global, MongoDB for CN) with matching
// semantics; every other component is backend-agnostic.
//
// Neither backend offers cross-collection transactions here, so uniqueness
// is enforced by check-then-act on natural keys (transaction id, reference
// id, provider event id) with a uniqueness violation on insert mapped to
// ErrDuplicate.
type Store interface {
	Backend() string

	GetUserByID(ctx context.Context, id uint) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	// SaveUserProfile overwrites the derived entitlement projection fields.
	SaveUserProfile(ctx context.Context, user *models.User) error

	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentByID(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByProviderRef(ctx context.Context, method, providerRef string) (*models.Payment, error)
	GetPaymentByProviderTxn(ctx context.Context, method, txnID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error

	GetSubscription(ctx context.Context, userID uint, planID string) (*models.Subscription, error)
	GetSubscriptionByTxn(ctx context.Context, provider, txnID string) (*models.Subscription, error)
	GetUserSubscriptionByProvider(ctx context.Context, userID uint, provider string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, s *models.Subscription) error

	GetCreditTransactionByReference(ctx context.Context, referenceID string) (*models.CreditTransaction, error)
	// AppendCreditTransaction appends one ledger entry. It returns false
	// without error when the reference id already exists.
	AppendCreditTransaction(ctx context.Context, t *models.CreditTransaction) (bool, error)
	CreditBalance(ctx context.Context, userID uint) (int64, error)

	// CreateWebhookEventIfNotExists inserts the ledger entry unless the
	// (provider, provider event id) pair is already present. The bool
	// reports whether a new entry was created; the returned event is the
	// stored one either way.
	CreateWebhookEventIfNotExists(ctx context.Context, ev *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, ev *models.WebhookEvent) error
}

// New selects the regional backend from configuration. The selection
// happens exactly once at startup; the returned Store is the only shared
// long-lived resource in the process and is safe for concurrent use.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.IsCN() {
		return NewMongoStore(ctx, cfg.Mongo)
	}
	return NewMySQLStore(cfg.MySQL)
}
