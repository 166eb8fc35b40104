package models

import "time"

// Payment method tags. Call sites dispatch on these instead of branching on
// provider specifics inline.
const (
	MethodStripe = "stripe"
	MethodAlipay = "alipay"
	MethodWechat = "wechat"
	MethodApple  = "apple"
)

// Payment statuses. A payment only ever leaves pending, it never re-enters it.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

// Billing cycles.
const (
	CycleMonthly = "monthly"
	CycleYearly  = "yearly"
	CycleUnknown = "unknown"
)

// Payment records one purchase attempt. It is created at checkout
// initiation with status pending and finalized exactly once by either the
// webhook path or the confirmation resolver.
//
// PlanID, BillingCycle and DurationDays are typed fields; MetadataJSON is
// retained for diagnostic context only and never drives entitlements.
//
// ProviderRef is the identifier the client carries through the checkout
// flow (checkout session id, merchant order no); ProviderTxnID is the
// provider's settled transaction id. The two start equal for providers
// that reuse the order number and diverge for card checkouts.
type Payment struct {
	ID            string     `gorm:"primaryKey;type:varchar(64)" bson:"payment_id" json:"id"`
	Region        string     `gorm:"type:varchar(16);not null;default:''" bson:"region" json:"region"`
	UserID        uint       `gorm:"index" bson:"user_id" json:"user_id"`
	UserEmail     string     `gorm:"type:varchar(200);index" bson:"user_email" json:"user_email"`
	PlanID        string     `gorm:"type:varchar(50);not null;default:''" bson:"plan_id" json:"plan_id"`
	BillingCycle  string     `gorm:"type:varchar(16);not null;default:'unknown'" bson:"billing_cycle" json:"billing_cycle"`
	Amount        float64    `gorm:"type:decimal(10,2)" bson:"amount" json:"amount"`
	Currency      string     `gorm:"type:varchar(8);not null;default:'USD'" bson:"currency" json:"currency"`
	Method        string     `gorm:"type:varchar(20);not null;index" bson:"method" json:"method"`
	ProviderRef   string     `gorm:"type:varchar(191);index" bson:"provider_ref" json:"provider_ref"`
	ProviderTxnID string     `gorm:"type:varchar(191);index" bson:"provider_txn_id" json:"provider_txn_id"`
	Status        string     `gorm:"type:varchar(20);not null;default:'pending';index" bson:"status" json:"status"`
	DurationDays  int        `gorm:"default:0" bson:"duration_days" json:"duration_days"`
	MetadataJSON  string     `gorm:"type:text" bson:"metadata_json" json:"metadata_json,omitempty"`
	CompletedAt   *time.Time `gorm:"type:timestamp;default:null" bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" bson:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the payment reached a final state.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}
