package models

import "time"

// Subscription statuses.
const (
	SubscriptionStatusActive   = "active"
	SubscriptionStatusExpired  = "expired"
	SubscriptionStatusCanceled = "canceled"
)

// Subscription is the source-of-truth entitlement record per user+plan.
// It is created on the first successful entitlement application and updated
// in place afterwards; CurrentPeriodEnd is monotonically non-decreasing
// across successful extensions.
//
// For the apple provider no local expiry is stored at all: the record holds
// status active plus the provider transaction id, and expiry is always
// fetched live from the provider (see billing.Oracle).
type Subscription struct {
	ID                 uint       `gorm:"primaryKey" bson:"-" json:"id"`
	UserID             uint       `gorm:"not null;index:ux_subscriptions_user_plan,unique,priority:1" bson:"user_id" json:"user_id"`
	PlanID             string     `gorm:"type:varchar(50);not null;index:ux_subscriptions_user_plan,unique,priority:2" bson:"plan_id" json:"plan_id"`
	Status             string     `gorm:"type:varchar(32);not null;default:'active';index" bson:"status" json:"status"`
	Provider           string     `gorm:"type:varchar(20);not null;index:idx_subscriptions_provider_txn,priority:1" bson:"provider" json:"provider"`
	ProviderTxnID      string     `gorm:"type:varchar(191);not null;index:idx_subscriptions_provider_txn,priority:2" bson:"provider_txn_id" json:"provider_txn_id"`
	ProviderReceipt    string     `gorm:"type:longtext" bson:"provider_receipt,omitempty" json:"-"`
	CurrentPeriodStart *time.Time `gorm:"type:timestamp;default:null" bson:"current_period_start,omitempty" json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `gorm:"type:timestamp;default:null" bson:"current_period_end,omitempty" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `gorm:"default:false" bson:"cancel_at_period_end" json:"cancel_at_period_end"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" bson:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" bson:"updated_at" json:"updated_at"`
}

// IsLive reports whether the subscription currently entitles the user.
// Apple subscriptions have no local period end and count as live while
// their status is active.
func (s *Subscription) IsLive(now time.Time) bool {
	if s.Status != SubscriptionStatusActive {
		return false
	}
	if s.Provider == MethodApple {
		return true
	}
	return s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.After(now)
}
