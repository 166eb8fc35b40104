package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusDisabled = "disabled"
)

// User is the account record. Authentication and session issuance happen
// upstream; this service only reads identity and maintains the derived
// entitlement projection (pro flag, tier, expiry, credit balance).
//
// The projection fields are recomputed from Subscription and
// CreditTransaction rows after every entitlement application and are never
// treated as authoritative.
type User struct {
	ID               uint           `gorm:"primaryKey" bson:"user_id" json:"id"`
	Name             string         `gorm:"type:varchar(150)" bson:"name" json:"name"`
	Email            string         `gorm:"uniqueIndex;type:varchar(200)" bson:"email" json:"email"`
	Status           string         `gorm:"type:varchar(50);default:'active'" bson:"status" json:"status"`
	IsPro            bool           `gorm:"default:false;index" bson:"is_pro" json:"is_pro"`
	SubscriptionTier string         `gorm:"type:varchar(50);default:'free'" bson:"subscription_tier" json:"subscription_tier"`
	ProExpireAt      *time.Time     `gorm:"type:timestamp;default:null" bson:"pro_expire_at,omitempty" json:"pro_expire_at,omitempty"`
	Credits          int64          `gorm:"default:0" bson:"credits" json:"credits"`
	CreatedAt        time.Time      `gorm:"autoCreateTime" bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" bson:"updated_at" json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" bson:"-" json:"-"`
}

// HasActivePro reports whether the projected subscription is currently live.
func (u *User) HasActivePro(now time.Time) bool {
	return u.IsPro && u.ProExpireAt != nil && u.ProExpireAt.After(now)
}

// NormalizeEmail lowercases and trims an email used as a user reference.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
