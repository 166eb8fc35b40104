package models

import "time"

// Credit transaction types.
const (
	CreditTypePurchase   = "purchase"
	CreditTypeConsume    = "consume"
	CreditTypeAdjustment = "adjustment"
)

// CreditTransaction is an append-only ledger entry. ReferenceID is unique
// per logical grant, which is how re-processing of the same provider
// transaction is detected.
type CreditTransaction struct {
	ID          uint      `gorm:"primaryKey" bson:"-" json:"id"`
	UserID      uint      `gorm:"not null;index" bson:"user_id" json:"user_id"`
	Amount      int64     `gorm:"not null" bson:"amount" json:"amount"`
	Type        string    `gorm:"type:varchar(20);not null;index" bson:"type" json:"type"`
	ReferenceID string    `gorm:"type:varchar(191);not null;uniqueIndex" bson:"reference_id" json:"reference_id"`
	Description string    `gorm:"type:varchar(255)" bson:"description" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" bson:"created_at" json:"created_at"`
}
