package models

import "time"

// Webhook event ledger statuses.
const (
	WebhookStatusReceived   = "received"
	WebhookStatusProcessing = "processing"
	WebhookStatusProcessed  = "processed"
	WebhookStatusFailed     = "failed"
	WebhookStatusIgnored    = "ignored"
)

// WebhookEvent is one deduplicated inbound provider notification. The
// unique (provider, provider_event_id) index is what makes at-least-once
// provider delivery safe: a second delivery of the same event id
// short-circuits to a no-op success without touching entitlements.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" bson:"-" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1" bson:"provider" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_webhook_events_provider_event,unique,priority:2" bson:"provider_event_id" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" bson:"event_type" json:"event_type"`
	TxnID           string     `gorm:"type:varchar(191);index" bson:"txn_id" json:"txn_id"`
	Status          string     `gorm:"type:varchar(20);not null;default:'received';index" bson:"status" json:"status"`
	PayloadJSON     string     `gorm:"type:longtext" bson:"payload_json" json:"payload_json"`
	ErrorMessage    string     `gorm:"type:text" bson:"error_message" json:"error_message"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" bson:"processed_at,omitempty" json:"processed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" bson:"updated_at" json:"updated_at"`
}
