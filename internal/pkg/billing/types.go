package billing

import (
	"time"

	"github.com/omnitool-app/omnitool/internal/pkg/payment"
)

// InboundEvent is the normalized, already-verified shape of a provider
// webhook delivery. Controllers verify signatures and decrypt payloads
// before building one; the service never sees raw provider encodings.
type InboundEvent struct {
	Provider  payment.Method
	EventID   string // synthesized from the payload hash when empty
	EventType string
	// ProviderRef identifies the order at the provider (session id,
	// out_trade_no); TxnID is the settled provider transaction id when
	// the event carries one.
	ProviderRef string
	TxnID       string
	PayloadJSON string
	// SignatureValid is set by the controller after verification. An
	// unverified event is ledgered as failed and never applied.
	SignatureValid bool

	// Completion details carried by the event itself; first link of the
	// amount/metadata fallback chain.
	Completed bool
	Amount    float64
	Currency  string
	UserID    uint
	UserEmail string
	PlanID    string
	Cycle     string
	// Receipt is set by the apple provider path only.
	Receipt string
}

// EventOutcome reports what the ledger decided for one delivery.
type EventOutcome struct {
	Duplicate bool
	Ignored   bool
	Failed    bool
	Applied   *AppliedSnapshot
}

// AppliedSnapshot mirrors the entitlement state after an application.
type AppliedSnapshot struct {
	AlreadyProcessed bool       `json:"alreadyProcessed"`
	TransactionID    string     `json:"transactionId"`
	SubscriptionTier string     `json:"subscriptionTier"`
	NewExpireAt      *time.Time `json:"newExpireAt,omitempty"`
	NewCredits       int64      `json:"newCredits"`
}

// ConfirmResponse is the confirmation endpoint's body. The snapshot
// fields sit at the top level next to success, not nested.
type ConfirmResponse struct {
	Success bool `json:"success"`
	AppliedSnapshot
}

// CheckoutRequest initiates a purchase.
type CheckoutRequest struct {
	Method    string `json:"method" validate:"required,oneof=stripe alipay wechat"`
	UserID    uint   `json:"user_id"`
	UserEmail string `json:"user_email" validate:"omitempty,email"`
	PlanID    string `json:"plan_id" validate:"required,oneof=pro max"`
	Cycle     string `json:"billing_cycle" validate:"required,oneof=monthly yearly"`
	ReturnURL string `json:"return_url" validate:"omitempty,url"`
}

// CheckoutResponse carries what the client needs to continue the flow.
type CheckoutResponse struct {
	PaymentID   string `json:"paymentId"`
	RedirectURL string `json:"redirectUrl,omitempty"`
	QRCode      string `json:"qrCode,omitempty"`
}

// ConfirmRequest is the client-triggered confirmation used when no
// reliable webhook exists for the provider, or as a race-safe fallback to
// one. Exactly one provider reference is expected.
type ConfirmRequest struct {
	Method      string `json:"method" validate:"required,oneof=stripe alipay wechat apple"`
	SessionID   string `json:"session_id"`
	OutTradeNo  string `json:"out_trade_no"`
	ReceiptData string `json:"receipt_data"`
	UserID      uint   `json:"user_id"`
	UserEmail   string `json:"user_email" validate:"omitempty,email"`
	PlanID      string `json:"plan_id"`
	Cycle       string `json:"billing_cycle" validate:"omitempty,oneof=monthly yearly"`
}

// ProviderRefOf picks the provider reference for the request's method.
func (r *ConfirmRequest) ProviderRefOf() string {
	switch payment.Method(r.Method) {
	case payment.MethodStripe:
		return r.SessionID
	case payment.MethodApple:
		return r.ReceiptData
	default:
		return r.OutTradeNo
	}
}

// OrderStatus is the poll answer for QR/push-payment checkouts.
type OrderStatus struct {
	Status        string `json:"status"`
	TradeState    string `json:"tradeState,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	// Applied flips true exactly once per payment, no matter how often
	// the client polls after completion.
	Applied bool `json:"membershipApplied"`
}

// AppleStatus is the oracle answer. Source distinguishes the provider's
// live answer from the cached fallback snapshot.
type AppleStatus struct {
	ExpiresAt       time.Time `json:"expiresAt"`
	AutoRenewStatus bool      `json:"autoRenewStatus"`
	DaysLeft        int       `json:"daysLeft"`
	IsExpired       bool      `json:"isExpired"`
	Source          string    `json:"source"`
}

// Oracle sources.
const (
	SourceLive   = "live"
	SourceCached = "cached"
)
