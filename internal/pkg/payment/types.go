package payment

import "errors"

// Method identifies a payment provider. It matches the method tags stored
// on Payment records.
type Method string

const (
	MethodStripe Method = "stripe"
	MethodAlipay Method = "alipay"
	MethodWechat Method = "wechat"
	MethodApple  Method = "apple"
)

// Error taxonomy shared by all providers. Handlers map these to the HTTP
// boundary: ErrProviderUnavailable is retryable (5xx), ErrNotCompleted is
// user-visible (400, no mutation), ErrConfigMissing fails fast (503) and
// never degrades silently, ErrVerification is fatal for the request and
// logged as a security event.
var (
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrNotCompleted        = errors.New("payment not completed")
	ErrConfigMissing       = errors.New("payment provider not configured")
	ErrVerification        = errors.New("webhook verification failed")
)

// OrderRequest describes a checkout order to create with a provider.
type OrderRequest struct {
	PaymentID    string
	UserID       uint
	UserEmail    string
	PlanID       string
	BillingCycle string
	Amount       float64
	Currency     string
	Description  string
	ReturnURL    string
}

// OrderResponse carries whatever the client needs to continue the flow:
// a redirect target for card/wallet checkouts or a QR payload for
// push-payment.
type OrderResponse struct {
	RedirectURL string
	QRCode      string
	ProviderRef string
}

// Result is the normalized outcome of a capture or query call. Every
// provider's success vocabulary (COMPLETED, TRADE_SUCCESS, paid, a valid
// Apple receipt) collapses into Completed.
type Result struct {
	Completed     bool
	TradeState    string
	ProviderTxnID string
	Amount        float64
	Currency      string
	// ExpiresAt is only set by providers that report entitlement expiry
	// themselves (apple); zero otherwise.
	ExpiresAtMs int64
}
