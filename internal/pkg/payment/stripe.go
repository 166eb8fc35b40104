package payment

import (
	"context"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/omnitool-app/omnitool/internal/pkg/config"
)

// stripeProvider is the card checkout provider. The stripe-go SDK owns the
// transport; this type only normalizes its results.
type stripeProvider struct {
	cfg config.StripeConfig
	sc  *client.API
}

// NewStripeProvider builds the card provider from configuration. A missing
// secret key is not an error here; calls fail with ErrConfigMissing so the
// absence surfaces as a 503 at first use instead of a silent degrade.
func NewStripeProvider(cfg config.StripeConfig) Provider {
	p := &stripeProvider{cfg: cfg}
	if cfg.SecretKey != "" {
		p.sc = &client.API{}
		p.sc.Init(cfg.SecretKey, nil)
	}
	return p
}

func (p *stripeProvider) Method() Method { return MethodStripe }

func (p *stripeProvider) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if p.sc == nil {
		return nil, fmt.Errorf("stripe secret key missing: %w", ErrConfigMissing)
	}

	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: ctx},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.ReturnURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(int64(req.Amount * 100)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.AddMetadata("payment_id", req.PaymentID)
	params.AddMetadata("plan_id", req.PlanID)
	params.AddMetadata("billing_cycle", req.BillingCycle)

	sess, err := p.sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, stripeErr("create checkout session", err)
	}
	return &OrderResponse{RedirectURL: sess.URL, ProviderRef: sess.ID}, nil
}

// Capture retrieves the checkout session and normalizes its payment state.
// Stripe settles card checkouts itself, so "capture" is a verification
// read, not a money movement.
func (p *stripeProvider) Capture(ctx context.Context, providerRef string) (*Result, error) {
	if p.sc == nil {
		return nil, fmt.Errorf("stripe secret key missing: %w", ErrConfigMissing)
	}

	sess, err := p.sc.CheckoutSessions.Get(providerRef, &stripe.CheckoutSessionParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return nil, stripeErr("get checkout session", err)
	}

	txnID := sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		txnID = sess.PaymentIntent.ID
	}
	return &Result{
		Completed:     sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		TradeState:    string(sess.PaymentStatus),
		ProviderTxnID: txnID,
		Amount:        float64(sess.AmountTotal) / 100,
		Currency:      strings.ToUpper(string(sess.Currency)),
	}, nil
}

func (p *stripeProvider) Query(ctx context.Context, providerRef string) (*Result, error) {
	return p.Capture(ctx, providerRef)
}

// VerifyStripeWebhook checks the Stripe-Signature header against the raw
// payload and returns the parsed event. No state is mutated on failure.
func VerifyStripeWebhook(payload []byte, signatureHeader, webhookSecret string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrVerification, err)
	}
	return event, nil
}

func stripeErr(op string, err error) error {
	if stripeE, ok := err.(*stripe.Error); ok {
		if stripeE.HTTPStatusCode >= 400 && stripeE.HTTPStatusCode < 500 {
			return fmt.Errorf("stripe %s: %s: %w", op, stripeE.Code, ErrNotCompleted)
		}
	}
	return fmt.Errorf("stripe %s: %v: %w", op, err, ErrProviderUnavailable)
}
