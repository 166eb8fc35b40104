package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/omnitool-app/omnitool/app/models"
	"github.com/omnitool-app/omnitool/internal/pkg/entitlements"
	"github.com/omnitool-app/omnitool/internal/pkg/payment"
	"github.com/omnitool-app/omnitool/internal/pkg/store"
)

// ErrUnattributable is returned when an event cannot be matched to a
// payment record or user reference; the ledger entry is marked failed so
// the delivery can be reconciled manually.
var ErrUnattributable = errors.New("billing: event cannot be attributed to a payment or user")

// Service is the reconciliation core: it owns the webhook event ledger
// state machine and the client-triggered confirmation resolver. Both paths
// funnel into the entitlements.Applier, which is the only component that
// mutates subscription or credit state.
type Service struct {
	store     store.Store
	providers *payment.Registry
	applier   *entitlements.Applier
	region    string
}

func NewService(s store.Store, providers *payment.Registry, applier *entitlements.Applier, region string) *Service {
	return &Service{store: s, providers: providers, applier: applier, region: region}
}

// CreateCheckout creates the pending payment record and the provider
// order. The record is written before the provider call so an abandoned
// checkout is visible, not lost.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResponse, error) {
	method := payment.Method(req.Method)
	provider, err := s.providers.Get(method)
	if err != nil {
		return nil, err
	}

	plan := entitlements.NormalizePlan(req.PlanID)
	pricing, ok := entitlements.PricingFor(plan)
	if !ok {
		return nil, fmt.Errorf("plan %q has no pricing", req.PlanID)
	}
	amount := pricing.MonthlyPrice
	if req.Cycle == models.CycleYearly {
		amount = pricing.YearlyPrice
	}
	currency := "USD"
	if method == payment.MethodAlipay || method == payment.MethodWechat {
		currency = "CNY"
	}

	pay := &models.Payment{
		ID:           uuid.NewString(),
		Region:       s.region,
		UserID:       req.UserID,
		UserEmail:    models.NormalizeEmail(req.UserEmail),
		PlanID:       string(plan),
		BillingCycle: req.Cycle,
		Amount:       amount,
		Currency:     currency,
		Method:       string(method),
		Status:       models.PaymentStatusPending,
		DurationDays: entitlements.DurationDays(req.Cycle),
	}
	if err := s.store.CreatePayment(ctx, pay); err != nil {
		return nil, err
	}

	order, err := provider.CreateOrder(ctx, payment.OrderRequest{
		PaymentID:    pay.ID,
		UserID:       pay.UserID,
		UserEmail:    pay.UserEmail,
		PlanID:       pay.PlanID,
		BillingCycle: pay.BillingCycle,
		Amount:       pay.Amount,
		Currency:     pay.Currency,
		Description:  fmt.Sprintf("OmniTool %s (%s)", plan, req.Cycle),
		ReturnURL:    req.ReturnURL,
	})
	if err != nil {
		return nil, err
	}

	pay.ProviderRef = order.ProviderRef
	if err := s.store.UpdatePayment(ctx, pay); err != nil {
		return nil, err
	}

	return &CheckoutResponse{
		PaymentID:   pay.ID,
		RedirectURL: order.RedirectURL,
		QRCode:      order.QRCode,
	}, nil
}

// ProcessEvent drives the ledger state machine for one verified-or-not
// inbound delivery:
//
//	received -> processing -> {processed, failed, ignored}
//
// The ledger write happens before any side effect so a crash mid-flight is
// detectable and retried by the provider's redelivery, never silently
// lost. A duplicate (provider, event id) pair short-circuits to a no-op.
func (s *Service) ProcessEvent(ctx context.Context, ev InboundEvent) (*EventOutcome, error) {
	record := &models.WebhookEvent{
		Provider:        string(ev.Provider),
		ProviderEventID: s.eventID(ev),
		EventType:       ev.EventType,
		TxnID:           ev.TxnID,
		PayloadJSON:     ev.PayloadJSON,
		Status:          models.WebhookStatusReceived,
	}

	if !ev.SignatureValid {
		record.Status = models.WebhookStatusFailed
		record.ErrorMessage = "signature verification failed"
		if _, _, err := s.store.CreateWebhookEventIfNotExists(ctx, record); err != nil {
			return nil, err
		}
		log.Errorf("webhook signature failure: provider=%s event=%s", ev.Provider, record.ProviderEventID)
		return &EventOutcome{Failed: true}, nil
	}

	created, stored, err := s.store.CreateWebhookEventIfNotExists(ctx, record)
	if err != nil {
		return nil, err
	}
	if !created {
		// At-least-once delivery: answer success without reprocessing.
		log.Infof("duplicate webhook delivery: provider=%s event=%s status=%s",
			ev.Provider, stored.ProviderEventID, stored.Status)
		return &EventOutcome{Duplicate: true}, nil
	}

	if !s.reconcilable(ev) {
		s.markEvent(ctx, stored, models.WebhookStatusIgnored, nil)
		return &EventOutcome{Ignored: true}, nil
	}

	s.markEvent(ctx, stored, models.WebhookStatusProcessing, nil)

	snap, err := s.applyFromEvent(ctx, ev)
	if err != nil {
		s.markEvent(ctx, stored, models.WebhookStatusFailed, err)
		return &EventOutcome{Failed: true}, err
	}
	stored.TxnID = snap.TransactionID
	s.markEvent(ctx, stored, models.WebhookStatusProcessed, nil)
	return &EventOutcome{Applied: snap}, nil
}

// Confirm resolves a client-supplied checkout reference. If the payment
// already completed (the webhook won the race) the stored snapshot comes
// back with alreadyProcessed; otherwise the provider is asked directly.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*AppliedSnapshot, error) {
	method := payment.Method(req.Method)
	ref := strings.TrimSpace(req.ProviderRefOf())
	if ref == "" {
		return nil, fmt.Errorf("missing provider reference for method %s: %w", req.Method, store.ErrNotFound)
	}

	if method == payment.MethodApple {
		return s.confirmApple(ctx, req)
	}

	pay, err := s.findPayment(ctx, method, ref)
	if err != nil {
		return nil, err
	}

	if pay.Status == models.PaymentStatusCompleted {
		// Already finalized by the webhook path; the applier's guard
		// returns the existing snapshot without mutating anything.
		return s.apply(ctx, s.grantFromPayment(pay, nil))
	}
	if pay.IsTerminal() {
		return nil, fmt.Errorf("payment %s is %s: %w", pay.ID, pay.Status, payment.ErrNotCompleted)
	}

	provider, err := s.providers.Get(method)
	if err != nil {
		return nil, err
	}
	result, err := provider.Capture(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !result.Completed {
		return nil, fmt.Errorf("trade state %s: %w", result.TradeState, payment.ErrNotCompleted)
	}

	return s.finalize(ctx, pay, result)
}

// OrderStatusByID answers the QR/push-payment polling endpoint. A
// completed poll funnels through the same finalize path as webhooks and
// confirm calls, so repeated polling can only ever apply once.
func (s *Service) OrderStatusByID(ctx context.Context, paymentID string) (*OrderStatus, error) {
	pay, err := s.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if pay.Status == models.PaymentStatusCompleted {
		return &OrderStatus{
			Status:        pay.Status,
			TransactionID: pay.ProviderTxnID,
			Applied:       true,
		}, nil
	}
	if pay.IsTerminal() {
		return &OrderStatus{Status: pay.Status, TransactionID: pay.ProviderTxnID}, nil
	}

	provider, err := s.providers.Get(payment.Method(pay.Method))
	if err != nil {
		return nil, err
	}
	result, err := provider.Query(ctx, pay.ProviderRef)
	if err != nil {
		if errors.Is(err, payment.ErrNotCompleted) {
			return &OrderStatus{Status: pay.Status}, nil
		}
		return nil, err
	}
	if !result.Completed {
		return &OrderStatus{Status: pay.Status, TradeState: result.TradeState}, nil
	}

	snap, err := s.finalize(ctx, pay, result)
	if err != nil {
		return nil, err
	}
	return &OrderStatus{
		Status:        models.PaymentStatusCompleted,
		TradeState:    result.TradeState,
		TransactionID: snap.TransactionID,
		Applied:       true,
	}, nil
}

func (s *Service) confirmApple(ctx context.Context, req ConfirmRequest) (*AppliedSnapshot, error) {
	provider, err := s.providers.Get(payment.MethodApple)
	if err != nil {
		return nil, err
	}
	result, err := provider.Query(ctx, req.ReceiptData)
	if err != nil {
		return nil, err
	}
	if !result.Completed {
		return nil, fmt.Errorf("receipt not valid: %w", payment.ErrNotCompleted)
	}

	plan := req.PlanID
	if entitlements.NormalizePlan(plan) == entitlements.PlanFree {
		plan = string(entitlements.PlanPro)
	}
	cycle := req.Cycle
	if cycle == "" {
		cycle = models.CycleMonthly
	}

	// Grant immediately and record the verification result
	// informationally; the store, not this service, owns renewal state.
	return s.apply(ctx, entitlements.Grant{
		UserID:          req.UserID,
		UserEmail:       req.UserEmail,
		Provider:        models.MethodApple,
		ProviderTxnID:   result.ProviderTxnID,
		PlanID:          plan,
		BillingCycle:    cycle,
		Credits:         entitlements.CreditsFor(entitlements.NormalizePlan(plan), cycle),
		ProviderReceipt: req.ReceiptData,
	})
}

// applyFromEvent recovers the grant parameters through the fallback
// chain: event payload first, then the stored pending record, then the
// amount-based heuristic, and applies exactly once.
func (s *Service) applyFromEvent(ctx context.Context, ev InboundEvent) (*AppliedSnapshot, error) {
	var pay *models.Payment
	if ev.TxnID != "" {
		if p, err := s.store.GetPaymentByProviderTxn(ctx, string(ev.Provider), ev.TxnID); err == nil {
			pay = p
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if pay == nil && ev.ProviderRef != "" {
		p, err := s.findPayment(ctx, ev.Provider, ev.ProviderRef)
		if err == nil {
			pay = p
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if pay == nil {
		if ev.UserID == 0 && ev.UserEmail == "" {
			// Renewal notifications carry only provider transaction ids;
			// the subscription the initial purchase created names the user.
			var sub *models.Subscription
			for _, txnID := range []string{ev.TxnID, ev.ProviderRef} {
				if txnID == "" {
					continue
				}
				found, err := s.store.GetSubscriptionByTxn(ctx, string(ev.Provider), txnID)
				if err == nil {
					sub = found
					break
				}
				if !errors.Is(err, store.ErrNotFound) {
					return nil, err
				}
			}
			if sub == nil {
				return nil, ErrUnattributable
			}
			ev.UserID = sub.UserID
			if ev.PlanID == "" {
				ev.PlanID = sub.PlanID
			}
		}
		// No checkout record (in-app purchase, or a record lost before
		// the notification): grant from the event alone.
		return s.apply(ctx, s.grantFromEvent(ev))
	}

	result := &payment.Result{
		Completed:     true,
		ProviderTxnID: ev.TxnID,
		Amount:        ev.Amount,
		Currency:      ev.Currency,
	}
	return s.finalize(ctx, pay, result)
}

// finalize transitions a pending payment to completed and applies the
// entitlement. Safe to call for already-completed payments: the record is
// not rewritten and the applier's guard keeps the grant single-shot.
func (s *Service) finalize(ctx context.Context, pay *models.Payment, result *payment.Result) (*AppliedSnapshot, error) {
	if pay.Status == models.PaymentStatusPending {
		now := time.Now()
		pay.Status = models.PaymentStatusCompleted
		pay.CompletedAt = &now
		if result.ProviderTxnID != "" {
			pay.ProviderTxnID = result.ProviderTxnID
		}
		if pay.Amount == 0 && result.Amount > 0 {
			pay.Amount = result.Amount
		}
		if err := s.store.UpdatePayment(ctx, pay); err != nil {
			return nil, err
		}
	}
	return s.apply(ctx, s.grantFromPayment(pay, result))
}

func (s *Service) apply(ctx context.Context, grant entitlements.Grant) (*AppliedSnapshot, error) {
	applied, err := s.applier.Apply(ctx, grant)
	if err != nil && (applied == nil || !errors.Is(err, entitlements.ErrProfileSync)) {
		return nil, err
	}
	// On ErrProfileSync the grant is durable and only the derived
	// projection write failed; the partial snapshot comes back alongside
	// the error so the caller can retry the sync.
	return &AppliedSnapshot{
		AlreadyProcessed: applied.AlreadyProcessed,
		TransactionID:    grant.ProviderTxnID,
		SubscriptionTier: applied.Tier,
		NewExpireAt:      applied.NewExpireAt,
		NewCredits:       applied.NewCredits,
	}, err
}

// grantFromPayment builds the grant with the documented priority order:
// provider result, then the typed fields on the stored record, then the
// amount heuristic.
func (s *Service) grantFromPayment(pay *models.Payment, result *payment.Result) entitlements.Grant {
	txnID := pay.ProviderTxnID
	amount := pay.Amount
	if result != nil {
		if result.ProviderTxnID != "" {
			txnID = result.ProviderTxnID
		}
		if amount == 0 {
			amount = result.Amount
		}
	}
	if txnID == "" {
		txnID = pay.ProviderRef
	}

	plan := entitlements.NormalizePlan(pay.PlanID)
	cycle := pay.BillingCycle
	if plan == entitlements.PlanFree {
		if p, c, ok := entitlements.PlanForAmount(amount); ok {
			plan, cycle = p, c
		}
	}

	return entitlements.Grant{
		UserID:        pay.UserID,
		UserEmail:     pay.UserEmail,
		Provider:      pay.Method,
		ProviderTxnID: txnID,
		PlanID:        string(plan),
		BillingCycle:  cycle,
		DurationDays:  pay.DurationDays,
		Credits:       entitlements.CreditsFor(plan, cycle),
		Amount:        amount,
	}
}

func (s *Service) grantFromEvent(ev InboundEvent) entitlements.Grant {
	plan := entitlements.NormalizePlan(ev.PlanID)
	cycle := ev.Cycle
	if plan == entitlements.PlanFree {
		if p, c, ok := entitlements.PlanForAmount(ev.Amount); ok {
			plan, cycle = p, c
		}
	}
	txnID := ev.TxnID
	if txnID == "" {
		txnID = ev.ProviderRef
	}
	return entitlements.Grant{
		UserID:          ev.UserID,
		UserEmail:       ev.UserEmail,
		Provider:        string(ev.Provider),
		ProviderTxnID:   txnID,
		PlanID:          string(plan),
		BillingCycle:    cycle,
		Credits:         entitlements.CreditsFor(plan, cycle),
		Amount:          ev.Amount,
		ProviderReceipt: ev.Receipt,
	}
}

func (s *Service) findPayment(ctx context.Context, method payment.Method, ref string) (*models.Payment, error) {
	pay, err := s.store.GetPaymentByProviderRef(ctx, string(method), ref)
	if err == nil {
		return pay, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return s.store.GetPaymentByID(ctx, ref)
}

// reconcilable filters the event types this system converts into
// entitlements; everything else is ledgered as ignored.
func (s *Service) reconcilable(ev InboundEvent) bool {
	switch ev.Provider {
	case payment.MethodStripe:
		return ev.EventType == "checkout.session.completed"
	case payment.MethodAlipay:
		return ev.Completed
	case payment.MethodWechat:
		return ev.EventType == "TRANSACTION.SUCCESS"
	case payment.MethodApple:
		switch ev.EventType {
		case "INITIAL_BUY", "DID_RENEW", "INTERACTIVE_RENEWAL":
			return true
		}
		return false
	default:
		return false
	}
}

func (s *Service) eventID(ev InboundEvent) string {
	if id := strings.TrimSpace(ev.EventID); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(ev.PayloadJSON))
	return "hash:" + hex.EncodeToString(sum[:])
}

func (s *Service) markEvent(ctx context.Context, ev *models.WebhookEvent, status string, cause error) {
	ev.Status = status
	if cause != nil {
		ev.ErrorMessage = cause.Error()
	}
	if status == models.WebhookStatusProcessed || status == models.WebhookStatusFailed || status == models.WebhookStatusIgnored {
		now := time.Now()
		ev.ProcessedAt = &now
	}
	if err := s.store.UpdateWebhookEvent(ctx, ev); err != nil {
		// The ledger transition is observability, not correctness; the
		// dedupe row already exists.
		log.Errorf("webhook ledger update failed: provider=%s event=%s: %v",
			ev.Provider, ev.ProviderEventID, err)
	}
}
