package controllers

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	stripe "github.com/stripe/stripe-go/v78"

	"github.com/omnitool-app/omnitool/internal/pkg/billing"
	"github.com/omnitool-app/omnitool/internal/pkg/config"
	"github.com/omnitool-app/omnitool/internal/pkg/metrics/counter"
	"github.com/omnitool-app/omnitool/internal/pkg/payment"
)

// WebhookController terminates the four provider notification endpoints.
// Each handler verifies the provider's transport authentication, normalizes
// the payload into a billing.InboundEvent and hands it to the ledger; the
// response encoding follows each provider's acknowledgement contract.
type WebhookController struct {
	svc      *billing.Service
	cfg      *config.Config
	counters *counter.Counter
}

func NewWebhookController(svc *billing.Service, cfg *config.Config, counters *counter.Counter) *WebhookController {
	return &WebhookController{svc: svc, cfg: cfg, counters: counters}
}

// count records the ledger outcome for the health counters.
func (wc *WebhookController) count(provider payment.Method, outcome *billing.EventOutcome) {
	switch {
	case outcome == nil:
		wc.counters.AddWebhook(string(provider), "error")
	case outcome.Duplicate:
		wc.counters.AddWebhook(string(provider), "duplicate")
	case outcome.Ignored:
		wc.counters.AddWebhook(string(provider), "ignored")
	case outcome.Failed:
		wc.counters.AddWebhook(string(provider), "failed")
	default:
		wc.counters.AddWebhook(string(provider), "processed")
	}
}

// HandleStripeWebhook verifies the Stripe-Signature header and processes
// checkout.session.completed events.
func (wc *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	var event stripe.Event
	signatureValid := false
	if wc.cfg.SkipSignatureVerify {
		signatureValid = json.Unmarshal(rawBody, &event) == nil
	} else {
		verified, err := payment.VerifyStripeWebhook(rawBody, c.Get("Stripe-Signature"), wc.cfg.Stripe.WebhookSecret)
		if err != nil {
			log.Warnf("stripe webhook rejected: %v", err)
		} else {
			event = verified
			signatureValid = true
		}
	}

	ev := billing.InboundEvent{
		Provider:       payment.MethodStripe,
		EventID:        event.ID,
		EventType:      string(event.Type),
		PayloadJSON:    string(rawBody),
		SignatureValid: signatureValid,
	}
	if signatureValid && event.Type == "checkout.session.completed" {
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		ev.ProviderRef = sess.ID
		ev.Completed = sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
		ev.Amount = float64(sess.AmountTotal) / 100
		ev.Currency = strings.ToUpper(string(sess.Currency))
		ev.PlanID = sess.Metadata["plan_id"]
		ev.Cycle = sess.Metadata["billing_cycle"]
		if sess.PaymentIntent != nil {
			ev.TxnID = sess.PaymentIntent.ID
		}
		if sess.CustomerDetails != nil {
			ev.UserEmail = sess.CustomerDetails.Email
		}
	}

	outcome, err := wc.svc.ProcessEvent(c.Context(), ev)
	wc.count(payment.MethodStripe, outcome)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}
	if !signatureValid {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}
	return c.JSON(fiber.Map{"received": true, "duplicate": outcome.Duplicate, "ignored": outcome.Ignored})
}

// HandleAlipayNotification processes the form-encoded asynchronous
// notification. The gateway retries until it reads the literal "success".
func (wc *WebhookController) HandleAlipayNotification(c *fiber.Ctx) error {
	form, err := url.ParseQuery(string(c.BodyRaw()))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("failure")
	}

	signatureValid := wc.cfg.SkipSignatureVerify
	if !signatureValid {
		if err := payment.VerifyAlipayNotification(form, wc.cfg.Alipay.PublicCertPEM); err != nil {
			log.Warnf("alipay notification rejected: %v", err)
		} else {
			signatureValid = true
		}
	}

	tradeStatus := form.Get("trade_status")
	amount, _ := strconv.ParseFloat(form.Get("total_amount"), 64)
	ev := billing.InboundEvent{
		Provider:       payment.MethodAlipay,
		EventID:        form.Get("notify_id"),
		EventType:      tradeStatus,
		ProviderRef:    form.Get("out_trade_no"),
		TxnID:          form.Get("trade_no"),
		PayloadJSON:    form.Encode(),
		SignatureValid: signatureValid,
		Completed:      tradeStatus == "TRADE_SUCCESS" || tradeStatus == "TRADE_FINISHED",
		Amount:         amount,
		Currency:       "CNY",
	}

	outcome, err := wc.svc.ProcessEvent(c.Context(), ev)
	wc.count(payment.MethodAlipay, outcome)
	if err != nil || outcome.Failed {
		return c.SendString("failure")
	}
	return c.SendString("success")
}

// HandleWechatNotification verifies the HMAC headers, decrypts the
// AES-256-GCM resource and processes the transaction event. The gateway
// expects a JSON body with code SUCCESS, anything else is redelivered.
func (wc *WebhookController) HandleWechatNotification(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	signatureValid := wc.cfg.SkipSignatureVerify
	if !signatureValid {
		err := payment.VerifyWechatNotification(rawBody,
			c.Get("Wechatpay-Timestamp"), c.Get("Wechatpay-Nonce"), c.Get("Wechatpay-Signature"),
			wc.cfg.Wechat.APIv3Key)
		if err != nil {
			log.Warnf("wechat notification rejected: %v", err)
		} else {
			signatureValid = true
		}
	}

	ev := billing.InboundEvent{
		Provider:       payment.MethodWechat,
		PayloadJSON:    string(rawBody),
		SignatureValid: signatureValid,
	}
	if signatureValid {
		decrypted, err := payment.DecryptWechatNotification(rawBody, wc.cfg.Wechat.APIv3Key)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"code": "FAIL", "message": "invalid resource"})
		}
		txn := decrypted.Transaction
		ev.EventID = decrypted.EventID
		ev.EventType = decrypted.EventType
		ev.ProviderRef = txn.OutTradeNo
		ev.TxnID = txn.TransactionID
		ev.Completed = txn.TradeState == "SUCCESS"
		ev.Amount = float64(txn.Amount.Total) / 100
		ev.Currency = txn.Amount.Currency
	}

	outcome, err := wc.svc.ProcessEvent(c.Context(), ev)
	wc.count(payment.MethodWechat, outcome)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"code": "FAIL", "message": "processing failed"})
	}
	if !signatureValid {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"code": "FAIL", "message": "invalid signature"})
	}
	if outcome.Failed {
		// Non-SUCCESS answers make the gateway redeliver.
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"code": "FAIL", "message": "processing failed"})
	}
	return c.JSON(fiber.Map{"code": "SUCCESS", "message": "OK"})
}

// appleServerNotification is the store's server-to-server notification.
// Authentication is the shared secret carried in the body.
type appleServerNotification struct {
	Password         string `json:"password"`
	NotificationType string `json:"notification_type"`
	AutoRenewStatus  string `json:"auto_renew_status"`
	UnifiedReceipt   struct {
		LatestReceipt     string `json:"latest_receipt"`
		LatestReceiptInfo []struct {
			TransactionID         string `json:"transaction_id"`
			OriginalTransactionID string `json:"original_transaction_id"`
			ProductID             string `json:"product_id"`
		} `json:"latest_receipt_info"`
	} `json:"unified_receipt"`
}

// HandleAppleNotification processes in-app-purchase server notifications.
// Renewals carry no local user reference; the ledger attributes them via
// the original transaction id of the initial purchase.
func (wc *WebhookController) HandleAppleNotification(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	var note appleServerNotification
	if err := json.Unmarshal(rawBody, &note); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	signatureValid := wc.cfg.SkipSignatureVerify
	if !signatureValid {
		if err := payment.VerifyAppleNotification(note.Password, wc.cfg.Apple.SharedSecret); err != nil {
			log.Warnf("apple notification rejected: %v", err)
		} else {
			signatureValid = true
		}
	}

	// The shared secret travels in the body; ledger a redacted copy so it
	// never lands in the datastore. The redacted form also serves as the
	// dedupe hash input, stable across redeliveries.
	redacted := note
	redacted.Password = "[redacted]"
	payloadJSON, _ := json.Marshal(redacted)

	ev := billing.InboundEvent{
		Provider:       payment.MethodApple,
		EventType:      note.NotificationType,
		PayloadJSON:    string(payloadJSON),
		SignatureValid: signatureValid,
		Completed:      true,
		Receipt:        note.UnifiedReceipt.LatestReceipt,
	}
	if len(note.UnifiedReceipt.LatestReceiptInfo) > 0 {
		latest := note.UnifiedReceipt.LatestReceiptInfo[0]
		// TxnID is unique per renewal period so credits re-grant each
		// cycle; the original id keeps attribution stable.
		ev.TxnID = latest.TransactionID
		ev.ProviderRef = latest.OriginalTransactionID
	}

	outcome, err := wc.svc.ProcessEvent(c.Context(), ev)
	wc.count(payment.MethodApple, outcome)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}
	if !signatureValid {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_shared_secret"})
	}
	return c.JSON(fiber.Map{"received": true, "duplicate": outcome.Duplicate, "ignored": outcome.Ignored})
}
