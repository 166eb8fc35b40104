package payment

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/omnitool-app/omnitool/internal/pkg/config"
)

const (
	appleRequestTimeout = 15 * time.Second
	// appleSandboxVerifyURL is used when production verification answers
	// 21007 (sandbox receipt sent to production).
	appleSandboxVerifyURL = "https://sandbox.itunes.apple.com/verifyReceipt"
	appleStatusOK         = 0
	appleStatusSandbox    = 21007
)

// appleProvider is the in-app-purchase provider. The store itself is the
// source of truth for subscription expiry; this provider only verifies
// receipts and reports the store's live answer. Nothing here computes or
// stores an expiry.
type appleProvider struct {
	cfg  config.AppleConfig
	http *http.Client
}

func NewAppleProvider(cfg config.AppleConfig) Provider {
	return &appleProvider{
		cfg:  cfg,
		http: &http.Client{Timeout: appleRequestTimeout},
	}
}

func (p *appleProvider) Method() Method { return MethodApple }

// CreateOrder is not supported: in-app purchases are initiated on-device
// by the store SDK, never server side.
func (p *appleProvider) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	return nil, errors.New("apple in-app purchases are created on-device")
}

func (p *appleProvider) Capture(ctx context.Context, providerRef string) (*Result, error) {
	return p.Query(ctx, providerRef)
}

// Query verifies a base64 receipt with the store and normalizes the latest
// transaction. Completed means the store accepted the receipt; expiry is
// reported via ExpiresAtMs and deliberately never persisted locally.
func (p *appleProvider) Query(ctx context.Context, receiptData string) (*Result, error) {
	if p.cfg.SharedSecret == "" {
		return nil, fmt.Errorf("apple shared secret missing: %w", ErrConfigMissing)
	}

	verifyURL := p.cfg.VerifyURL
	if p.cfg.Sandbox {
		verifyURL = appleSandboxVerifyURL
	}

	resp, err := p.verify(ctx, verifyURL, receiptData)
	if err != nil {
		return nil, err
	}
	if resp.Status == appleStatusSandbox {
		// Production endpoint rejected a sandbox receipt; retry once
		// against the sandbox endpoint.
		resp, err = p.verify(ctx, appleSandboxVerifyURL, receiptData)
		if err != nil {
			return nil, err
		}
	}
	if resp.Status != appleStatusOK {
		return nil, fmt.Errorf("apple receipt status %d: %w", resp.Status, ErrNotCompleted)
	}

	latest := resp.latest()
	if latest == nil {
		return nil, fmt.Errorf("apple receipt has no transactions: %w", ErrNotCompleted)
	}

	expiresMs, _ := strconv.ParseInt(latest.ExpiresDateMs, 10, 64)
	return &Result{
		Completed:     true,
		TradeState:    "VALID",
		ProviderTxnID: latest.OriginalTransactionID,
		ExpiresAtMs:   expiresMs,
	}, nil
}

type appleVerifyResponse struct {
	Status            int                `json:"status"`
	LatestReceiptInfo []appleReceiptInfo `json:"latest_receipt_info"`
	PendingRenewal    []struct {
		AutoRenewStatus string `json:"auto_renew_status"`
	} `json:"pending_renewal_info"`
}

type appleReceiptInfo struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ExpiresDateMs         string `json:"expires_date_ms"`
	PurchaseDateMs        string `json:"purchase_date_ms"`
}

// latest returns the receipt entry with the greatest expiry.
func (r *appleVerifyResponse) latest() *appleReceiptInfo {
	var best *appleReceiptInfo
	var bestMs int64 = -1
	for i := range r.LatestReceiptInfo {
		ms, _ := strconv.ParseInt(r.LatestReceiptInfo[i].ExpiresDateMs, 10, 64)
		if ms > bestMs {
			best = &r.LatestReceiptInfo[i]
			bestMs = ms
		}
	}
	return best
}

// autoRenewEnabled reports the store's renewal intent for the subscription.
func (r *appleVerifyResponse) autoRenewEnabled() bool {
	for _, pr := range r.PendingRenewal {
		if pr.AutoRenewStatus == "1" {
			return true
		}
	}
	return false
}

func (p *appleProvider) verify(ctx context.Context, verifyURL, receiptData string) (*appleVerifyResponse, error) {
	payload, _ := json.Marshal(map[string]interface{}{
		"receipt-data":             receiptData,
		"password":                 p.cfg.SharedSecret,
		"exclude-old-transactions": true,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, verifyURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("apple verify: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apple verify: %v: %w", err, ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("apple verify: status %d: %w", resp.StatusCode, ErrProviderUnavailable)
	}

	var body appleVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("apple verify decode: %v: %w", err, ErrProviderUnavailable)
	}
	return &body, nil
}

// VerifyStatus is the oracle-facing query: it verifies the stored receipt
// and returns the store's live expiry and renewal state.
func (p *appleProvider) VerifyStatus(ctx context.Context, receiptData string) (expiresAt time.Time, autoRenew bool, err error) {
	if p.cfg.SharedSecret == "" {
		return time.Time{}, false, fmt.Errorf("apple shared secret missing: %w", ErrConfigMissing)
	}

	verifyURL := p.cfg.VerifyURL
	if p.cfg.Sandbox {
		verifyURL = appleSandboxVerifyURL
	}
	resp, err := p.verify(ctx, verifyURL, receiptData)
	if err != nil {
		return time.Time{}, false, err
	}
	if resp.Status == appleStatusSandbox {
		resp, err = p.verify(ctx, appleSandboxVerifyURL, receiptData)
		if err != nil {
			return time.Time{}, false, err
		}
	}
	if resp.Status != appleStatusOK {
		return time.Time{}, false, fmt.Errorf("apple receipt status %d: %w", resp.Status, ErrNotCompleted)
	}
	latest := resp.latest()
	if latest == nil {
		return time.Time{}, false, fmt.Errorf("apple receipt has no transactions: %w", ErrNotCompleted)
	}
	ms, _ := strconv.ParseInt(latest.ExpiresDateMs, 10, 64)
	return time.UnixMilli(ms), resp.autoRenewEnabled(), nil
}

// AppleStatusQuerier is the narrow interface the oracle needs.
type AppleStatusQuerier interface {
	VerifyStatus(ctx context.Context, receiptData string) (time.Time, bool, error)
}

// VerifyAppleNotification authenticates a server notification by its
// shared secret in constant time.
func VerifyAppleNotification(password, sharedSecret string) error {
	if sharedSecret == "" {
		return fmt.Errorf("apple shared secret missing: %w", ErrConfigMissing)
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(sharedSecret)) != 1 {
		return fmt.Errorf("%w: apple shared secret mismatch", ErrVerification)
	}
	return nil
}
