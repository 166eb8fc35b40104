package payment

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/omnitool-app/omnitool/internal/pkg/config"
)

const wechatRequestTimeout = 15 * time.Second

// wechatProvider is the QR push-payment provider. CreateOrder returns a QR
// payload the user scans; completion arrives either through the signed,
// AEAD-encrypted notification or through status polling (Query).
type wechatProvider struct {
	cfg  config.WechatConfig
	http *http.Client
}

func NewWechatProvider(cfg config.WechatConfig) Provider {
	return &wechatProvider{
		cfg:  cfg,
		http: &http.Client{Timeout: wechatRequestTimeout},
	}
}

func (p *wechatProvider) Method() Method { return MethodWechat }

func (p *wechatProvider) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if p.cfg.MchID == "" || p.cfg.APIv3Key == "" {
		return nil, fmt.Errorf("wechat mchid or api key missing: %w", ErrConfigMissing)
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"appid":        p.cfg.AppID,
		"mchid":        p.cfg.MchID,
		"description":  req.Description,
		"out_trade_no": req.PaymentID,
		"amount": map[string]interface{}{
			"total":    int64(req.Amount * 100),
			"currency": "CNY",
		},
	})

	var body struct {
		CodeURL string `json:"code_url"`
	}
	if err := p.do(ctx, http.MethodPost, "/v3/pay/transactions/native", payload, &body); err != nil {
		return nil, err
	}
	return &OrderResponse{QRCode: body.CodeURL, ProviderRef: req.PaymentID}, nil
}

// Capture is not meaningful for push-payment; the provider settles when
// the user scans and pays. It degrades to a status query.
func (p *wechatProvider) Capture(ctx context.Context, providerRef string) (*Result, error) {
	return p.Query(ctx, providerRef)
}

func (p *wechatProvider) Query(ctx context.Context, providerRef string) (*Result, error) {
	if p.cfg.MchID == "" || p.cfg.APIv3Key == "" {
		return nil, fmt.Errorf("wechat mchid or api key missing: %w", ErrConfigMissing)
	}

	path := fmt.Sprintf("/v3/pay/transactions/out-trade-no/%s?mchid=%s", providerRef, p.cfg.MchID)
	var body WechatTransaction
	if err := p.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.toResult(), nil
}

// WechatTransaction is the provider's transaction resource, shared by the
// query response and the decrypted notification body.
type WechatTransaction struct {
	OutTradeNo    string `json:"out_trade_no"`
	TransactionID string `json:"transaction_id"`
	TradeState    string `json:"trade_state"`
	Amount        struct {
		Total    int64  `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (t *WechatTransaction) toResult() *Result {
	return &Result{
		Completed:     t.TradeState == "SUCCESS",
		TradeState:    t.TradeState,
		ProviderTxnID: t.TransactionID,
		Amount:        float64(t.Amount.Total) / 100,
		Currency:      t.Amount.Currency,
	}
}

func (p *wechatProvider) do(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.Gateway+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("wechat request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("wechat nonce: %w", err)
	}
	ts := fmt.Sprintf("%d", time.Now().Unix())
	sig := WechatRequestSignature(p.cfg.APIv3Key, ts, hex.EncodeToString(nonce), payload)
	req.Header.Set("Authorization", fmt.Sprintf(
		"WECHATPAY2-HMAC-SHA256 mchid=%q,timestamp=%q,nonce=%q,signature=%q",
		p.cfg.MchID, ts, hex.EncodeToString(nonce), sig))

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("wechat %s %s: %v: %w", method, path, err, ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("wechat order not found: %w", ErrNotCompleted)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("wechat %s %s: status %d: %w", method, path, resp.StatusCode, ErrProviderUnavailable)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("wechat decode: %v: %w", err, ErrProviderUnavailable)
	}
	return nil
}

// WechatRequestSignature computes the symmetric request signature over
// timestamp, nonce and body with the shared API key.
func WechatRequestSignature(apiKey, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n"))
	mac.Write([]byte(nonce))
	mac.Write([]byte("\n"))
	mac.Write(body)
	mac.Write([]byte("\n"))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWechatNotification checks the notification header signature. The
// header carries timestamp, nonce and the hex HMAC over them plus the raw
// body; comparison is constant time.
func VerifyWechatNotification(body []byte, timestamp, nonce, signature, apiKey string) error {
	if timestamp == "" || nonce == "" || signature == "" {
		return fmt.Errorf("missing signature headers: %w", ErrVerification)
	}
	expected := WechatRequestSignature(apiKey, timestamp, nonce, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: wechat signature mismatch", ErrVerification)
	}
	return nil
}

// wechatNotification is the outer JSON of an asynchronous notification;
// the interesting part is AEAD-encrypted inside resource.
type wechatNotification struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		Algorithm      string `json:"algorithm"`
		Ciphertext     string `json:"ciphertext"`
		Nonce          string `json:"nonce"`
		AssociatedData string `json:"associated_data"`
	} `json:"resource"`
}

// DecryptedWechatEvent is the verified, decrypted notification content.
type DecryptedWechatEvent struct {
	EventID     string
	EventType   string
	Transaction WechatTransaction
}

// DecryptWechatNotification parses the notification envelope and decrypts
// the AES-256-GCM resource body with the shared API key.
func DecryptWechatNotification(body []byte, apiKey string) (*DecryptedWechatEvent, error) {
	var note wechatNotification
	if err := json.Unmarshal(body, &note); err != nil {
		return nil, fmt.Errorf("malformed notification: %w", ErrVerification)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(note.Resource.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext: %w", ErrVerification)
	}

	block, err := aes.NewCipher([]byte(apiKey))
	if err != nil {
		return nil, fmt.Errorf("wechat api key: %v: %w", err, ErrConfigMissing)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wechat cipher: %w", err)
	}
	// gcm.Open panics on a wrong-sized nonce, so reject it up front.
	if len(note.Resource.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad resource nonce length", ErrVerification)
	}
	plaintext, err := gcm.Open(nil,
		[]byte(note.Resource.Nonce), ciphertext, []byte(note.Resource.AssociatedData))
	if err != nil {
		return nil, fmt.Errorf("%w: resource decryption failed", ErrVerification)
	}

	ev := &DecryptedWechatEvent{EventID: note.ID, EventType: note.EventType}
	if err := json.Unmarshal(plaintext, &ev.Transaction); err != nil {
		return nil, fmt.Errorf("malformed resource body: %w", ErrVerification)
	}
	return ev, nil
}

// EncryptWechatResource is the inverse of the notification decryption. It
// exists for tests and for the local development notifier.
func EncryptWechatResource(plaintext, nonce, associatedData []byte, apiKey string) (string, error) {
	block, err := aes.NewCipher([]byte(apiKey))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, associatedData)), nil
}
