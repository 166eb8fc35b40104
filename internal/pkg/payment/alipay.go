package payment

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/omnitool-app/omnitool/internal/pkg/config"
)

const alipayRequestTimeout = 15 * time.Second

// alipayProvider is the wallet/redirect checkout provider. The user is
// redirected to the wallet gateway and returns with an order token; the
// gateway also delivers an asynchronous form-encoded notification signed
// with the provider's RSA key.
type alipayProvider struct {
	cfg  config.AlipayConfig
	http *http.Client

	mu      sync.Mutex
	privKey *rsa.PrivateKey
}

func NewAlipayProvider(cfg config.AlipayConfig) Provider {
	return &alipayProvider{
		cfg:  cfg,
		http: &http.Client{Timeout: alipayRequestTimeout},
	}
}

func (p *alipayProvider) Method() Method { return MethodAlipay }

// CreateOrder builds the signed gateway redirect for a page payment. The
// out_trade_no is our internal payment id so the notification and the
// confirm call can both find the pending record.
func (p *alipayProvider) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if p.cfg.AppID == "" || p.cfg.PrivateKeyPEM == "" {
		return nil, fmt.Errorf("alipay app id or private key missing: %w", ErrConfigMissing)
	}

	bizContent, _ := json.Marshal(map[string]string{
		"out_trade_no": req.PaymentID,
		"total_amount": fmt.Sprintf("%.2f", req.Amount),
		"subject":      req.Description,
		"product_code": "FAST_INSTANT_TRADE_PAY",
	})

	params := url.Values{}
	params.Set("app_id", p.cfg.AppID)
	params.Set("method", "alipay.trade.page.pay")
	params.Set("charset", "utf-8")
	params.Set("sign_type", "RSA2")
	params.Set("timestamp", time.Now().Format("2006-01-02 15:04:05"))
	params.Set("version", "1.0")
	params.Set("notify_url", p.cfg.NotifyURL)
	params.Set("return_url", req.ReturnURL)
	params.Set("biz_content", string(bizContent))

	sign, err := p.sign(params)
	if err != nil {
		return nil, err
	}
	params.Set("sign", sign)

	return &OrderResponse{
		RedirectURL: p.cfg.GatewayURL + "?" + params.Encode(),
		ProviderRef: req.PaymentID,
	}, nil
}

// Capture queries the trade by out_trade_no and normalizes the result.
// The wallet settles asynchronously; like stripe this is a verification
// read against the provider.
func (p *alipayProvider) Capture(ctx context.Context, providerRef string) (*Result, error) {
	return p.Query(ctx, providerRef)
}

func (p *alipayProvider) Query(ctx context.Context, providerRef string) (*Result, error) {
	if p.cfg.AppID == "" || p.cfg.PrivateKeyPEM == "" {
		return nil, fmt.Errorf("alipay app id or private key missing: %w", ErrConfigMissing)
	}

	bizContent, _ := json.Marshal(map[string]string{"out_trade_no": providerRef})
	params := url.Values{}
	params.Set("app_id", p.cfg.AppID)
	params.Set("method", "alipay.trade.query")
	params.Set("charset", "utf-8")
	params.Set("sign_type", "RSA2")
	params.Set("timestamp", time.Now().Format("2006-01-02 15:04:05"))
	params.Set("version", "1.0")
	params.Set("biz_content", string(bizContent))

	sign, err := p.sign(params)
	if err != nil {
		return nil, err
	}
	params.Set("sign", sign)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.GatewayURL,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("alipay query: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded;charset=utf-8")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("alipay query: %v: %w", err, ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	var body struct {
		Response struct {
			Code        string `json:"code"`
			Msg         string `json:"msg"`
			TradeNo     string `json:"trade_no"`
			OutTradeNo  string `json:"out_trade_no"`
			TradeStatus string `json:"trade_status"`
			TotalAmount string `json:"total_amount"`
		} `json:"alipay_trade_query_response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("alipay query decode: %v: %w", err, ErrProviderUnavailable)
	}
	if body.Response.Code != "10000" {
		return nil, fmt.Errorf("alipay query code %s (%s): %w",
			body.Response.Code, body.Response.Msg, ErrProviderUnavailable)
	}

	amount, _ := strconv.ParseFloat(body.Response.TotalAmount, 64)
	return &Result{
		Completed:     alipayTradeSuccess(body.Response.TradeStatus),
		TradeState:    body.Response.TradeStatus,
		ProviderTxnID: body.Response.TradeNo,
		Amount:        amount,
		Currency:      "CNY",
	}, nil
}

func alipayTradeSuccess(status string) bool {
	return status == "TRADE_SUCCESS" || status == "TRADE_FINISHED"
}

func (p *alipayProvider) sign(params url.Values) (string, error) {
	key, err := p.privateKey()
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(alipaySigningString(params)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("alipay sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (p *alipayProvider) privateKey() (*rsa.PrivateKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.privKey != nil {
		return p.privKey, nil
	}
	key, err := parseRSAPrivateKey(p.cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("alipay private key: %v: %w", err, ErrConfigMissing)
	}
	p.privKey = key
	return key, nil
}

// VerifyAlipayNotification checks the RSA2 signature of an asynchronous
// form-encoded notification against the provider's public certificate.
// It is a pure function of the form values and the configured cert.
func VerifyAlipayNotification(form url.Values, publicCertPEM string) error {
	sign := form.Get("sign")
	if sign == "" {
		return fmt.Errorf("missing sign parameter: %w", ErrVerification)
	}
	pub, err := parseRSAPublicKey(publicCertPEM)
	if err != nil {
		return fmt.Errorf("alipay public cert: %v: %w", err, ErrConfigMissing)
	}

	verifiable := url.Values{}
	for k, vs := range form {
		if k == "sign" || k == "sign_type" {
			continue
		}
		for _, v := range vs {
			verifiable.Add(k, v)
		}
	}

	sig, err := base64.StdEncoding.DecodeString(sign)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", ErrVerification)
	}
	digest := sha256.Sum256([]byte(alipaySigningString(verifiable)))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("%w: alipay signature mismatch", ErrVerification)
	}
	return nil
}

// alipaySigningString joins sorted key=value pairs with '&', skipping
// empty values, per the wallet's signing convention.
func alipaySigningString(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if params.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params.Get(k))
	}
	return strings.Join(pairs, "&")
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, fmt.Errorf("certificate does not carry an RSA key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return pub, nil
}
