package payment

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAlipayKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pubPEM)
}

func signedAlipayForm(t *testing.T, key *rsa.PrivateKey) url.Values {
	t.Helper()

	form := url.Values{}
	form.Set("notify_id", "2024123456789")
	form.Set("out_trade_no", "pay-1")
	form.Set("trade_no", "2024080122001")
	form.Set("trade_status", "TRADE_SUCCESS")
	form.Set("total_amount", "19.99")

	// sign and sign_type are excluded from the signed string.
	digest := sha256.Sum256([]byte(alipaySigningString(form)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	form.Set("sign_type", "RSA2")
	form.Set("sign", base64.StdEncoding.EncodeToString(sig))
	return form
}

func TestVerifyAlipayNotification(t *testing.T) {
	key, pubPEM := newAlipayKeyPair(t)
	form := signedAlipayForm(t, key)

	if err := VerifyAlipayNotification(form, pubPEM); err != nil {
		t.Fatalf("valid notification rejected: %v", err)
	}
}

func TestVerifyAlipayNotificationTampered(t *testing.T) {
	key, pubPEM := newAlipayKeyPair(t)
	form := signedAlipayForm(t, key)
	form.Set("total_amount", "0.01")

	err := VerifyAlipayNotification(form, pubPEM)
	assert.ErrorIs(t, err, ErrVerification)
}

func TestVerifyAlipayNotificationMissingSign(t *testing.T) {
	_, pubPEM := newAlipayKeyPair(t)
	form := url.Values{}
	form.Set("out_trade_no", "pay-1")

	err := VerifyAlipayNotification(form, pubPEM)
	assert.ErrorIs(t, err, ErrVerification)
}

func TestVerifyAlipayNotificationWrongKey(t *testing.T) {
	key, _ := newAlipayKeyPair(t)
	_, otherPEM := newAlipayKeyPair(t)
	form := signedAlipayForm(t, key)

	err := VerifyAlipayNotification(form, otherPEM)
	assert.ErrorIs(t, err, ErrVerification)
}

func TestVerifyAlipayNotificationBadCert(t *testing.T) {
	key, _ := newAlipayKeyPair(t)
	form := signedAlipayForm(t, key)

	err := VerifyAlipayNotification(form, "not a pem block")
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestAlipaySigningString(t *testing.T) {
	params := url.Values{}
	params.Set("b_key", "2")
	params.Set("a_key", "1")
	params.Set("empty", "")
	params.Set("c_key", "3")

	got := alipaySigningString(params)
	want := "a_key=1&b_key=2&c_key=3"
	if got != want {
		t.Fatalf("signing string = %q, want %q", got, want)
	}
}

func TestAlipayTradeSuccess(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{status: "TRADE_SUCCESS", want: true},
		{status: "TRADE_FINISHED", want: true},
		{status: "WAIT_BUYER_PAY", want: false},
		{status: "TRADE_CLOSED", want: false},
	}

	for _, tt := range tests {
		if got := alipayTradeSuccess(tt.status); got != tt.want {
			t.Fatalf("alipayTradeSuccess(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
