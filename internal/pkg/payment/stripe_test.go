package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v78"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stripeSignatureHeader(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyStripeWebhook(t *testing.T) {
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_1","type":"checkout.session.completed","api_version":%q,"data":{"object":{"id":"cs_1"}}}`,
		stripe.APIVersion))
	secret := "whsec_test"

	header := stripeSignatureHeader(payload, secret, time.Now())
	event, err := VerifyStripeWebhook(payload, header, secret)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, stripe.EventType("checkout.session.completed"), event.Type)
}

func TestVerifyStripeWebhookBadSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)

	_, err := VerifyStripeWebhook(payload, stripeSignatureHeader(payload, "whsec_other", time.Now()), "whsec_test")
	assert.ErrorIs(t, err, ErrVerification)

	_, err = VerifyStripeWebhook(payload, "garbage", "whsec_test")
	assert.ErrorIs(t, err, ErrVerification)
}

func TestVerifyStripeWebhookStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	secret := "whsec_test"

	header := stripeSignatureHeader(payload, secret, time.Now().Add(-time.Hour))
	_, err := VerifyStripeWebhook(payload, header, secret)
	assert.ErrorIs(t, err, ErrVerification)
}
