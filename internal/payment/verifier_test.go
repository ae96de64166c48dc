package payment

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "ipn-secret"

const samplePayload = `{"payment_status":"finished","order_id":"BUY1","payment_id":5077125051,
"price_amount":10,"actually_paid_at_fiat":9.95,"pay_currency":"btc","extra":{"b":1,"a":"<x>"},"signature":"ignored"}`

func TestCanonicalizeSortsAndStripsSignature(t *testing.T) {
	out, err := Canonicalize([]byte(samplePayload))
	require.NoError(t, err)
	assert.Equal(t,
		`{"actually_paid_at_fiat":9.95,"extra":{"a":"<x>","b":1},"order_id":"BUY1","pay_currency":"btc","payment_id":5077125051,"payment_status":"finished","price_amount":10}`,
		string(out))
}

func TestCanonicalizeRejectsNonObject(t *testing.T) {
	_, err := Canonicalize([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Canonicalize([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestVerifySignature(t *testing.T) {
	v := NewVerifier(testSecret, 0.02, zap.NewNop())
	body := []byte(samplePayload)

	sig, err := Sign(testSecret, body)
	require.NoError(t, err)

	assert.NoError(t, v.VerifySignature(body, sig))
	assert.NoError(t, v.VerifySignature(body, strings.ToUpper(sig)))

	// 报文内的 signature 字段不参与签名
	withOther := bytes.Replace(body, []byte(`"signature":"ignored"`), []byte(`"signature":"other"`), 1)
	assert.NoError(t, v.VerifySignature(withOther, sig))
}

func TestVerifySignatureRejectsTamperedPayload(t *testing.T) {
	v := NewVerifier(testSecret, 0.02, zap.NewNop())
	body := []byte(samplePayload)
	sig, err := Sign(testSecret, body)
	require.NoError(t, err)

	tampered := bytes.Replace(body, []byte(`9.95`), []byte(`9.96`), 1)
	assert.ErrorIs(t, v.VerifySignature(tampered, sig), ErrInvalidSignature)

	other, err := Sign("wrong-secret", body)
	require.NoError(t, err)
	assert.ErrorIs(t, v.VerifySignature(body, other), ErrInvalidSignature)

	assert.ErrorIs(t, v.VerifySignature(body, "zz-not-hex"), ErrInvalidSignature)
	assert.ErrorIs(t, v.VerifySignature(body, ""), ErrMissingSignature)
}

func TestVerifySignatureDisabled(t *testing.T) {
	v := NewVerifier("", 0.02, zap.NewNop())
	assert.False(t, v.Enabled())
	assert.NoError(t, v.VerifySignature([]byte(samplePayload), ""))
}

func TestAmountToleranceBoundary(t *testing.T) {
	v := NewVerifier(testSecret, 0.02, zap.NewNop())

	assert.True(t, v.CheckAmount(10, 10))
	assert.True(t, v.CheckAmount(10, 9.81))
	assert.False(t, v.CheckAmount(10, 9.79))
	assert.True(t, v.CheckAmount(10, 10.19))
	assert.False(t, v.CheckAmount(10, 10.21))
	assert.False(t, v.CheckAmount(0, 0))
}
