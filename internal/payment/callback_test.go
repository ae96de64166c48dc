package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapStatus(t *testing.T) {
	cases := map[string]Kind{
		"waiting":        KindPending,
		"confirming":     KindPending,
		"confirmed":      KindPending,
		"sending":        KindPending,
		"finished":       KindCompleted,
		"FINISHED":       KindCompleted,
		"expired":        KindExpired,
		"failed":         KindFailed,
		"refunded":       KindFailed,
		"partially_paid": KindMismatch,
	}
	for raw, want := range cases {
		got, known := MapStatus(raw)
		assert.True(t, known, raw)
		assert.Equal(t, want, got, raw)
	}

	got, known := MapStatus("something_new")
	assert.False(t, known)
	assert.Equal(t, KindPending, got)
}

func TestParseCallback(t *testing.T) {
	cb, err := ParseCallback([]byte(samplePayload), "actually_paid_at_fiat")
	require.NoError(t, err)

	assert.Equal(t, "BUY1", cb.OrderID)
	assert.Equal(t, "5077125051", cb.PaymentID)
	assert.Equal(t, "finished", cb.PaymentStatus)
	assert.Equal(t, KindCompleted, cb.Kind)
	assert.Equal(t, "btc", cb.PayCurrency)
	assert.Equal(t, "ignored", cb.Signature)
	require.NotNil(t, cb.PaidAmountUSD)
	assert.InDelta(t, 9.95, *cb.PaidAmountUSD, 1e-9)
	assert.Nil(t, cb.PayAmount)
}

func TestParseCallbackConfigurableAmountField(t *testing.T) {
	body := []byte(`{"order_id":"o","payment_status":"finished","outcome_amount":"9.90"}`)

	cb, err := ParseCallback(body, "outcome_amount")
	require.NoError(t, err)
	require.NotNil(t, cb.PaidAmountUSD)
	assert.InDelta(t, 9.90, *cb.PaidAmountUSD, 1e-9)

	cb, err = ParseCallback(body, "actually_paid_at_fiat")
	require.NoError(t, err)
	assert.Nil(t, cb.PaidAmountUSD)
}

func TestParseCallbackInvalid(t *testing.T) {
	bodies := []string{
		`{`,
		`{"payment_status":"finished"}`,
		`{"order_id":"o"}`,
		`{"order_id":"o","payment_status":"finished","actually_paid_at_fiat":"abc"}`,
		`{"order_id":"o","payment_status":"finished","actually_paid_at_fiat":{"x":1}}`,
	}
	for _, body := range bodies {
		_, err := ParseCallback([]byte(body), "actually_paid_at_fiat")
		assert.ErrorIs(t, err, ErrInvalidPayload, body)
	}
}
