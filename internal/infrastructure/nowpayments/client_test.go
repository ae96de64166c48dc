package nowpayments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/invoice", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))

		var req InvoiceRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "BUY1", req.OrderID)
		assert.InDelta(t, 10, req.PriceAmount, 1e-9)
		assert.Equal(t, "https://cb", req.IPNCallbackURL)

		_, _ = w.Write([]byte(`{"id":4522625843,"order_id":"BUY1","invoice_url":"https://pay/4522625843"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v1/", "key")
	inv, err := c.CreateInvoice(context.Background(), InvoiceRequest{
		PriceAmount:    10,
		PriceCurrency:  "usd",
		OrderID:        "BUY1",
		IPNCallbackURL: "https://cb",
	})
	require.NoError(t, err)
	assert.Equal(t, "4522625843", string(inv.ID))
	assert.Equal(t, "https://pay/4522625843", inv.InvoiceURL)
}

func TestCreateInvoiceAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"Invalid api key"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "bad").CreateInvoice(context.Background(), InvoiceRequest{OrderID: "x"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
}

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payment/123", r.URL.Path)
		_, _ = w.Write([]byte(`{"payment_id":123,"order_id":"BUY1","payment_status":"finished","actually_paid_at_fiat":9.99}`))
	}))
	defer srv.Close()

	payload, err := NewClient(srv.URL, "key").GetPayment(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, "finished", payload["payment_status"])
	assert.Equal(t, json.Number("9.99"), payload["actually_paid_at_fiat"])
}
