package nowpayments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client NOWPayments REST 客户端
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError 非 2xx 响应
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("nowpayments: HTTP %d: %s", e.StatusCode, e.Body)
}

// InvoiceRequest 创建发票的请求参数
type InvoiceRequest struct {
	PriceAmount      float64 `json:"price_amount"`
	PriceCurrency    string  `json:"price_currency"`
	OrderID          string  `json:"order_id"`
	OrderDescription string  `json:"order_description,omitempty"`
	IPNCallbackURL   string  `json:"ipn_callback_url,omitempty"`
	SuccessURL       string  `json:"success_url,omitempty"`
	CancelURL        string  `json:"cancel_url,omitempty"`
}

type Invoice struct {
	ID         flexString `json:"id"`
	OrderID    string     `json:"order_id"`
	InvoiceURL string     `json:"invoice_url"`
}

// flexString 兼容数字和字符串两种写法的 ID
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*f = flexString(s)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("nowpayments: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("nowpayments: 读取响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("nowpayments: 解析响应失败: %w", err)
	}
	return nil
}

// CreateInvoice POST /invoice
func (c *Client) CreateInvoice(ctx context.Context, in InvoiceRequest) (*Invoice, error) {
	var inv Invoice
	if err := c.do(ctx, http.MethodPost, "/invoice", in, &inv); err != nil {
		return nil, err
	}
	if inv.ID == "" || inv.InvoiceURL == "" {
		return nil, fmt.Errorf("nowpayments: 发票响应缺少 id 或 invoice_url")
	}
	return &inv, nil
}

// GetPayment GET /payment/{id}，返回与 IPN 回调同结构的原始报文
func (c *Client) GetPayment(ctx context.Context, paymentID string) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/payment/"+paymentID, nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
