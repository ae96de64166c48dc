package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrMissingPaidAmount = errors.New("payment: 完成回调缺少实付金额")

// Kind 支付商状态归一后的类别
type Kind string

const (
	KindPending   Kind = "pending"
	KindCompleted Kind = "completed"
	KindExpired   Kind = "expired"
	KindFailed    Kind = "failed"
	KindMismatch  Kind = "mismatch"
)

// NOWPayments payment_status 到 Kind 的映射，未知状态按 pending 处理
var statusKinds = map[string]Kind{
	"waiting":        KindPending,
	"confirming":     KindPending,
	"confirmed":      KindPending,
	"sending":        KindPending,
	"finished":       KindCompleted,
	"expired":        KindExpired,
	"failed":         KindFailed,
	"refunded":       KindFailed,
	"cancelled":      KindFailed,
	"error":          KindFailed,
	"partially_paid": KindMismatch,
}

// MapStatus 返回归一后的类别，以及该状态是否在已知列表中
func MapStatus(raw string) (Kind, bool) {
	kind, ok := statusKinds[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return KindPending, false
	}
	return kind, true
}

// Callback 解析后的支付回调
type Callback struct {
	OrderID       string
	PaymentID     string
	PaymentStatus string
	Kind          Kind
	KnownStatus   bool
	PaidAmountUSD *float64
	PayCurrency   string
	PayAmount     *float64
	Signature     string
}

// ParseCallback 解析回调报文，paidAmountField 为实付美元金额所在字段名
func ParseCallback(body []byte, paidAmountField string) (*Callback, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return FromPayload(payload, paidAmountField)
}

// FromPayload 由已解码的报文构造 Callback，人工对账时复用
func FromPayload(payload map[string]interface{}, paidAmountField string) (*Callback, error) {
	cb := &Callback{
		OrderID:       stringField(payload, "order_id"),
		PaymentID:     stringField(payload, "payment_id"),
		PaymentStatus: stringField(payload, "payment_status"),
		PayCurrency:   stringField(payload, "pay_currency"),
		Signature:     stringField(payload, SignatureField),
	}
	if cb.OrderID == "" {
		return nil, fmt.Errorf("%w: 缺少 order_id", ErrInvalidPayload)
	}
	if cb.PaymentStatus == "" {
		return nil, fmt.Errorf("%w: 缺少 payment_status", ErrInvalidPayload)
	}
	cb.Kind, cb.KnownStatus = MapStatus(cb.PaymentStatus)

	var err error
	if cb.PaidAmountUSD, err = floatField(payload, paidAmountField); err != nil {
		return nil, err
	}
	if cb.PayAmount, err = floatField(payload, "actually_paid"); err != nil {
		return nil, err
	}
	return cb, nil
}

func stringField(payload map[string]interface{}, key string) string {
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// floatField 字段缺失或为 null 时返回 nil
func floatField(payload map[string]interface{}, key string) (*float64, error) {
	var (
		f   float64
		err error
	)
	switch v := payload[key].(type) {
	case nil:
		return nil, nil
	case json.Number:
		f, err = v.Float64()
	case float64:
		f = v
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return nil, fmt.Errorf("%w: 字段 %s 类型不合法", ErrInvalidPayload, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 字段 %s 不是数字", ErrInvalidPayload, key)
	}
	return &f, nil
}
