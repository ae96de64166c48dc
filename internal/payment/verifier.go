package payment

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrInvalidSignature = errors.New("payment: 签名校验失败")
	ErrMissingSignature = errors.New("payment: 缺少签名")
	ErrInvalidPayload   = errors.New("payment: 回调报文不合法")
)

// SignatureField 报文内签名字段，参与签名前会被剔除
const SignatureField = "signature"

// Verifier 校验支付回调的签名和到账金额
//
// 签名算法：HMAC-SHA512(secret, Canonicalize(body))，十六进制比较。
// secret 为空时跳过签名校验（仅限开发环境）。
type Verifier struct {
	secret    []byte
	tolerance float64
	log       *zap.Logger
}

func NewVerifier(secret string, tolerance float64, log *zap.Logger) *Verifier {
	log = log.Named("PaymentVerifier")
	if secret == "" {
		log.Warn("未配置 IPN 密钥，支付回调签名校验已关闭")
	}
	return &Verifier{
		secret:    []byte(secret),
		tolerance: tolerance,
		log:       log,
	}
}

func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// VerifySignature 校验原始报文的签名，signature 为十六进制（大小写不敏感）
func (v *Verifier) VerifySignature(body []byte, signature string) error {
	if !v.Enabled() {
		v.log.Warn("跳过支付回调签名校验")
		return nil
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}

	given, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	canonical, err := Canonicalize(body)
	if err != nil {
		return err
	}

	mac := hmac.New(sha512.New, v.secret)
	mac.Write(canonical)
	if !hmac.Equal(mac.Sum(nil), given) {
		return ErrInvalidSignature
	}
	return nil
}

// CheckAmount 实付金额与应付金额的相对偏差是否在容差内
func (v *Verifier) CheckAmount(expected, paid float64) bool {
	return WithinTolerance(expected, paid, v.tolerance)
}

func WithinTolerance(expected, paid, tolerance float64) bool {
	if expected <= 0 || math.IsNaN(paid) || math.IsInf(paid, 0) {
		return false
	}
	return math.Abs(paid-expected)/expected <= tolerance
}

// Canonicalize 签名原文：剔除 signature 字段，所有层级的 key 按字典序排列，
// 紧凑分隔符，不转义 HTML 字符，数字原样保留
func Canonicalize(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	delete(payload, SignatureField)

	// encoding/json 对 map 的 key 排序输出
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign 计算报文签名，用于测试和人工对账工具
func Sign(secret string, body []byte) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
