package model

import (
	"time"
)

// 支付交易状态
//
//	new --发票创建--> pending --回调 finished--> processing --入账--> completed
//	                  |                            \--金额不符--> amount_mismatch
//	                  |--> failed / expired / mismatch（可再被后续回调改写回 pending）
//
// completed 与 amount_mismatch 是终态。failed / expired / mismatch 不能被完成回调直接抢占，
// 只能先被软标注回 pending，或经人工对账补救。
const (
	PaymentStatusNew            = "new"
	PaymentStatusPending        = "pending"
	PaymentStatusProcessing     = "processing"
	PaymentStatusCompleted      = "completed"
	PaymentStatusFailed         = "failed"
	PaymentStatusExpired        = "expired"
	PaymentStatusMismatch       = "mismatch"
	PaymentStatusAmountMismatch = "amount_mismatch"
)

// ClaimableForCompletion 允许被完成回调抢占的状态
var ClaimableForCompletion = []string{PaymentStatusNew, PaymentStatusPending}

// AnnotationLocked 不允许被软标注改写的状态，软标注使用 status NOT IN (...) 条件
var AnnotationLocked = []string{PaymentStatusCompleted, PaymentStatusProcessing, PaymentStatusAmountMismatch}

// ManualReconcilable 人工对账时允许抢占的状态（超时、失败或部分支付后才到账的订单）
var ManualReconcilable = []string{
	PaymentStatusNew,
	PaymentStatusPending,
	PaymentStatusExpired,
	PaymentStatusFailed,
	PaymentStatusMismatch,
}

func IsTerminalPaymentStatus(status string) bool {
	return status == PaymentStatusCompleted || status == PaymentStatusAmountMismatch
}

// PaymentTransaction 支付交易表，一个 order_id 对应一次积分购买，记录永不删除
type PaymentTransaction struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID       string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_id"`
	UserID        int64      `gorm:"index;not null" json:"user_id"`
	PackageID     string     `gorm:"type:varchar(32)" json:"package_id"`
	AmountUSD     float64    `gorm:"type:decimal(12,2);not null" json:"amount_usd"`
	Credits       int64      `gorm:"not null" json:"credits"`
	Status        string     `gorm:"type:varchar(20);index;not null" json:"status"`
	PaymentStatus string     `gorm:"type:varchar(32)" json:"payment_status"` // 支付商原始状态
	PaymentID     string     `gorm:"type:varchar(64)" json:"payment_id"`
	InvoiceID     string     `gorm:"type:varchar(64)" json:"invoice_id"`
	InvoiceURL    string     `gorm:"type:varchar(512)" json:"invoice_url"`
	PayCurrency   string     `gorm:"type:varchar(16)" json:"pay_currency"`
	PayAmount     *float64   `json:"pay_amount"`
	PaidAmountUSD *float64   `json:"paid_amount_usd"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentTransaction) TableName() string {
	return "payment_transaction"
}
