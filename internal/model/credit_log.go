package model

import (
	"strconv"
	"time"
)

const (
	CreditLogTypePurchase   = "PURCHASE"   // 购买入账
	CreditLogTypeGeneration = "GENERATION" // 生成扣减
	CreditLogTypeAdjust     = "ADJUST"     // 人工调整
)

// PurchaseLogNo 购买入账的流水号由订单号决定，同一订单第二次入账会被唯一索引拒绝
func PurchaseLogNo(orderID string) string {
	return "CR" + orderID
}

// GenerationRefNo 生成扣减流水关联的业务单号
func GenerationRefNo(generationID int64) string {
	return "GEN" + strconv.FormatInt(generationID, 10)
}

// CreditLog 积分流水，只追加
type CreditLog struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	LogNo         string    `gorm:"type:varchar(80);uniqueIndex;not null" json:"log_no"`
	UserID        int64     `gorm:"index;not null" json:"user_id"`
	RefNo         string    `gorm:"type:varchar(64);index" json:"ref_no"` // 订单号或生成记录ID
	Amount        int64     `gorm:"not null" json:"amount"`               // 正数入账，负数扣减
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditLog) TableName() string {
	return "credit_log"
}
