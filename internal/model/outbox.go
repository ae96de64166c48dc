package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 待投递的通知，Topic 决定由哪个投递通道处理
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);index;not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// UserNotification 发给用户的聊天消息
type UserNotification struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// PaymentResultEvent 入账结果事件，发往 Kafka
type PaymentResultEvent struct {
	OrderID       string    `json:"order_id"`
	UserID        int64     `json:"user_id"`
	Status        string    `json:"status"`
	Credits       int64     `json:"credits"`
	AmountUSD     float64   `json:"amount_usd"`
	PaidAmountUSD *float64  `json:"paid_amount_usd,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// AllModels AutoMigrate 的表
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&PaymentTransaction{},
		&Generation{},
		&CreditLog{},
		&OutboxMessage{},
	}
}
