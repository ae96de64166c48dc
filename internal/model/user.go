package model

import (
	"time"
)

// LastResetLayout users.last_reset 的日期格式（服务器本地时区）
const LastResetLayout = "2006-01-02"

// User 用户额度表
// credits 为付费积分，free_used 为当日已用免费次数，跨日首次访问时清零
type User struct {
	UserID         int64     `gorm:"primaryKey;autoIncrement:false" json:"user_id"` // 聊天渠道的用户ID
	Credits        int64     `gorm:"not null;default:0" json:"credits"`
	FreeUsed       int       `gorm:"not null;default:0" json:"free_used"`
	LastReset      string    `gorm:"type:varchar(10);not null" json:"last_reset"`
	TotalGenerated int64     `gorm:"not null;default:0" json:"total_generated"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
