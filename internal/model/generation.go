package model

import (
	"time"
)

const (
	GenerationStatusQueued     = "queued"
	GenerationStatusProcessing = "processing"
	GenerationStatusCompleted  = "completed"
	GenerationStatusFailed     = "failed"
)

// Generation 图片生成记录
type Generation struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64      `gorm:"index;not null" json:"user_id"`
	Prompt       string     `gorm:"type:text;not null" json:"prompt"`
	Status       string     `gorm:"type:varchar(20);index;not null" json:"status"`
	JobID        string     `gorm:"type:varchar(128)" json:"job_id"`
	ErrorMessage string     `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

func (Generation) TableName() string {
	return "generation"
}
