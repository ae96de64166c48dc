package repository

import (
	"context"
	"time"

	"genrelay/internal/model"

	"gorm.io/gorm"
)

// GenerationPatch 生成记录的部分更新，只写入非 nil 字段
type GenerationPatch struct {
	Status       *string
	JobID        *string
	ErrorMessage *string
	CompletedAt  *time.Time
}

func (p GenerationPatch) columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p.Status != nil {
		cols["status"] = *p.Status
	}
	if p.JobID != nil {
		cols["job_id"] = *p.JobID
	}
	if p.ErrorMessage != nil {
		cols["error_message"] = *p.ErrorMessage
	}
	if p.CompletedAt != nil {
		cols["completed_at"] = *p.CompletedAt
	}
	return cols
}

type GenerationRepository struct {
	db *gorm.DB
}

func NewGenerationRepository(db *gorm.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Create(ctx context.Context, tx *gorm.DB, gen *model.Generation) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(gen).Error
}

func (r *GenerationRepository) Update(ctx context.Context, tx *gorm.DB, id int64, patch GenerationPatch) error {
	cols := patch.columns()
	if len(cols) == 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.Generation{}).
		Where("id = ?", id).
		Updates(cols).Error
}

func (r *GenerationRepository) GetByID(ctx context.Context, id int64) (*model.Generation, error) {
	var gen model.Generation
	if err := r.db.WithContext(ctx).First(&gen, id).Error; err != nil {
		return nil, err
	}
	return &gen, nil
}

// CountByStatus 按状态分组计数
func (r *GenerationRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.Generation{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
