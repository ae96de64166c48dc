package repository

import (
	"context"
	"errors"

	"genrelay/internal/model"

	"gorm.io/gorm"
)

var ErrDuplicateCreditLog = errors.New("积分流水重复")

type CreditLogRepository struct {
	db *gorm.DB
}

func NewCreditLogRepository(db *gorm.DB) *CreditLogRepository {
	return &CreditLogRepository{db: db}
}

func (r *CreditLogRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.CreditLog) error {
	if tx == nil {
		tx = r.db
	}
	err := tx.WithContext(ctx).Create(entry).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateCreditLog
	}
	return err
}

// GetByLogNo 不存在时返回 nil, nil
func (r *CreditLogRepository) GetByLogNo(ctx context.Context, logNo string) (*model.CreditLog, error) {
	var entry model.CreditLog
	err := r.db.WithContext(ctx).Where("log_no = ?", logNo).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *CreditLogRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.CreditLog, int64, error) {
	var list []*model.CreditLog
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditLog{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&list).Error
	return list, total, err
}
