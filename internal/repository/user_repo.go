package repository

import (
	"context"
	"errors"

	"genrelay/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound       = errors.New("用户不存在")
	ErrCreditsNotEnough   = errors.New("积分不足")
	ErrFreeQuotaExhausted = errors.New("今日免费次数已用完")
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *UserRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID int64) (*model.User, error) {
	var user model.User
	err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetOrCreate 不存在时按默认值建档，并发创建由唯一主键兜底
func (r *UserRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, userID int64, today string) (*model.User, error) {
	user, err := r.GetByUserID(ctx, tx, userID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	newUser := &model.User{
		UserID:    userID,
		LastReset: today,
	}
	err = r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newUser).Error
	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, tx, userID)
}

// ResetDaily 日期变化时清零 free_used，返回是否发生了重置
func (r *UserRepository) ResetDaily(ctx context.Context, tx *gorm.DB, userID int64, today string) (bool, error) {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.User{}).
		Where("user_id = ? AND last_reset <> ?", userID, today).
		Updates(map[string]interface{}{
			"free_used":  0,
			"last_reset": today,
		})
	return result.RowsAffected == 1, result.Error
}

// AddCredits 调整积分，delta 为负时带条件扣减，保证 credits 不会小于 0
func (r *UserRepository) AddCredits(ctx context.Context, tx *gorm.DB, userID int64, delta int64) error {
	query := r.conn(tx).WithContext(ctx).Model(&model.User{}).Where("user_id = ?", userID)
	if delta < 0 {
		query = query.Where("credits >= ?", -delta)
	}

	result := query.UpdateColumn("credits", gorm.Expr("credits + ?", delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, tx, userID); err != nil {
			return err
		}
		return ErrCreditsNotEnough
	}
	return nil
}

// UseFree 占用一次免费额度
func (r *UserRepository) UseFree(ctx context.Context, tx *gorm.DB, userID int64, allowance int) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.User{}).
		Where("user_id = ? AND free_used < ?", userID, allowance).
		UpdateColumn("free_used", gorm.Expr("free_used + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrFreeQuotaExhausted
	}
	return nil
}

func (r *UserRepository) IncrementGenerated(ctx context.Context, tx *gorm.DB, userID int64) error {
	return r.conn(tx).WithContext(ctx).
		Model(&model.User{}).
		Where("user_id = ?", userID).
		UpdateColumn("total_generated", gorm.Expr("total_generated + 1")).Error
}

func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&model.User{}).Count(&total).Error
	return total, err
}
