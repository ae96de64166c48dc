package repository

import (
	"context"
	"errors"
	"time"

	"genrelay/internal/model"

	"gorm.io/gorm"
)

var (
	ErrTransactionNotFound = errors.New("支付交易不存在")
	ErrDuplicateOrder      = errors.New("订单号重复")
)

// TransactionPatch 交易记录的部分更新，只写入非 nil 字段
type TransactionPatch struct {
	PaymentStatus *string
	PaymentID     *string
	InvoiceID     *string
	InvoiceURL    *string
	PayCurrency   *string
	PayAmount     *float64
	PaidAmountUSD *float64
	CompletedAt   *time.Time
}

func (p *TransactionPatch) columns() map[string]interface{} {
	cols := map[string]interface{}{}
	if p == nil {
		return cols
	}
	if p.PaymentStatus != nil {
		cols["payment_status"] = *p.PaymentStatus
	}
	if p.PaymentID != nil {
		cols["payment_id"] = *p.PaymentID
	}
	if p.InvoiceID != nil {
		cols["invoice_id"] = *p.InvoiceID
	}
	if p.InvoiceURL != nil {
		cols["invoice_url"] = *p.InvoiceURL
	}
	if p.PayCurrency != nil {
		cols["pay_currency"] = *p.PayCurrency
	}
	if p.PayAmount != nil {
		cols["pay_amount"] = *p.PayAmount
	}
	if p.PaidAmountUSD != nil {
		cols["paid_amount_usd"] = *p.PaidAmountUSD
	}
	if p.CompletedAt != nil {
		cols["completed_at"] = *p.CompletedAt
	}
	return cols
}

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.PaymentTransaction) error {
	err := r.conn(tx).WithContext(ctx).Create(trans).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateOrder
	}
	return err
}

func (r *PaymentRepository) GetByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*model.PaymentTransaction, error) {
	var trans model.PaymentTransaction
	err := r.conn(tx).WithContext(ctx).Where("order_id = ?", orderID).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

// CompareAndSetStatus 仅当当前状态属于 from 时改为 to，并同时写入 patch
//
// 【关键点】判断和写入在同一条 UPDATE 里完成，RowsAffected == 1 才算抢到
func (r *PaymentRepository) CompareAndSetStatus(ctx context.Context, tx *gorm.DB, orderID string, from []string, to string, patch *TransactionPatch) (bool, error) {
	return r.setStatus(ctx, tx, "order_id = ? AND status IN ?", orderID, from, to, patch)
}

// CompareAndSetStatusExcept 当前状态不属于 except 时改为 to
func (r *PaymentRepository) CompareAndSetStatusExcept(ctx context.Context, tx *gorm.DB, orderID string, except []string, to string, patch *TransactionPatch) (bool, error) {
	return r.setStatus(ctx, tx, "order_id = ? AND status NOT IN ?", orderID, except, to, patch)
}

func (r *PaymentRepository) setStatus(ctx context.Context, tx *gorm.DB, cond, orderID string, statuses []string, to string, patch *TransactionPatch) (bool, error) {
	updates := patch.columns()
	updates["status"] = to

	result := r.conn(tx).WithContext(ctx).
		Model(&model.PaymentTransaction{}).
		Where(cond, orderID, statuses).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Patch 只在当前状态属于 from 时写入 patch，不改变状态
func (r *PaymentRepository) Patch(ctx context.Context, tx *gorm.DB, orderID string, from []string, patch *TransactionPatch) (bool, error) {
	updates := patch.columns()
	if len(updates) == 0 {
		return false, nil
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.PaymentTransaction{}).
		Where("order_id = ? AND status IN ?", orderID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListByStatusBefore 查询指定状态且 updated_at 早于 before 的交易
func (r *PaymentRepository) ListByStatusBefore(ctx context.Context, status string, before time.Time, limit int) ([]*model.PaymentTransaction, error) {
	var list []*model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before).
		Order("id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *PaymentRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.PaymentTransaction, int64, error) {
	var list []*model.PaymentTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PaymentTransaction{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&list).Error
	return list, total, err
}
