package service

import (
	"context"
	"errors"

	"genrelay/internal/ledger"
	"genrelay/internal/model"
)

var ErrEmptyRemark = errors.New("人工调整必须填写备注")

// AccountService 管理端的积分查询与调整
type AccountService struct {
	store *ledger.Store
}

func NewAccountService(store *ledger.Store) *AccountService {
	return &AccountService{store: store}
}

// Adjust 人工加减积分，返回调整后的余额
func (s *AccountService) Adjust(ctx context.Context, userID, delta int64, remark string) (int64, error) {
	if remark == "" {
		return 0, ErrEmptyRemark
	}
	return s.store.AdjustCredits(ctx, userID, delta, model.CreditLogTypeAdjust, "", remark)
}

func (s *AccountService) ListCreditLogs(ctx context.Context, userID int64, page, pageSize int) ([]*model.CreditLog, int64, error) {
	return s.store.ListCreditLogs(ctx, userID, page, pageSize)
}

func (s *AccountService) GetTransaction(ctx context.Context, orderID string) (*model.PaymentTransaction, error) {
	return s.store.GetTransaction(ctx, orderID)
}

func (s *AccountService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.PaymentTransaction, int64, error) {
	return s.store.ListTransactions(ctx, userID, page, pageSize)
}
