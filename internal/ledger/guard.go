package ledger

import (
	"context"

	"genrelay/internal/model"
	"genrelay/internal/repository"

	"gorm.io/gorm"
)

// Guard 支付交易的幂等抢占
//
// 每个方法都是一条带状态条件的 UPDATE，返回 true 表示本次调用改变了记录。
// 返回 false 时调用方应视为"已被其他投递处理"，而不是错误。
type Guard struct {
	store *Store
}

func NewGuard(store *Store) *Guard {
	return &Guard{store: store}
}

// Claim 当交易处于 from 中任一状态时改为 to
func (g *Guard) Claim(ctx context.Context, orderID string, from []string, to string) (bool, error) {
	return g.Transition(ctx, orderID, from, to, nil)
}

// Transition 同 Claim，并在同一条 UPDATE 中写入 patch
func (g *Guard) Transition(ctx context.Context, orderID string, from []string, to string, patch *repository.TransactionPatch) (bool, error) {
	var ok bool
	err := g.store.write(ctx, func(tx *gorm.DB) error {
		var err error
		ok, err = g.store.payments.CompareAndSetStatus(ctx, tx, orderID, from, to, patch)
		return err
	})
	return ok, err
}

// Annotate 软标注：completed、processing、amount_mismatch 永远不会被触碰，其余状态可被反复改写
func (g *Guard) Annotate(ctx context.Context, orderID, status string, patch *repository.TransactionPatch) (bool, error) {
	var ok bool
	err := g.store.write(ctx, func(tx *gorm.DB) error {
		var err error
		ok, err = g.store.payments.CompareAndSetStatusExcept(ctx, tx, orderID, model.AnnotationLocked, status, patch)
		return err
	})
	return ok, err
}

// Release 把 processing 的交易退回 pending，入账失败后调用
func (g *Guard) Release(ctx context.Context, orderID string) (bool, error) {
	return g.Claim(ctx, orderID, []string{model.PaymentStatusProcessing}, model.PaymentStatusPending)
}
