package service

import (
	"context"
	"errors"
	"fmt"

	"genrelay/internal/config"
	"genrelay/internal/infrastructure/nowpayments"
	"genrelay/internal/ledger"
	"genrelay/internal/model"
	"genrelay/internal/repository"
	"genrelay/pkg/idgen"

	"go.uber.org/zap"
)

var ErrUnknownPackage = errors.New("套餐不存在")

// InvoiceCreator 支付商发票接口
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, in nowpayments.InvoiceRequest) (*nowpayments.Invoice, error)
}

// OrderService 积分购买下单
type OrderService struct {
	store    *ledger.Store
	guard    *ledger.Guard
	invoices InvoiceCreator
	cfg      *config.Config
	log      *zap.Logger
}

func NewOrderService(store *ledger.Store, guard *ledger.Guard, invoices InvoiceCreator, cfg *config.Config, log *zap.Logger) *OrderService {
	return &OrderService{
		store:    store,
		guard:    guard,
		invoices: invoices,
		cfg:      cfg,
		log:      log.Named("OrderService"),
	}
}

func (s *OrderService) Packages() []config.PackageConfig {
	return s.cfg.Packages
}

// CreatePurchase 创建购买订单
//
// 【关键点】先落库交易（new），再向支付商申请发票。
// 发票创建后进程崩溃时，回调仍能通过 order_id 找到交易。
func (s *OrderService) CreatePurchase(ctx context.Context, userID int64, packageID string) (*model.PaymentTransaction, error) {
	pkg, ok := s.cfg.Package(packageID)
	if !ok {
		return nil, ErrUnknownPackage
	}

	trans := &model.PaymentTransaction{
		OrderID:   idgen.GenerateOrderNo(),
		UserID:    userID,
		PackageID: pkg.ID,
		AmountUSD: pkg.PriceUSD,
		Credits:   pkg.Credits,
		Status:    model.PaymentStatusNew,
	}
	if err := s.store.CreateTransaction(ctx, trans); err != nil {
		return nil, fmt.Errorf("创建交易失败: %w", err)
	}
	fields := []zap.Field{zap.String("order_id", trans.OrderID), zap.Int64("user_id", userID), zap.String("package", pkg.ID)}

	inv, err := s.invoices.CreateInvoice(ctx, nowpayments.InvoiceRequest{
		PriceAmount:      pkg.PriceUSD,
		PriceCurrency:    s.cfg.Payment.PriceCurrency,
		OrderID:          trans.OrderID,
		OrderDescription: fmt.Sprintf("%d credits", pkg.Credits),
		IPNCallbackURL:   s.cfg.Payment.CallbackURL,
		SuccessURL:       s.cfg.Payment.SuccessURL,
		CancelURL:        s.cfg.Payment.CancelURL,
	})
	if err != nil {
		s.log.Error("创建发票失败", append(fields, zap.Error(err))...)
		if _, markErr := s.guard.Claim(context.WithoutCancel(ctx), trans.OrderID, []string{model.PaymentStatusNew}, model.PaymentStatusFailed); markErr != nil {
			s.log.Error("标记交易失败状态失败", append(fields, zap.Error(markErr))...)
		}
		return nil, fmt.Errorf("创建发票失败: %w", err)
	}

	invoiceID := string(inv.ID)
	ok, err = s.guard.Annotate(ctx, trans.OrderID, model.PaymentStatusPending, &repository.TransactionPatch{
		InvoiceID:  &invoiceID,
		InvoiceURL: &inv.InvoiceURL,
	})
	if err != nil {
		return nil, fmt.Errorf("记录发票信息失败: %w", err)
	}
	if !ok {
		// 回调先于发票响应到达，交易已被推进，无需再标注
		s.log.Warn("交易状态已变化，跳过发票标注", fields...)
	}

	trans.InvoiceID = invoiceID
	trans.InvoiceURL = inv.InvoiceURL
	trans.Status = model.PaymentStatusPending
	s.log.Info("购买订单已创建", append(fields, zap.String("invoice_id", invoiceID))...)
	return trans, nil
}
