package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"genrelay/internal/ledger"
	"genrelay/internal/metrics"
	"genrelay/internal/model"
	"genrelay/internal/payment"
	"genrelay/internal/repository"

	"go.uber.org/zap"
)

var (
	ErrNoPaymentID   = errors.New("交易尚无支付商支付ID，无法对账")
	ErrOrderMismatch = errors.New("支付商返回的订单号与交易不符")
)

// ResultCode 支付回调的处理结果
type ResultCode string

const (
	ResultCompleted        ResultCode = "completed"
	ResultAnnotated        ResultCode = "annotated"
	ResultAlreadyProcessed ResultCode = "already_processed"
	ResultAmountMismatch   ResultCode = "amount_mismatch"
	ResultRejected         ResultCode = "rejected"
	ResultInvalid          ResultCode = "invalid"
	ResultRetry            ResultCode = "retry"
)

// CallbackResult 返回给支付商的结构化结果
type CallbackResult struct {
	Code    ResultCode `json:"code"`
	OrderID string     `json:"order_id,omitempty"`
	Message string     `json:"message,omitempty"`
}

// HTTPStatus 500 让支付商重新投递，其余结果重投也不会改变状态
func (r CallbackResult) HTTPStatus() int {
	switch r.Code {
	case ResultRejected:
		return http.StatusUnauthorized
	case ResultInvalid:
		return http.StatusBadRequest
	case ResultRetry:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

func (r CallbackResult) metricLabel() string {
	switch r.Code {
	case ResultCompleted:
		return metrics.CallbackCompleted
	case ResultAnnotated:
		return metrics.CallbackAnnotated
	case ResultAlreadyProcessed:
		return metrics.CallbackAlreadyProcessed
	case ResultAmountMismatch:
		return metrics.CallbackAmountMismatch
	case ResultRejected, ResultInvalid:
		return metrics.CallbackRejected
	default:
		return metrics.CallbackError
	}
}

// PaymentLookup 从支付商主动查询支付详情
type PaymentLookup interface {
	GetPayment(ctx context.Context, paymentID string) (map[string]interface{}, error)
}

// ReconcileService 把支付回调转换为只发生一次、金额校验过的积分入账
type ReconcileService struct {
	store     *ledger.Store
	guard     *ledger.Guard
	verifier  *payment.Verifier
	notifier  *Notifier
	lookup    PaymentLookup
	metrics   *metrics.Metrics
	paidField string
	log       *zap.Logger
}

func NewReconcileService(store *ledger.Store, guard *ledger.Guard, verifier *payment.Verifier, notifier *Notifier,
	lookup PaymentLookup, m *metrics.Metrics, paidField string, log *zap.Logger) *ReconcileService {
	return &ReconcileService{
		store:     store,
		guard:     guard,
		verifier:  verifier,
		notifier:  notifier,
		lookup:    lookup,
		metrics:   m,
		paidField: paidField,
		log:       log.Named("ReconcileService"),
	}
}

// HandleCallback 处理一次支付回调，signature 为请求头中的签名，为空时取报文内的 signature 字段
func (s *ReconcileService) HandleCallback(ctx context.Context, body []byte, signature string) CallbackResult {
	result := s.handleCallback(ctx, body, signature)
	s.metrics.PaymentCallbacks.WithLabelValues(result.metricLabel()).Inc()
	return result
}

func (s *ReconcileService) handleCallback(ctx context.Context, body []byte, signature string) CallbackResult {
	cb, err := payment.ParseCallback(body, s.paidField)
	if err != nil {
		s.log.Warn("支付回调报文不合法", zap.Error(err))
		return CallbackResult{Code: ResultInvalid, Message: err.Error()}
	}
	if signature == "" {
		signature = cb.Signature
	}

	if err := s.verifier.VerifySignature(body, signature); err != nil {
		s.log.Warn("支付回调签名校验失败", zap.String("order_id", cb.OrderID), zap.Error(err))
		return CallbackResult{Code: ResultRejected, OrderID: cb.OrderID, Message: err.Error()}
	}

	return s.reconcile(ctx, cb, model.ClaimableForCompletion)
}

// ReconcileManual 主动向支付商查询并对账，允许补救 expired / failed / mismatch 的交易
func (s *ReconcileService) ReconcileManual(ctx context.Context, orderID string) (CallbackResult, error) {
	trans, err := s.store.GetTransaction(ctx, orderID)
	if err != nil {
		return CallbackResult{}, err
	}
	if trans.PaymentID == "" {
		return CallbackResult{}, ErrNoPaymentID
	}

	payload, err := s.lookup.GetPayment(ctx, trans.PaymentID)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("查询支付详情失败: %w", err)
	}
	cb, err := payment.FromPayload(payload, s.paidField)
	if err != nil {
		return CallbackResult{}, err
	}
	if cb.OrderID != orderID {
		return CallbackResult{}, ErrOrderMismatch
	}

	s.log.Info("人工对账", zap.String("order_id", orderID), zap.Int64("user_id", trans.UserID),
		zap.String("payment_status", cb.PaymentStatus))
	result := s.reconcile(ctx, cb, model.ManualReconcilable)
	s.metrics.PaymentCallbacks.WithLabelValues(result.metricLabel()).Inc()
	return result, nil
}

func callbackPatch(cb *payment.Callback) *repository.TransactionPatch {
	patch := &repository.TransactionPatch{
		PaymentStatus: &cb.PaymentStatus,
		PayAmount:     cb.PayAmount,
	}
	if cb.PaymentID != "" {
		patch.PaymentID = &cb.PaymentID
	}
	if cb.PayCurrency != "" {
		patch.PayCurrency = &cb.PayCurrency
	}
	return patch
}

func (s *ReconcileService) reconcile(ctx context.Context, cb *payment.Callback, claimFrom []string) CallbackResult {
	if !cb.KnownStatus {
		s.log.Warn("未知的支付状态，按 pending 处理", zap.String("order_id", cb.OrderID), zap.String("payment_status", cb.PaymentStatus))
	}
	if cb.Kind == payment.KindCompleted {
		return s.complete(ctx, cb, claimFrom)
	}
	return s.annotate(ctx, cb)
}

// notFoundOr 抢占失败时区分"订单不存在"和"已被处理"
func (s *ReconcileService) notFoundOr(ctx context.Context, orderID string) CallbackResult {
	_, err := s.store.GetTransaction(ctx, orderID)
	switch {
	case errors.Is(err, ledger.ErrTransactionNotFound):
		s.log.Warn("支付回调对应的交易不存在", zap.String("order_id", orderID))
		return CallbackResult{Code: ResultInvalid, OrderID: orderID, Message: err.Error()}
	case err != nil:
		return CallbackResult{Code: ResultRetry, OrderID: orderID, Message: err.Error()}
	default:
		return CallbackResult{Code: ResultAlreadyProcessed, OrderID: orderID}
	}
}

var kindStatus = map[payment.Kind]string{
	payment.KindPending:  model.PaymentStatusPending,
	payment.KindExpired:  model.PaymentStatusExpired,
	payment.KindFailed:   model.PaymentStatusFailed,
	payment.KindMismatch: model.PaymentStatusMismatch,
}

func (s *ReconcileService) annotate(ctx context.Context, cb *payment.Callback) CallbackResult {
	status := kindStatus[cb.Kind]
	ok, err := s.guard.Annotate(ctx, cb.OrderID, status, callbackPatch(cb))
	if err != nil {
		s.log.Error("更新交易状态失败", zap.String("order_id", cb.OrderID), zap.Error(err))
		return CallbackResult{Code: ResultRetry, OrderID: cb.OrderID, Message: err.Error()}
	}
	if !ok {
		return s.notFoundOr(ctx, cb.OrderID)
	}

	trans, err := s.store.GetTransaction(ctx, cb.OrderID)
	if err == nil {
		s.log.Info("交易状态已更新", zap.String("order_id", cb.OrderID), zap.Int64("user_id", trans.UserID),
			zap.String("status", status), zap.String("payment_status", cb.PaymentStatus))
		if text := annotationText(cb.Kind, trans); text != "" {
			s.notifier.NotifyUser(ctx, trans.UserID, cb.OrderID+":"+status, text)
		}
	}
	return CallbackResult{Code: ResultAnnotated, OrderID: cb.OrderID}
}

func annotationText(kind payment.Kind, trans *model.PaymentTransaction) string {
	switch kind {
	case payment.KindExpired:
		return fmt.Sprintf("⌛ Your payment for order %s expired. Use /buy to start a new one.", trans.OrderID)
	case payment.KindFailed:
		return fmt.Sprintf("❌ Payment for order %s failed. No credits were charged.", trans.OrderID)
	case payment.KindMismatch:
		return fmt.Sprintf("⚠️ Order %s was only partially paid. Please complete the payment or contact support.", trans.OrderID)
	}
	return ""
}

func (s *ReconcileService) complete(ctx context.Context, cb *payment.Callback, claimFrom []string) CallbackResult {
	if cb.PaidAmountUSD == nil {
		s.log.Warn("完成回调缺少实付金额", zap.String("order_id", cb.OrderID))
		return CallbackResult{Code: ResultInvalid, OrderID: cb.OrderID, Message: payment.ErrMissingPaidAmount.Error()}
	}

	claimed, err := s.guard.Transition(ctx, cb.OrderID, claimFrom, model.PaymentStatusProcessing, callbackPatch(cb))
	if err != nil {
		s.log.Error("抢占交易失败", zap.String("order_id", cb.OrderID), zap.Error(err))
		return CallbackResult{Code: ResultRetry, OrderID: cb.OrderID, Message: err.Error()}
	}
	if !claimed {
		return s.notFoundOr(ctx, cb.OrderID)
	}

	// 抢占之后任何未走到终态的退出（包括 panic）都要把交易退回 pending
	settled := false
	defer func() {
		if settled {
			return
		}
		releaseCtx := context.WithoutCancel(ctx)
		if _, err := s.guard.Release(releaseCtx, cb.OrderID); err != nil {
			s.log.Error("释放交易抢占失败，等待补偿任务处理", zap.String("order_id", cb.OrderID), zap.Error(err))
			return
		}
		s.log.Warn("入账未完成，交易已退回 pending", zap.String("order_id", cb.OrderID))
	}()

	trans, err := s.store.GetTransaction(ctx, cb.OrderID)
	if err != nil {
		return CallbackResult{Code: ResultRetry, OrderID: cb.OrderID, Message: err.Error()}
	}
	fields := []zap.Field{
		zap.String("order_id", trans.OrderID),
		zap.Int64("user_id", trans.UserID),
		zap.Float64("expected_usd", trans.AmountUSD),
		zap.Float64("paid_usd", *cb.PaidAmountUSD),
	}

	if !s.verifier.CheckAmount(trans.AmountUSD, *cb.PaidAmountUSD) {
		ok, err := s.guard.Transition(ctx, cb.OrderID, []string{model.PaymentStatusProcessing}, model.PaymentStatusAmountMismatch,
			&repository.TransactionPatch{PaidAmountUSD: cb.PaidAmountUSD})
		if err != nil || !ok {
			s.log.Error("标记金额不符失败", append(fields, zap.Error(err))...)
			return CallbackResult{Code: ResultRetry, OrderID: cb.OrderID, Message: "标记金额不符失败"}
		}
		settled = true
		s.log.Warn("实付金额超出容差，交易需人工复核", fields...)

		s.notifier.NotifyUser(ctx, trans.UserID, cb.OrderID+":"+model.PaymentStatusAmountMismatch, fmt.Sprintf(
			"⚠️ Payment for order %s received $%.2f but $%.2f was expected. Support will review it manually.",
			trans.OrderID, *cb.PaidAmountUSD, trans.AmountUSD))
		s.notifier.PublishPaymentResult(ctx, resultEvent(trans, model.PaymentStatusAmountMismatch, cb.PaidAmountUSD))
		return CallbackResult{Code: ResultAmountMismatch, OrderID: cb.OrderID}
	}

	completed, balance, err := s.store.CompletePurchase(ctx, cb.OrderID, cb.PaidAmountUSD)
	if err != nil {
		s.log.Error("入账失败", append(fields, zap.Error(err))...)
		return CallbackResult{Code: ResultRetry, OrderID: cb.OrderID, Message: err.Error()}
	}
	settled = true
	s.metrics.CreditsGranted.Add(float64(completed.Credits))
	s.log.Info("积分入账成功", append(fields, zap.Int64("credits", completed.Credits), zap.Int64("balance", balance))...)

	s.notifier.NotifyUser(ctx, completed.UserID, cb.OrderID+":"+model.PaymentStatusCompleted, fmt.Sprintf(
		"✅ Payment received! %d credits added.\nBalance: %d credits", completed.Credits, balance))
	s.notifier.PublishPaymentResult(ctx, resultEvent(completed, model.PaymentStatusCompleted, cb.PaidAmountUSD))
	return CallbackResult{Code: ResultCompleted, OrderID: cb.OrderID}
}

func resultEvent(trans *model.PaymentTransaction, status string, paid *float64) model.PaymentResultEvent {
	return model.PaymentResultEvent{
		OrderID:       trans.OrderID,
		UserID:        trans.UserID,
		Status:        status,
		Credits:       trans.Credits,
		AmountUSD:     trans.AmountUSD,
		PaidAmountUSD: paid,
		OccurredAt:    time.Now(),
	}
}
