package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"genrelay/internal/chat"
	"genrelay/internal/infrastructure/telegram"
	"genrelay/internal/ledger"
	"genrelay/internal/service"
	"genrelay/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// UpdateHandler 聊天事件的消费方
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u chat.Update)
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	store     *ledger.Store
	accounts  *service.AccountService
	reconcile *service.ReconcileService
	quota     *service.QuotaGate
	admission *service.Admission
	chat      UpdateHandler
	log       *zap.Logger
}

func NewHandler(deps *Deps) *Handler {
	return &Handler{
		store:     deps.Store,
		accounts:  service.NewAccountService(deps.Store),
		reconcile: deps.Reconcile,
		quota:     deps.Quota,
		admission: deps.Admission,
		chat:      deps.Chat,
		log:       deps.Logger.Named("Handler"),
	}
}

func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
}

// ============================================================
// Webhook
// ============================================================

// TelegramWebhook 聊天渠道推送
// POST /webhook/telegram
//
// 无论处理结果如何都返回 ok，避免 Telegram 重复推送同一条消息
func (h *Handler) TelegramWebhook(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		h.log.Warn("读取聊天推送失败", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	update, ok, err := telegram.ParseUpdate(body)
	switch {
	case err != nil:
		h.log.Warn("聊天推送解析失败", zap.Error(err))
	case ok:
		h.chat.HandleUpdate(context.WithoutCancel(c.Request.Context()), update)
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PaymentWebhook 支付商 IPN 回调
// POST /webhook/payment
func (h *Handler) PaymentWebhook(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, service.CallbackResult{Code: service.ResultInvalid, Message: err.Error()})
		return
	}

	// 抢占之后不能因客户端断开而中断
	result := h.reconcile.HandleCallback(context.WithoutCancel(c.Request.Context()), body, c.GetHeader("x-nowpayments-sig"))
	c.JSON(result.HTTPStatus(), result)
}

// ============================================================
// 状态
// ============================================================

// Status GET /
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":                     "ok",
		"service":                    "genrelay",
		"quota_enabled":              h.quota.Enabled(),
		"active_generations":         h.admission.Active(),
		"max_concurrent_generations": h.admission.Max(),
	})
}

// Stats GET /stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.store.GetStats(c.Request.Context())
	if err != nil {
		h.log.Error("查询统计失败", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_users":        stats.TotalUsers,
		"generations":        stats.Generations,
		"active_generations": h.admission.Active(),
		"quota_enabled":      h.quota.Enabled(),
	})
}

// ============================================================
// 管理接口
// ============================================================

func (h *Handler) businessError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrTransactionNotFound):
		response.BusinessError(c, response.CodeTransactionNotFound, err.Error())
	case errors.Is(err, ledger.ErrInsufficientCredits):
		response.BusinessError(c, response.CodeCreditsNotEnough, err.Error())
	case errors.Is(err, service.ErrNoPaymentID):
		response.BusinessError(c, response.CodeNoPaymentID, err.Error())
	case errors.Is(err, service.ErrOrderMismatch):
		response.BusinessError(c, response.CodeOrderMismatch, err.Error())
	case errors.Is(err, service.ErrEmptyRemark), errors.Is(err, ledger.ErrInvalidAmount):
		response.ParamError(c, err.Error())
	default:
		h.log.Error("管理接口处理失败", zap.String("path", c.FullPath()), zap.Error(err))
		response.ServerError(c, err.Error())
	}
}

func queryUserID(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return page, pageSize
}

// GetBalance 查询用户额度
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}

	balance, err := h.quota.Balance(c.Request.Context(), userID)
	if err != nil {
		h.businessError(c, err)
		return
	}
	response.Success(c, gin.H{
		"user_id": userID,
		"balance": balance,
	})
}

// AdjustRequest 人工调整积分
type AdjustRequest struct {
	UserID int64  `json:"user_id" binding:"required,gt=0"`
	Delta  int64  `json:"delta" binding:"required"`
	Remark string `json:"remark" binding:"required"`
}

// Adjust 人工加减积分
// POST /api/v1/account/adjust
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	balance, err := h.accounts.Adjust(c.Request.Context(), req.UserID, req.Delta, req.Remark)
	if err != nil {
		h.businessError(c, err)
		return
	}
	h.log.Info("人工调整积分", zap.Int64("user_id", req.UserID), zap.Int64("delta", req.Delta),
		zap.Int64("balance", balance), zap.String("remark", req.Remark))

	response.Success(c, gin.H{
		"user_id": req.UserID,
		"credits": balance,
	})
}

// ListCreditLogs 积分流水
// GET /api/v1/account/credit_logs?user_id=xxx&page=1&page_size=10
func (h *Handler) ListCreditLogs(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, pageSize := pagination(c)

	logs, total, err := h.accounts.ListCreditLogs(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.businessError(c, err)
		return
	}
	response.Page(c, logs, total, page, pageSize)
}

// GetTransaction 交易详情
// GET /api/v1/transaction/detail?order_id=xxx
func (h *Handler) GetTransaction(c *gin.Context) {
	orderID := c.Query("order_id")
	if orderID == "" {
		response.ParamError(c, "order_id 参数不能为空")
		return
	}

	trans, err := h.accounts.GetTransaction(c.Request.Context(), orderID)
	if err != nil {
		h.businessError(c, err)
		return
	}
	response.Success(c, trans)
}

// ListTransactions 用户交易列表
// GET /api/v1/transaction/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	page, pageSize := pagination(c)

	list, total, err := h.accounts.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		h.businessError(c, err)
		return
	}
	response.Page(c, list, total, page, pageSize)
}

// Reconcile 人工对账：向支付商查询支付详情并走一遍入账流程
// POST /api/v1/transaction/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	var req struct {
		OrderID string `json:"order_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.reconcile.ReconcileManual(context.WithoutCancel(c.Request.Context()), req.OrderID)
	if err != nil {
		h.businessError(c, err)
		return
	}
	if result.HTTPStatus() != http.StatusOK {
		response.BusinessError(c, response.CodeReconcileFailed, string(result.Code)+": "+result.Message)
		return
	}
	response.Success(c, result)
}
