package handler

import (
	"genrelay/internal/ledger"
	"genrelay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps 路由依赖
type Deps struct {
	Store      *ledger.Store
	Reconcile  *service.ReconcileService
	Quota      *service.QuotaGate
	Admission  *service.Admission
	Chat       UpdateHandler
	AdminToken string
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

// SetupRouter 配置路由
func SetupRouter(deps *Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware(deps.Logger))
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	h := NewHandler(deps)

	r.GET("/", h.Status)
	r.GET("/stats", h.Stats)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	webhook := r.Group("/webhook")
	{
		webhook.POST("/telegram", h.TelegramWebhook)
		webhook.POST("/payment", h.PaymentWebhook)
	}

	api := r.Group("/api/v1", AdminAuth(deps.AdminToken))
	{
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.POST("/adjust", h.Adjust)
			account.GET("/credit_logs", h.ListCreditLogs)
		}

		transaction := api.Group("/transaction")
		{
			transaction.GET("/detail", h.GetTransaction)
			transaction.GET("/list", h.ListTransactions)
			transaction.POST("/reconcile", h.Reconcile)
		}
	}

	return r
}
