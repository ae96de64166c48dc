package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 支付回调处理结果标签
const (
	CallbackCompleted        = "completed"
	CallbackAnnotated        = "annotated"
	CallbackAlreadyProcessed = "already_processed"
	CallbackAmountMismatch   = "amount_mismatch"
	CallbackRejected         = "rejected"
	CallbackError            = "error"
)

// Metrics 业务指标
type Metrics struct {
	PaymentCallbacks    *prometheus.CounterVec
	CreditsGranted      prometheus.Counter
	Generations         *prometheus.CounterVec
	ActiveGenerations   prometheus.Gauge
	OutboxDeliveries    *prometheus.CounterVec
	StuckClaimsRepaired *prometheus.CounterVec
}

// New 创建并注册指标，registerer 为 nil 时使用默认注册表
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PaymentCallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genrelay",
			Name:      "payment_callbacks_total",
			Help:      "Payment provider callbacks by processing result.",
		}, []string{"result"}),
		CreditsGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "genrelay",
			Name:      "credits_granted_total",
			Help:      "Credits granted from completed purchases.",
		}),
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genrelay",
			Name:      "generations_total",
			Help:      "Image generations by final status.",
		}, []string{"status"}),
		ActiveGenerations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "genrelay",
			Name:      "active_generations",
			Help:      "Generations currently in flight.",
		}),
		OutboxDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genrelay",
			Name:      "outbox_deliveries_total",
			Help:      "Outbox delivery attempts by topic and result.",
		}, []string{"topic", "result"}),
		StuckClaimsRepaired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "genrelay",
			Name:      "stuck_claims_repaired_total",
			Help:      "Stuck processing claims repaired by outcome.",
		}, []string{"outcome"}),
	}

	registerer.MustRegister(
		m.PaymentCallbacks,
		m.CreditsGranted,
		m.Generations,
		m.ActiveGenerations,
		m.OutboxDeliveries,
		m.StuckClaimsRepaired,
	)
	return m
}

// NewNop 注册到独立注册表，测试使用
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
