package job

import (
	"context"
	"time"

	"genrelay/internal/ledger"
	"genrelay/internal/metrics"
	"genrelay/internal/model"
	"genrelay/internal/repository"

	"go.uber.org/zap"
)

// PendingExpiryJob 关闭长时间停留在 new 的交易（发票从未被支付商确认）
type PendingExpiryJob struct {
	store     *ledger.Store
	guard     *ledger.Guard
	timeout   time.Duration
	log       *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewPendingExpiryJob(store *ledger.Store, guard *ledger.Guard, timeout time.Duration, log *zap.Logger) *PendingExpiryJob {
	return &PendingExpiryJob{
		store:     store,
		guard:     guard,
		timeout:   timeout,
		log:       log.Named("PendingExpiryJob"),
		stopCh:    make(chan struct{}),
		interval:  time.Minute,
		batchSize: 100,
	}
}

func (j *PendingExpiryJob) Start(ctx context.Context) {
	j.log.Info("交易超时任务启动", zap.Duration("timeout", j.timeout))
	runTicker(ctx, j.stopCh, j.interval, j.ExpireStale)
	j.log.Info("任务退出")
}

func (j *PendingExpiryJob) Stop() {
	close(j.stopCh)
}

// ExpireStale 返回本次关闭的交易数
func (j *PendingExpiryJob) ExpireStale(ctx context.Context) int {
	list, err := j.store.ListStale(ctx, model.PaymentStatusNew, j.timeout, j.batchSize)
	if err != nil {
		j.log.Error("查询超时交易失败", zap.Error(err))
		return 0
	}

	expired := 0
	for _, trans := range list {
		fields := []zap.Field{zap.String("order_id", trans.OrderID), zap.Int64("user_id", trans.UserID)}
		ok, err := j.guard.Claim(ctx, trans.OrderID, []string{model.PaymentStatusNew}, model.PaymentStatusExpired)
		if err != nil {
			j.log.Error("关闭超时交易失败", append(fields, zap.Error(err))...)
			continue
		}
		if ok {
			expired++
			j.log.Info("交易已超时关闭", append(fields, zap.Float64("amount_usd", trans.AmountUSD))...)
		}
	}
	if expired > 0 {
		j.log.Info("本次关闭超时交易", zap.Int("count", expired))
	}
	return expired
}

// StuckClaimJob 修复停留在 processing 的交易：已有入账流水的补记 completed，否则退回 pending
type StuckClaimJob struct {
	store     *ledger.Store
	guard     *ledger.Guard
	after     time.Duration
	metrics   *metrics.Metrics
	log       *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewStuckClaimJob(store *ledger.Store, guard *ledger.Guard, after time.Duration, m *metrics.Metrics, log *zap.Logger) *StuckClaimJob {
	return &StuckClaimJob{
		store:     store,
		guard:     guard,
		after:     after,
		metrics:   m,
		log:       log.Named("StuckClaimJob"),
		stopCh:    make(chan struct{}),
		interval:  30 * time.Second,
		batchSize: 50,
	}
}

func (j *StuckClaimJob) Start(ctx context.Context) {
	j.log.Info("抢占补偿任务启动", zap.Duration("after", j.after))
	runTicker(ctx, j.stopCh, j.interval, j.Repair)
	j.log.Info("任务退出")
}

func (j *StuckClaimJob) Stop() {
	close(j.stopCh)
}

// Repair 返回本次修复的交易数
func (j *StuckClaimJob) Repair(ctx context.Context) int {
	list, err := j.store.ListStale(ctx, model.PaymentStatusProcessing, j.after, j.batchSize)
	if err != nil {
		j.log.Error("查询 processing 交易失败", zap.Error(err))
		return 0
	}

	repaired := 0
	for _, trans := range list {
		if j.repairOne(ctx, trans) {
			repaired++
		}
	}
	return repaired
}

func (j *StuckClaimJob) repairOne(ctx context.Context, trans *model.PaymentTransaction) bool {
	fields := []zap.Field{zap.String("order_id", trans.OrderID), zap.Int64("user_id", trans.UserID)}

	credited, err := j.store.HasPurchaseCredit(ctx, trans.OrderID)
	if err != nil {
		j.log.Error("查询入账流水失败", append(fields, zap.Error(err))...)
		return false
	}

	if credited {
		now := time.Now()
		ok, err := j.guard.Transition(ctx, trans.OrderID, []string{model.PaymentStatusProcessing}, model.PaymentStatusCompleted,
			&repository.TransactionPatch{CompletedAt: &now})
		if err != nil {
			j.log.Error("补记 completed 失败", append(fields, zap.Error(err))...)
			return false
		}
		if ok {
			j.metrics.StuckClaimsRepaired.WithLabelValues("completed").Inc()
			j.log.Warn("发现已入账但状态未更新的交易，已补记 completed", fields...)
		}
		return ok
	}

	ok, err := j.guard.Release(ctx, trans.OrderID)
	if err != nil {
		j.log.Error("释放抢占失败", append(fields, zap.Error(err))...)
		return false
	}
	if ok {
		j.metrics.StuckClaimsRepaired.WithLabelValues("released").Inc()
		j.log.Warn("抢占超时且无入账流水，已退回 pending", fields...)
	}
	return ok
}

func runTicker(ctx context.Context, stopCh <-chan struct{}, interval time.Duration, fn func(context.Context) int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
