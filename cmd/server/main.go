package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genrelay/internal/config"
	"genrelay/internal/handler"
	"genrelay/internal/infrastructure/cache"
	"genrelay/internal/infrastructure/database"
	"genrelay/internal/infrastructure/mq"
	"genrelay/internal/infrastructure/nowpayments"
	"genrelay/internal/infrastructure/runpod"
	"genrelay/internal/infrastructure/telegram"
	"genrelay/internal/job"
	"genrelay/internal/ledger"
	"genrelay/internal/logger"
	"genrelay/internal/metrics"
	"genrelay/internal/payment"
	"genrelay/internal/service"
	"genrelay/pkg/idgen"

	"go.uber.org/zap"
)

func defaultConfigPath() string {
	if p := os.Getenv("GENRELAY_CONFIG"); p != "" {
		return p
	}
	return "config/config.yaml"
}

func main() {
	configPath := flag.String("config", defaultConfigPath(), "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := idgen.Init(cfg.Server.NodeID); err != nil {
		return err
	}

	db, err := database.Open(&cfg.MySQL, log)
	if err != nil {
		return err
	}

	var writeLock ledger.WriteLock = ledger.NewLocalWriteLock()
	if cfg.Ledger.Lock == "redis" {
		redisClient, err := cache.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		writeLock = ledger.NewRedisWriteLock(redisClient, cfg.Ledger.LockTTL, log)
	}
	log.Info("账本写锁", zap.String("lock", cfg.Ledger.Lock))

	workflow, err := runpod.LoadWorkflow(cfg.RunPod.WorkflowPath)
	if err != nil {
		return err
	}
	messenger, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.APIBase)
	if err != nil {
		return err
	}

	m := metrics.New(nil)
	store := ledger.NewStore(db, writeLock, log)
	guard := ledger.NewGuard(store)
	notifier := service.NewNotifier(db, &cfg.Kafka, log)
	payments := nowpayments.NewClient(cfg.Payment.BaseURL, cfg.Payment.APIKey)
	verifier := payment.NewVerifier(cfg.Payment.IPNSecret, cfg.Business.AmountTolerance, log)

	admission := service.NewAdmission(cfg.Business.MaxConcurrentGenerations)
	quota := service.NewQuotaGate(store, cfg.Business.QuotaEnabled, cfg.Business.DailyFreeAllowance)
	generations := service.NewGenerationService(store, admission,
		runpod.NewClient(cfg.RunPod.BaseURL, cfg.RunPod.EndpointID, cfg.RunPod.APIKey),
		workflow, messenger, m, cfg.Business.PollInterval, cfg.Business.PollTimeout, log)

	orders := service.NewOrderService(store, guard, payments, cfg, log)
	chatService := service.NewChatService(messenger, quota, admission, generations, orders, log)
	reconcile := service.NewReconcileService(store, guard, verifier, notifier, payments, m, cfg.Payment.PaidAmountField, log)

	// 启动后台任务
	sinks := map[string]job.Sink{cfg.Kafka.Topic.UserNotify: job.NewChatSink(messenger)}
	if cfg.Kafka.Enabled {
		publisher, err := mq.NewKafkaPublisher(&cfg.Kafka)
		if err != nil {
			return err
		}
		defer publisher.Close()
		sinks[cfg.Kafka.Topic.PaymentResult] = job.NewKafkaSink(publisher)
	}
	outboxSender := job.NewOutboxSender(db, sinks, cfg.Business.MaxRetryCount, m, log)
	go outboxSender.Start(ctx)

	expiryJob := job.NewPendingExpiryJob(store, guard, time.Duration(cfg.Business.OrderTimeoutMinutes)*time.Minute, log)
	go expiryJob.Start(ctx)

	stuckJob := job.NewStuckClaimJob(store, guard, cfg.Ledger.StuckClaimAfter, m, log)
	go stuckJob.Start(ctx)

	router := handler.SetupRouter(&handler.Deps{
		Store:      store,
		Reconcile:  reconcile,
		Quota:      quota,
		Admission:  admission,
		Chat:       chatService,
		AdminToken: cfg.Server.AdminToken,
		Logger:     log,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("服务启动",
			zap.Int("port", cfg.Server.Port),
			zap.Bool("quota_enabled", cfg.Business.QuotaEnabled),
			zap.Int("max_concurrent_generations", cfg.Business.MaxConcurrentGenerations),
			zap.Bool("signature_check", verifier.Enabled()),
			zap.String("bot", messenger.Username()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	log.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("服务关闭异常", zap.Error(err))
	}

	// 已扣减额度的生成任务尽量跑完
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Business.PollTimeout)
	defer drainCancel()
	generations.Close(drainCtx)

	log.Info("服务已关闭")
	return nil
}
