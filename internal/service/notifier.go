package service

import (
	"context"
	"encoding/json"
	"fmt"

	"genrelay/internal/config"
	"genrelay/internal/model"
	"genrelay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Notifier 把通知写入 outbox，由 OutboxSender 异步投递
//
// 调用发生在账本事务提交之后；写入失败只记日志，不影响已提交的账本状态。
type Notifier struct {
	outbox       *repository.OutboxRepository
	notifyTopic  string
	resultTopic  string
	kafkaEnabled bool
	log          *zap.Logger
}

func NewNotifier(db *gorm.DB, cfg *config.KafkaConfig, log *zap.Logger) *Notifier {
	return &Notifier{
		outbox:       repository.NewOutboxRepository(db),
		notifyTopic:  cfg.Topic.UserNotify,
		resultTopic:  cfg.Topic.PaymentResult,
		kafkaEnabled: cfg.Enabled,
		log:          log.Named("Notifier"),
	}
}

func (n *Notifier) enqueue(ctx context.Context, topic, key string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := &model.OutboxMessage{
		MessageKey: key,
		Topic:      topic,
		Payload:    string(raw),
		Status:     model.OutboxStatusPending,
	}
	if err := n.outbox.Create(ctx, nil, msg); err != nil {
		return fmt.Errorf("写入 outbox 失败: %w", err)
	}
	return nil
}

// NotifyUser 给用户发一条聊天消息
func (n *Notifier) NotifyUser(ctx context.Context, chatID int64, key, text string) {
	err := n.enqueue(ctx, n.notifyTopic, key, model.UserNotification{ChatID: chatID, Text: text})
	if err != nil {
		n.log.Warn("用户通知入队失败", zap.Int64("user_id", chatID), zap.String("key", key), zap.Error(err))
	}
}

// PublishPaymentResult 发布入账结果事件，未启用 Kafka 时忽略
func (n *Notifier) PublishPaymentResult(ctx context.Context, event model.PaymentResultEvent) {
	if !n.kafkaEnabled {
		return
	}
	if err := n.enqueue(ctx, n.resultTopic, event.OrderID, event); err != nil {
		n.log.Warn("入账事件入队失败", zap.String("order_id", event.OrderID), zap.Int64("user_id", event.UserID), zap.Error(err))
	}
}
