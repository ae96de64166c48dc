package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"genrelay/internal/chat"
	"genrelay/internal/metrics"
	"genrelay/internal/model"
	"genrelay/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sink 某个 topic 的投递通道
type Sink interface {
	Deliver(ctx context.Context, msg *model.OutboxMessage) error
}

// ChatSink 把 UserNotification 发到聊天渠道
type ChatSink struct {
	messenger chat.Messenger
}

func NewChatSink(messenger chat.Messenger) *ChatSink {
	return &ChatSink{messenger: messenger}
}

func (s *ChatSink) Deliver(ctx context.Context, msg *model.OutboxMessage) error {
	var n model.UserNotification
	if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
		return fmt.Errorf("解析通知失败: %w", err)
	}
	return s.messenger.SendMessage(ctx, chat.Message{ChatID: n.ChatID, Text: n.Text})
}

// Publisher 消息队列生产者
type Publisher interface {
	Publish(topic, key, value string) error
}

// KafkaSink 原样转发到 Kafka 同名 topic
type KafkaSink struct {
	publisher Publisher
}

func NewKafkaSink(publisher Publisher) *KafkaSink {
	return &KafkaSink{publisher: publisher}
}

func (s *KafkaSink) Deliver(_ context.Context, msg *model.OutboxMessage) error {
	return s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)
}

// OutboxSender 轮询 outbox，按 topic 交给对应的 Sink 投递
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	sinks      map[string]Sink
	topics     []string
	maxRetry   int
	metrics    *metrics.Metrics
	log        *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, sinks map[string]Sink, maxRetry int, m *metrics.Metrics, log *zap.Logger) *OutboxSender {
	topics := make([]string, 0, len(sinks))
	for topic := range sinks {
		topics = append(topics, topic)
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		sinks:      sinks,
		topics:     topics,
		maxRetry:   maxRetry,
		metrics:    m,
		log:        log.Named("OutboxSender"),
		stopCh:     make(chan struct{}),
		interval:   500 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("消息发送任务启动", zap.Strings("topics", s.topics))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.log.Info("任务停止")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 投递一批待发送消息；没有 Sink 的 topic 不会被取出
func (s *OutboxSender) ProcessPending(ctx context.Context) {
	if len(s.topics) == 0 {
		return
	}
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.topics, s.batchSize)
	if err != nil {
		s.log.Error("查询消息失败", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	fields := []zap.Field{zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey)}

	err := s.sinks[msg.Topic].Deliver(ctx, msg)
	if err == nil {
		s.metrics.OutboxDeliveries.WithLabelValues(msg.Topic, "sent").Inc()
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			s.log.Error("更新消息状态失败", append(fields, zap.Error(updateErr))...)
			return
		}
		s.log.Debug("消息发送成功", fields...)
		return
	}

	s.metrics.OutboxDeliveries.WithLabelValues(msg.Topic, "error").Inc()
	s.log.Warn("消息发送失败", append(fields, zap.Int("retry_count", msg.RetryCount), zap.Error(err))...)

	giveUp, err := s.outboxRepo.RecordFailure(ctx, msg.ID, msg.RetryCount, s.maxRetry)
	if err != nil {
		s.log.Error("记录发送失败次数失败", append(fields, zap.Error(err))...)
		return
	}
	if giveUp {
		s.metrics.OutboxDeliveries.WithLabelValues(msg.Topic, "failed").Inc()
		s.log.Error("消息超过最大重试次数，标记为失败", fields...)
	}
}
