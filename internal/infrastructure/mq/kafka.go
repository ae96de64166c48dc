package mq

import (
	"fmt"

	"genrelay/internal/config"

	"github.com/IBM/sarama"
)

// Publisher Kafka 同步生产者
type Publisher struct {
	producer sarama.SyncProducer
}

// NewKafkaPublisher 连接 Kafka 集群
func NewKafkaPublisher(cfg *config.KafkaConfig) (*Publisher, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return NewPublisher(producer), nil
}

// NewPublisher 包装已有的生产者，测试时传入 mocks.SyncProducer
func NewPublisher(producer sarama.SyncProducer) *Publisher {
	return &Publisher{producer: producer}
}

// Publish 发送一条消息，key 决定分区，同一订单的事件保持有序
func (p *Publisher) Publish(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("发送 Kafka 消息失败: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}
