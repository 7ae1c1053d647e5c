package mq

import (
	"log"

	"wagerledger/internal/config"

	"github.com/IBM/sarama"
)

// Producer Kafka 同步生产者的薄封装
// 以句柄形式注入到发件箱任务，不使用包级全局变量
type Producer struct {
	producer sarama.SyncProducer
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg *config.KafkaConfig) *Producer {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Fatalf("创建 Kafka 生产者失败: %v", err)
	}

	log.Println("Kafka 生产者创建成功")
	return &Producer{producer: producer}
}

// Send 发送消息到 Kafka
func (p *Producer) Send(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

// Close 关闭 Kafka 生产者
func (p *Producer) Close() {
	if p.producer != nil {
		p.producer.Close()
	}
}
