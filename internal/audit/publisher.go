package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bssahu/a2a-streaming/internal/config"
	"github.com/bssahu/a2a-streaming/internal/models"
)

// Publisher 封装了向 Kafka 审计主题镜像任务事件的逻辑。
// 审计流是尽力而为的旁路通道，写入失败不影响事件交付。
type Publisher struct {
	writer  *kafka.Writer
	topic   string
	brokers []string
}

// NewPublisher 创建一个新的 Publisher 实例，并在需要时自动创建审计主题。
func NewPublisher(cfg *config.KafkaConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("未配置 Kafka brokers")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("未配置 Kafka 审计主题")
	}

	// 建立管理连接，确认主题存在
	conn, err := kafka.Dial("tcp", cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka 初始化连接失败: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("无法读取 Kafka 分区信息: %w", err)
	}
	exists := false
	for _, p := range partitions {
		if p.Topic == cfg.Topic {
			exists = true
			break
		}
	}
	if !exists {
		log.Printf("主题 '%s' 不存在，准备创建...", cfg.Topic)
		err = conn.CreateTopics(kafka.TopicConfig{
			Topic:             cfg.Topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("自动创建 Kafka 主题失败: %w", err)
		}
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	})
	log.Println("✅ 成功初始化 Kafka 审计发布器!")
	return &Publisher{writer: writer, topic: cfg.Topic, brokers: cfg.Brokers}, nil
}

// HealthCheck 检查 Kafka 连接的健康状况。
func (p *Publisher) HealthCheck(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("kafka 健康检查失败: %w", err)
	}
	defer conn.Close()
	_, err = conn.Controller()
	return err
}

// Publish 将事件序列化为 JSON 并发送到审计主题。
// 以任务 ID 作为消息 Key，保证同一任务的事件落在同一分区内有序。
func (p *Publisher) Publish(ctx context.Context, ev *models.Event) error {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.TaskID),
		Value: jsonData,
	})
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// Close 关闭底层的 writer 连接。
func (p *Publisher) Close() error {
	return p.writer.Close()
}
