// Package kafka предоставляет producer поверх kafka-go с заголовками трассировки.
// Сервис публикует в Kafka только запросы на отправку писем, которые читает
// внешний mailer.
package kafka

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/bouquet-shop/pkg/logger"
)

// Ключи для headers сообщений Kafka.
const (
	HeaderTraceID        = "trace_id"
	HeaderCorrelationID  = "correlation_id"
	HeaderTimestamp      = "timestamp"
	HeaderIdempotencyKey = "idempotency_key"
	HeaderMessageType    = "message_type"
)

// Config содержит настройки для подключения к Kafka.
type Config struct {
	Brokers []string
}

// Message — исходящее сообщение с метаданными.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

func (m *Message) toKafkaMessage(now time.Time) kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	return kafka.Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Value:   m.Value,
		Headers: headers,
		Time:    now,
	}
}

// TopicSpec описывает топик для EnsureTopics.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// EnsureTopics создаёт недостающие топики через контроллер кластера.
// Уже существующие топики не считаются ошибкой.
func EnsureTopics(ctx context.Context, brokers []string, topics ...TopicSpec) error {
	if len(brokers) == 0 {
		return fmt.Errorf("не указаны брокеры Kafka")
	}

	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("ошибка подключения к Kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("ошибка получения контроллера Kafka: %w", err)
	}

	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("ошибка подключения к контроллеру Kafka: %w", err)
	}
	defer ctrlConn.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		partitions, replicas := t.Partitions, t.ReplicationFactor
		if partitions <= 0 {
			partitions = 1
		}
		if replicas <= 0 {
			replicas = 1
		}
		configs = append(configs, kafka.TopicConfig{
			Topic:             t.Name,
			NumPartitions:     partitions,
			ReplicationFactor: replicas,
		})
	}

	if err := ctrlConn.CreateTopics(configs...); err != nil {
		return fmt.Errorf("ошибка создания топиков: %w", err)
	}

	for _, t := range topics {
		logger.Info().Str("topic", t.Name).Msg("Топик Kafka готов")
	}
	return nil
}
