package effects

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/bouquet-shop/pkg/kafka"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// MessageTypeConfirmationEmail — тип сообщения в заголовке message_type.
const MessageTypeConfirmationEmail = "order.confirmation_email"

// Publisher — интерфейс kafka.Producer, подменяется в тестах.
type Publisher interface {
	Publish(ctx context.Context, msg *kafka.Message) error
}

// EmailSender отправляет письмо с подтверждением заказа.
type EmailSender interface {
	SendConfirmation(ctx context.Context, idempotencyKey string, p domain.EmailPayload) error
}

// KafkaEmailSender публикует запрос на письмо в топик внешнего mailer.
// Ключ сообщения — ключ идемпотентности, по нему mailer отбрасывает повторы.
type KafkaEmailSender struct {
	publisher Publisher
	topic     string
}

// NewKafkaEmailSender создаёт отправителя писем.
func NewKafkaEmailSender(p Publisher, topic string) *KafkaEmailSender {
	return &KafkaEmailSender{publisher: p, topic: topic}
}

// emailMessage — тело сообщения для mailer.
type emailMessage struct {
	IdempotencyKey string `json:"idempotency_key"`
	Template       string `json:"template"`
	domain.EmailPayload
}

func (s *KafkaEmailSender) SendConfirmation(ctx context.Context, idempotencyKey string, p domain.EmailPayload) error {
	value, err := json.Marshal(emailMessage{
		IdempotencyKey: idempotencyKey,
		Template:       "order_confirmation",
		EmailPayload:   p,
	})
	if err != nil {
		return fmt.Errorf("ошибка сериализации письма: %w", err)
	}

	return s.publisher.Publish(ctx, &kafka.Message{
		Topic: s.topic,
		Key:   []byte(idempotencyKey),
		Value: value,
		Headers: map[string]string{
			kafka.HeaderIdempotencyKey: idempotencyKey,
			kafka.HeaderMessageType:    MessageTypeConfirmationEmail,
		},
	})
}

// EmailExecutor выполняет задачи send_confirmation_email.
type EmailExecutor struct {
	sender EmailSender
}

// NewEmailExecutor создаёт исполнителя писем.
func NewEmailExecutor(sender EmailSender) *EmailExecutor {
	return &EmailExecutor{sender: sender}
}

func (e *EmailExecutor) Execute(ctx context.Context, task *domain.SideEffectTask) error {
	var p domain.EmailPayload
	if err := task.DecodePayload(&p); err != nil {
		return err
	}
	if err := e.sender.SendConfirmation(ctx, task.IdempotencyKey, p); err != nil {
		return fmt.Errorf("%w: письмо по заказу %s: %w", domain.ErrSideEffectFailed, task.OrderID, err)
	}
	return nil
}
