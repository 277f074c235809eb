package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EffectKind — вид побочного эффекта перехода.
type EffectKind string

const (
	EffectSendConfirmationEmail EffectKind = "send_confirmation_email"
	EffectCreditLoyalty         EffectKind = "credit_loyalty"
	EffectReverseLoyalty        EffectKind = "reverse_loyalty"
	EffectPushNotification      EffectKind = "push_notification"
)

// TaskStatus — статус задачи побочного эффекта.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// SideEffectTask — отложенный побочный эффект. Ключ идемпотентности
// строится из заказа, вида эффекта и целевого статуса, а не из события:
// повторная доставка любым провайдером даёт тот же ключ.
type SideEffectTask struct {
	ID             string
	OrderID        string
	Kind           EffectKind
	IdempotencyKey string
	Payload        json.RawMessage
	Status         TaskStatus
	Attempts       int
	NextAttemptAt  time.Time
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskKey строит ключ идемпотентности задачи.
// Заказ попадает в каждый статус не больше одного раза, поэтому ключ уникален.
func TaskKey(orderID string, kind EffectKind, target OrderStatus) string {
	return fmt.Sprintf("%s:%s:%s", orderID, kind, target)
}

// DecodePayload разбирает payload задачи в v.
func (t *SideEffectTask) DecodePayload(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("некорректный payload задачи %s: %w", t.IdempotencyKey, err)
	}
	return nil
}

// EmailPayload — данные письма с подтверждением заказа.
type EmailPayload struct {
	OrderID      string    `json:"order_id"`
	Email        string    `json:"email"`
	TotalAmount  int64     `json:"total_amount"`
	Currency     string    `json:"currency"`
	DeliveryDate time.Time `json:"delivery_date"`
	Items        []string  `json:"items"`
}

// LoyaltyPayload — начисление или списание баллов.
type LoyaltyPayload struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
	// CreditKey — ключ записи начисления, которую нужно сторнировать.
	CreditKey string `json:"credit_key,omitempty"`
}

// NotificationPayload — внутреннее уведомление для персонала.
type NotificationPayload struct {
	OrderID string `json:"order_id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}
