package domain

import "time"

// Виды внутренних уведомлений.
const (
	NotificationOrderStatus  = "order_status"
	NotificationStalePending = "stale_pending"
	NotificationTaskFailed   = "side_effect_failed"
)

// Notification — уведомление для персонала магазина.
type Notification struct {
	ID             string
	IdempotencyKey string
	OrderID        *string
	Kind           string
	Title          string
	Body           string
	Read           bool
	CreatedAt      time.Time
}
