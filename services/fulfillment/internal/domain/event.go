package domain

import (
	"strings"
	"time"
)

// Provider — источник платёжного события.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPayPal Provider = "paypal"

	// ProviderInternal — события, которые порождает сам магазин (сборка заказа).
	ProviderInternal Provider = "internal"
)

// EventKind — закрытое перечисление видов событий. Строки провайдеров
// переводятся в EventKind один раз, в адаптерах.
type EventKind string

const (
	EventCheckoutCompleted EventKind = "checkout_completed"
	EventPaymentSucceeded  EventKind = "payment_succeeded"
	EventPaymentFailed     EventKind = "payment_failed"
	EventCaptureCompleted  EventKind = "capture_completed"
	EventChargeRefunded    EventKind = "charge_refunded"
	EventOrderFulfilled    EventKind = "order_fulfilled"
)

// Valid возвращает true для известных видов событий.
func (k EventKind) Valid() bool {
	switch k {
	case EventCheckoutCompleted, EventPaymentSucceeded, EventPaymentFailed,
		EventCaptureCompleted, EventChargeRefunded, EventOrderFulfilled:
		return true
	}
	return false
}

// SelfTestPrefix — префикс идентификаторов тестовых событий, которые
// подтверждаются без изменения заказов.
const SelfTestPrefix = "evt_test_"

// IsSelfTestEventID сообщает, является ли событие тестовым.
func IsSelfTestEventID(id string) bool {
	return strings.HasPrefix(id, SelfTestPrefix)
}

// EventKey — ключ идемпотентности события: (провайдер, id события).
type EventKey struct {
	Provider Provider
	EventID  string
}

func (k EventKey) String() string {
	return string(k.Provider) + ":" + k.EventID
}

// PaymentEvent — нормализованное событие провайдера.
type PaymentEvent struct {
	Provider          Provider
	EventID           string
	Kind              EventKind
	OrderID           string
	ProviderPaymentID string
	Amount            *Money
	Raw               []byte
	ReceivedAt        time.Time
}

// Key возвращает ключ идемпотентности события.
func (e *PaymentEvent) Key() EventKey {
	return EventKey{Provider: e.Provider, EventID: e.EventID}
}
