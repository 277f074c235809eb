// Package stripe — адаптер Stripe: нормализация событий вебхука
// и создание Checkout Session.
package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v76"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// MetadataOrderID — ключ metadata, в котором передаётся id заказа.
const MetadataOrderID = "order_id"

// Типы событий Stripe, которые обрабатывает магазин.
const (
	EventCheckoutSessionCompleted          = "checkout.session.completed"
	EventCheckoutSessionAsyncPaymentOK     = "checkout.session.async_payment_succeeded"
	EventCheckoutSessionAsyncPaymentFailed = "checkout.session.async_payment_failed"
	EventPaymentIntentSucceeded            = "payment_intent.succeeded"
	EventPaymentIntentFailed               = "payment_intent.payment_failed"
	EventChargeRefunded                    = "charge.refunded"
)

// Normalize переводит событие Stripe в domain.PaymentEvent.
// Для типов, которые магазин не обрабатывает, возвращает domain.ErrUnknownEventKind.
func Normalize(evt stripeapi.Event, raw []byte, receivedAt time.Time) (*domain.PaymentEvent, error) {
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: в событии %s нет data.object", domain.ErrVerification, evt.ID)
	}

	ev := &domain.PaymentEvent{
		Provider:   domain.ProviderStripe,
		EventID:    evt.ID,
		Raw:        raw,
		ReceivedAt: receivedAt,
	}

	switch string(evt.Type) {
	case EventCheckoutSessionCompleted, EventCheckoutSessionAsyncPaymentOK, EventCheckoutSessionAsyncPaymentFailed:
		var s stripeapi.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", domain.ErrVerification, err)
		}
		switch {
		case string(evt.Type) == EventCheckoutSessionAsyncPaymentFailed:
			ev.Kind = domain.EventPaymentFailed
		case s.PaymentStatus == stripeapi.CheckoutSessionPaymentStatusUnpaid:
			// Отложенный способ оплаты: ждём async_payment_succeeded
			return nil, fmt.Errorf("%w: сессия %s ещё не оплачена", domain.ErrUnknownEventKind, s.ID)
		default:
			ev.Kind = domain.EventCheckoutCompleted
		}
		ev.OrderID = s.Metadata[MetadataOrderID]
		if ev.OrderID == "" {
			ev.OrderID = s.ClientReferenceID
		}
		if s.PaymentIntent != nil {
			ev.ProviderPaymentID = s.PaymentIntent.ID
		}
		ev.Amount = money(s.AmountTotal, s.Currency)

	case EventPaymentIntentSucceeded, EventPaymentIntentFailed:
		var pi stripeapi.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", domain.ErrVerification, err)
		}
		ev.Kind = domain.EventPaymentSucceeded
		if string(evt.Type) == EventPaymentIntentFailed {
			ev.Kind = domain.EventPaymentFailed
		}
		ev.OrderID = pi.Metadata[MetadataOrderID]
		ev.ProviderPaymentID = pi.ID
		ev.Amount = money(pi.Amount, pi.Currency)

	case EventChargeRefunded:
		var ch stripeapi.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", domain.ErrVerification, err)
		}
		if !ch.Refunded {
			// Частичный возврат статус заказа не меняет
			return nil, fmt.Errorf("%w: частичный возврат %s", domain.ErrUnknownEventKind, ch.ID)
		}
		ev.Kind = domain.EventChargeRefunded
		ev.OrderID = ch.Metadata[MetadataOrderID]
		if ch.PaymentIntent != nil {
			ev.ProviderPaymentID = ch.PaymentIntent.ID
		}
		ev.Amount = money(ch.AmountRefunded, ch.Currency)

	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownEventKind, evt.Type)
	}

	return ev, nil
}

func money(amount int64, currency stripeapi.Currency) *domain.Money {
	if currency == "" {
		return nil
	}
	return &domain.Money{Amount: amount, Currency: strings.ToUpper(string(currency))}
}
