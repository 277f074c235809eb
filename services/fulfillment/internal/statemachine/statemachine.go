// Package statemachine содержит таблицу переходов статуса заказа.
// Функции пакета чистые: они не пишут в БД и не выполняют эффекты.
package statemachine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// Decision — результат применения события к заказу.
type Decision struct {
	From    domain.OrderStatus
	To      domain.OrderStatus
	Changed bool
	Effects []Effect
}

// Effect — побочный эффект, который нужно поставить в очередь вместе с переходом.
type Effect struct {
	Kind    domain.EffectKind
	Payload any
}

// Decide применяет событие kind к заказу. Заказ не изменяется.
//
// Терминальные статусы и любые переходы вне таблицы возвращают
// domain.ErrInvalidTransition: событие подтверждается провайдеру и
// помечается для разбора, но статус не меняется.
func Decide(order *domain.Order, kind domain.EventKind) (Decision, error) {
	from := order.Status
	stay := Decision{From: from, To: from}

	if !kind.Valid() {
		return stay, fmt.Errorf("%w: %q", domain.ErrUnknownEventKind, kind)
	}
	if from.IsTerminal() {
		return stay, fmt.Errorf("%w: заказ уже в терминальном статусе %s, событие %s",
			domain.ErrInvalidTransition, from, kind)
	}

	switch kind {
	case domain.EventCheckoutCompleted, domain.EventPaymentSucceeded, domain.EventCaptureCompleted:
		switch from {
		case domain.OrderStatusPending:
			return change(order, domain.OrderStatusConfirmed), nil
		case domain.OrderStatusConfirmed:
			// Вторая платёжная система или повтор с другим id события.
			return stay, nil
		}
	case domain.EventPaymentFailed:
		if from == domain.OrderStatusPending {
			return change(order, domain.OrderStatusPaymentFailed), nil
		}
	case domain.EventChargeRefunded:
		if from == domain.OrderStatusConfirmed {
			return change(order, domain.OrderStatusRefunded), nil
		}
	case domain.EventOrderFulfilled:
		if from == domain.OrderStatusConfirmed {
			return change(order, domain.OrderStatusFulfilled), nil
		}
	}

	return stay, fmt.Errorf("%w: %s → событие %s", domain.ErrInvalidTransition, from, kind)
}

func change(order *domain.Order, to domain.OrderStatus) Decision {
	return Decision{
		From:    order.Status,
		To:      to,
		Changed: true,
		Effects: effectsFor(order, to),
	}
}

// effectsFor возвращает эффекты входа в статус to.
func effectsFor(order *domain.Order, to domain.OrderStatus) []Effect {
	var effects []Effect

	switch to {
	case domain.OrderStatusConfirmed:
		effects = append(effects, Effect{
			Kind:    domain.EffectSendConfirmationEmail,
			Payload: emailPayload(order),
		})
		if points := domain.LoyaltyPointsFor(order.Total); !order.IsGuest() && points > 0 {
			effects = append(effects, Effect{
				Kind: domain.EffectCreditLoyalty,
				Payload: domain.LoyaltyPayload{
					OrderID:    order.ID,
					CustomerID: *order.CustomerID,
					Points:     points,
				},
			})
		}
		effects = append(effects, notify(order, "Новый оплаченный заказ",
			fmt.Sprintf("Заказ %s оплачен на %s, доставка %s",
				order.ID, formatMoney(order.Total), order.DeliveryDate.Format("2006-01-02"))))

	case domain.OrderStatusPaymentFailed:
		effects = append(effects, notify(order, "Оплата не прошла",
			fmt.Sprintf("Провайдер отклонил оплату заказа %s", order.ID)))

	case domain.OrderStatusRefunded:
		if !order.IsGuest() {
			effects = append(effects, Effect{
				Kind: domain.EffectReverseLoyalty,
				Payload: domain.LoyaltyPayload{
					OrderID:    order.ID,
					CustomerID: *order.CustomerID,
					CreditKey:  domain.TaskKey(order.ID, domain.EffectCreditLoyalty, domain.OrderStatusConfirmed),
				},
			})
		}
		effects = append(effects, notify(order, "Возврат оплаты",
			fmt.Sprintf("По заказу %s оформлен возврат %s", order.ID, formatMoney(order.Total))))

	case domain.OrderStatusFulfilled:
		effects = append(effects, notify(order, "Заказ собран",
			fmt.Sprintf("Заказ %s передан в доставку", order.ID)))
	}

	return effects
}

func emailPayload(order *domain.Order) domain.EmailPayload {
	items := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, fmt.Sprintf("%s × %d", item.Name, item.Quantity))
	}
	return domain.EmailPayload{
		OrderID:      order.ID,
		Email:        order.Email,
		TotalAmount:  order.Total.Amount,
		Currency:     order.Total.Currency,
		DeliveryDate: order.DeliveryDate,
		Items:        items,
	}
}

func notify(order *domain.Order, title, body string) Effect {
	return Effect{
		Kind:    domain.EffectPushNotification,
		Payload: domain.NotificationPayload{OrderID: order.ID, Title: title, Body: body},
	}
}

func formatMoney(m domain.Money) string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, m.Amount%100, m.Currency)
}

// Tasks превращает эффекты решения в задачи диспетчера.
func (d Decision) Tasks(orderID string, now time.Time) ([]*domain.SideEffectTask, error) {
	tasks := make([]*domain.SideEffectTask, 0, len(d.Effects))
	for _, e := range d.Effects {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("ошибка сериализации payload %s: %w", e.Kind, err)
		}
		tasks = append(tasks, &domain.SideEffectTask{
			ID:             uuid.NewString(),
			OrderID:        orderID,
			Kind:           e.Kind,
			IdempotencyKey: domain.TaskKey(orderID, e.Kind, d.To),
			Payload:        payload,
			Status:         domain.TaskPending,
			NextAttemptAt:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return tasks, nil
}
