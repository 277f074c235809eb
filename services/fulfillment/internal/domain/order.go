// Package domain содержит бизнес-сущности конвейера оплаты и исполнения заказов.
package domain

import (
	"strings"
	"time"
)

// OrderStatus — статус заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан при начале оформления, оплата не подтверждена.
	OrderStatusPending OrderStatus = "pending"

	// OrderStatusConfirmed — оплата подтверждена провайдером.
	OrderStatusConfirmed OrderStatus = "confirmed"

	// OrderStatusPaymentFailed — провайдер сообщил об отказе в оплате.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"

	// OrderStatusFulfilled — букет собран и передан в доставку.
	OrderStatusFulfilled OrderStatus = "fulfilled"

	// OrderStatusRefunded — оплата возвращена покупателю.
	OrderStatusRefunded OrderStatus = "refunded"
)

// IsTerminal возвращает true для статусов, из которых нет переходов.
// confirmed не терминальный: из него возможны fulfilled и refunded.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFulfilled, OrderStatusPaymentFailed, OrderStatusRefunded:
		return true
	}
	return false
}

// Статусы оплаты, которые видит покупатель.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// CustomerPaymentStatus сводит статус заказа к одному из трёх видимых покупателю.
func (s OrderStatus) CustomerPaymentStatus() string {
	switch s {
	case OrderStatusConfirmed, OrderStatusFulfilled:
		return PaymentStatusSucceeded
	case OrderStatusPaymentFailed, OrderStatusRefunded:
		return PaymentStatusFailed
	default:
		return PaymentStatusPending
	}
}

// Money — сумма в минимальных единицах валюты (центы).
type Money struct {
	Amount   int64
	Currency string
}

// Multiply умножает сумму на количество.
func (m Money) Multiply(quantity int32) Money {
	return Money{Amount: m.Amount * int64(quantity), Currency: m.Currency}
}

// OrderItem — позиция заказа (букет). Не меняется после выхода заказа из pending.
type OrderItem struct {
	ID        string
	BouquetID string
	Name      string
	Quantity  int32
	UnitPrice Money
}

// Total возвращает стоимость позиции.
func (i OrderItem) Total() Money {
	return i.UnitPrice.Multiply(i.Quantity)
}

// PaymentRef — ссылка на платёж у провайдера.
type PaymentRef struct {
	Provider  Provider
	PaymentID string
}

// Order — заказ букетов. Создаётся в pending, статус меняет только конечный автомат.
type Order struct {
	ID              string
	CustomerID      *string // nil для гостевого оформления
	Email           string
	Items           []OrderItem
	Total           Money
	DeliveryAddress string
	DeliveryDate    time.Time
	Status          OrderStatus
	Payment         *PaymentRef
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsGuest возвращает true, если заказ оформлен без аккаунта.
func (o *Order) IsGuest() bool {
	return o.CustomerID == nil || *o.CustomerID == ""
}

// CalculateTotal пересчитывает сумму заказа по позициям.
func (o *Order) CalculateTotal() {
	if len(o.Items) == 0 {
		o.Total = Money{}
		return
	}
	total := Money{Currency: o.Items[0].UnitPrice.Currency}
	for _, item := range o.Items {
		total.Amount += item.Total().Amount
	}
	o.Total = total
}

// Validate проверяет заказ перед созданием.
func (o *Order) Validate() error {
	if strings.TrimSpace(o.Email) == "" || !strings.Contains(o.Email, "@") {
		return ErrInvalidEmail
	}
	if strings.TrimSpace(o.DeliveryAddress) == "" {
		return ErrInvalidAddress
	}
	if len(o.Items) == 0 {
		return ErrEmptyItems
	}

	currency := o.Items[0].UnitPrice.Currency
	for _, item := range o.Items {
		if strings.TrimSpace(item.BouquetID) == "" {
			return ErrInvalidItem
		}
		if item.Quantity <= 0 {
			return ErrInvalidQuantity
		}
		if item.UnitPrice.Amount <= 0 {
			return ErrInvalidAmount
		}
		if item.UnitPrice.Currency != currency {
			return ErrCurrencyMismatch
		}
	}
	return nil
}
