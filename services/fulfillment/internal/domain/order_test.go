package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validOrder() *Order {
	return &Order{
		ID:              "order-1",
		Email:           "anna@example.com",
		DeliveryAddress: "Lenina 1",
		DeliveryDate:    time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		Items: []OrderItem{
			{BouquetID: "b-roses", Name: "Розы", Quantity: 2, UnitPrice: Money{Amount: 1500, Currency: "USD"}},
			{BouquetID: "b-tulips", Name: "Тюльпаны", Quantity: 1, UnitPrice: Money{Amount: 1500, Currency: "USD"}},
		},
	}
}

func TestOrder_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *Order)
		want   error
	}{
		{"валидный заказ", func(o *Order) {}, nil},
		{"без email", func(o *Order) { o.Email = "" }, ErrInvalidEmail},
		{"без адреса", func(o *Order) { o.DeliveryAddress = " " }, ErrInvalidAddress},
		{"без позиций", func(o *Order) { o.Items = nil }, ErrEmptyItems},
		{"нулевое количество", func(o *Order) { o.Items[0].Quantity = 0 }, ErrInvalidQuantity},
		{"нулевая цена", func(o *Order) { o.Items[1].UnitPrice.Amount = 0 }, ErrInvalidAmount},
		{"разные валюты", func(o *Order) { o.Items[1].UnitPrice.Currency = "EUR" }, ErrCurrencyMismatch},
		{"без букета", func(o *Order) { o.Items[0].BouquetID = "" }, ErrInvalidItem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := validOrder()
			tt.mutate(o)
			assert.ErrorIs(t, o.Validate(), tt.want)
		})
	}
}

func TestOrder_CalculateTotal(t *testing.T) {
	o := validOrder()
	o.CalculateTotal()
	assert.Equal(t, Money{Amount: 4500, Currency: "USD"}, o.Total)
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	assert.False(t, OrderStatusPending.IsTerminal())
	assert.False(t, OrderStatusConfirmed.IsTerminal())
	assert.True(t, OrderStatusFulfilled.IsTerminal())
	assert.True(t, OrderStatusPaymentFailed.IsTerminal())
	assert.True(t, OrderStatusRefunded.IsTerminal())
}

func TestOrderStatus_CustomerPaymentStatus(t *testing.T) {
	assert.Equal(t, PaymentStatusPending, OrderStatusPending.CustomerPaymentStatus())
	assert.Equal(t, PaymentStatusSucceeded, OrderStatusConfirmed.CustomerPaymentStatus())
	assert.Equal(t, PaymentStatusSucceeded, OrderStatusFulfilled.CustomerPaymentStatus())
	assert.Equal(t, PaymentStatusFailed, OrderStatusPaymentFailed.CustomerPaymentStatus())
}

func TestLoyaltyPointsFor(t *testing.T) {
	assert.Equal(t, int64(45), LoyaltyPointsFor(Money{Amount: 4500}))
	assert.Equal(t, int64(45), LoyaltyPointsFor(Money{Amount: 4599}))
	assert.Equal(t, int64(0), LoyaltyPointsFor(Money{Amount: 99}))
	assert.Equal(t, int64(0), LoyaltyPointsFor(Money{Amount: -100}))
}

func TestTaskKey(t *testing.T) {
	assert.Equal(t, "order-1:credit_loyalty:confirmed", TaskKey("order-1", EffectCreditLoyalty, OrderStatusConfirmed))
	assert.NotEqual(t,
		TaskKey("order-1", EffectPushNotification, OrderStatusConfirmed),
		TaskKey("order-1", EffectPushNotification, OrderStatusRefunded))
}

func TestEventKind_Valid(t *testing.T) {
	assert.True(t, EventCaptureCompleted.Valid())
	assert.False(t, EventKind("invoice.paid").Valid())
}

func TestIsSelfTestEventID(t *testing.T) {
	assert.True(t, IsSelfTestEventID("evt_test_abc"))
	assert.False(t, IsSelfTestEventID("evt_1Nabc"))
}
