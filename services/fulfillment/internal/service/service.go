// Package service содержит сценарии магазина поверх конвейера оплаты:
// создание заказа, оформление оплаты у провайдеров, приём событий
// и операции персонала.
package service

import (
	"context"
	"net/http"
	"time"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/paypal"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/stripe"
	"example.com/bouquet-shop/services/fulfillment/internal/reconciler"
	"example.com/bouquet-shop/services/fulfillment/internal/repository"
	"example.com/bouquet-shop/services/fulfillment/internal/verifier"
)

// Константы пагинации списков для персонала.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// =============================================================================
// Зависимости
// =============================================================================

// StripeCheckout создаёт Checkout Session.
type StripeCheckout interface {
	CreateSession(ctx context.Context, order *domain.Order) (*stripe.Session, error)
}

// PayPalGateway создаёт, захватывает и читает заказы PayPal.
type PayPalGateway interface {
	CreateOrder(ctx context.Context, order *domain.Order, requestID string) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, paypalOrderID, requestID string) (*paypal.Order, error)
	GetOrder(ctx context.Context, paypalOrderID string) (*paypal.Order, error)
}

// WebhookVerifier проверяет подпись push-событий.
type WebhookVerifier interface {
	Verify(provider domain.Provider, payload []byte, headers http.Header) (*verifier.Verified, error)
}

// EventProcessor проводит событие через конвейер.
type EventProcessor interface {
	Process(ctx context.Context, ev *domain.PaymentEvent) (*reconciler.Result, error)
}

// LoyaltyReader возвращает баланс баллов.
type LoyaltyReader interface {
	Balance(ctx context.Context, customerID string, limit int) (*domain.LoyaltyAccount, error)
}

// TaskQueue — операции персонала над очередью эффектов.
type TaskQueue interface {
	ListFailed(ctx context.Context, limit int) ([]*domain.SideEffectTask, error)
	Requeue(ctx context.Context, id string) error
}

// AnomalyReader возвращает события, требующие разбора.
type AnomalyReader interface {
	Anomalies(ctx context.Context, limit int) ([]*domain.Claim, error)
}

// NotificationReader возвращает уведомления персонала.
type NotificationReader interface {
	List(ctx context.Context, unreadOnly bool, limit int) ([]*domain.Notification, error)
}

// Deps — зависимости Service. Собираются в cmd/main.go.
type Deps struct {
	Orders        repository.OrderRepository
	Stripe        StripeCheckout
	PayPal        PayPalGateway
	Verifier      WebhookVerifier
	Reconciler    EventProcessor
	Loyalty       LoyaltyReader
	Tasks         TaskQueue
	Anomalies     AnomalyReader
	Notifications NotificationReader
}

// Service — сценарии магазина.
type Service struct {
	orders        repository.OrderRepository
	stripe        StripeCheckout
	paypal        PayPalGateway
	verifier      WebhookVerifier
	reconciler    EventProcessor
	loyalty       LoyaltyReader
	tasks         TaskQueue
	anomalies     AnomalyReader
	notifications NotificationReader
	now           func() time.Time
}

// New создаёт Service.
func New(d Deps) *Service {
	return &Service{
		orders:        d.Orders,
		stripe:        d.Stripe,
		paypal:        d.PayPal,
		verifier:      d.Verifier,
		reconciler:    d.Reconciler,
		loyalty:       d.Loyalty,
		tasks:         d.Tasks,
		anomalies:     d.Anomalies,
		notifications: d.Notifications,
		now:           time.Now,
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
