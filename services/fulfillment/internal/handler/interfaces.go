package handler

import (
	"context"
	"net/http"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/stripe"
	"example.com/bouquet-shop/services/fulfillment/internal/service"
)

// CheckoutService — сценарии витрины.
type CheckoutService interface {
	CreateOrder(ctx context.Context, in service.CreateOrderInput) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*service.OrderView, error)
	CreateStripeSession(ctx context.Context, orderID string) (*stripe.Session, error)
	CreatePayPalOrder(ctx context.Context, orderID string) (*service.PayPalCheckout, error)
	CapturePayPal(ctx context.Context, paypalOrderID string) (*service.CaptureResult, error)
	LoyaltyAccount(ctx context.Context, customerID string, limit int) (*domain.LoyaltyAccount, error)
}

// WebhookService принимает вебхуки провайдеров.
type WebhookService interface {
	HandleStripeWebhook(ctx context.Context, payload []byte, headers http.Header) (*service.WebhookResult, error)
}

// OpsService — операции персонала.
type OpsService interface {
	Fulfill(ctx context.Context, orderID string) (*domain.Order, error)
	FailedTasks(ctx context.Context, limit int) ([]*domain.SideEffectTask, error)
	RetryTask(ctx context.Context, taskID string) error
	Anomalies(ctx context.Context, limit int) ([]*domain.Claim, error)
	Notifications(ctx context.Context, unreadOnly bool, limit int) ([]*domain.Notification, error)
}
