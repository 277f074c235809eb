package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/stripe"
)

// CreateOrderInput — данные нового заказа.
type CreateOrderInput struct {
	CustomerID      *string
	Email           string
	DeliveryAddress string
	DeliveryDate    time.Time
	Items           []domain.OrderItem
}

// OrderView — заказ глазами покупателя.
type OrderView struct {
	Order *domain.Order

	// PaymentStatus — pending, succeeded или failed.
	PaymentStatus string
}

// PayPalCheckout — созданный заказ PayPal.
type PayPalCheckout struct {
	PayPalOrderID string
	ApproveURL    string
}

// CreateOrder создаёт заказ в pending. Гостевое оформление разрешено.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*domain.Order, error) {
	log := logger.FromContext(ctx)

	orderID := uuid.NewString()
	items := make([]domain.OrderItem, len(in.Items))
	for i := range in.Items {
		items[i] = in.Items[i]
		items[i].ID = uuid.NewString()
	}

	customerID := in.CustomerID
	if customerID != nil && *customerID == "" {
		customerID = nil
	}

	now := s.now().UTC()
	order := &domain.Order{
		ID:              orderID,
		CustomerID:      customerID,
		Email:           in.Email,
		Items:           items,
		DeliveryAddress: in.DeliveryAddress,
		DeliveryDate:    in.DeliveryDate,
		Status:          domain.OrderStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := order.Validate(); err != nil {
		log.Warn().Err(err).Msg("Ошибка валидации заказа")
		return nil, err
	}
	order.CalculateTotal()

	if err := s.orders.Create(ctx, order); err != nil {
		log.Error().Err(err).Str("order_id", order.ID).Msg("Ошибка создания заказа")
		return nil, fmt.Errorf("ошибка создания заказа: %w", err)
	}

	log.Info().
		Str("order_id", order.ID).
		Int64("total_amount", order.Total.Amount).
		Str("currency", order.Total.Currency).
		Int("items_count", len(order.Items)).
		Bool("guest", order.IsGuest()).
		Msg("Заказ создан")

	return order, nil
}

// GetOrder возвращает заказ и статус оплаты, который видит покупатель.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return nil, err
		}
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("order_id", orderID).Msg("Ошибка получения заказа")
		return nil, fmt.Errorf("ошибка получения заказа: %w", err)
	}
	return &OrderView{Order: order, PaymentStatus: order.Status.CustomerPaymentStatus()}, nil
}

// pendingOrder загружает заказ, который ещё можно оплатить.
func (s *Service) pendingOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("%w: заказ %s уже в статусе %s", domain.ErrInvalidTransition, order.ID, order.Status)
	}
	return order, nil
}

// CreateStripeSession создаёт Checkout Session и привязывает её к заказу.
func (s *Service) CreateStripeSession(ctx context.Context, orderID string) (*stripe.Session, error) {
	log := logger.FromContext(ctx).With().Str("order_id", orderID).Logger()

	order, err := s.pendingOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	session, err := s.stripe.CreateSession(ctx, order)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка создания Checkout Session")
		return nil, err
	}

	ref := domain.PaymentRef{Provider: domain.ProviderStripe, PaymentID: session.ID}
	if err := s.orders.AttachPayment(ctx, order.ID, ref); err != nil {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Ошибка привязки сессии к заказу")
		return nil, fmt.Errorf("ошибка привязки платежа: %w", err)
	}

	log.Info().Str("session_id", session.ID).Msg("Checkout Session создана")
	return session, nil
}

// CreatePayPalOrder создаёт заказ PayPal. Повторный вызов для того же заказа
// отправляет тот же PayPal-Request-Id и получает тот же заказ PayPal.
func (s *Service) CreatePayPalOrder(ctx context.Context, orderID string) (*PayPalCheckout, error) {
	log := logger.FromContext(ctx).With().Str("order_id", orderID).Logger()

	order, err := s.pendingOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	ppOrder, err := s.paypal.CreateOrder(ctx, order, "create:"+order.ID)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка создания заказа PayPal")
		return nil, err
	}

	ref := domain.PaymentRef{Provider: domain.ProviderPayPal, PaymentID: ppOrder.ID}
	if err := s.orders.AttachPayment(ctx, order.ID, ref); err != nil {
		log.Error().Err(err).Str("paypal_order_id", ppOrder.ID).Msg("Ошибка привязки заказа PayPal")
		return nil, fmt.Errorf("ошибка привязки платежа: %w", err)
	}

	log.Info().Str("paypal_order_id", ppOrder.ID).Msg("Заказ PayPal создан")
	return &PayPalCheckout{PayPalOrderID: ppOrder.ID, ApproveURL: ppOrder.ApproveURL()}, nil
}
