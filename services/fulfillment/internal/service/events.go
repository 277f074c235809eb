package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/gateway/paypal"
	"example.com/bouquet-shop/services/fulfillment/internal/reconciler"
	"example.com/bouquet-shop/services/fulfillment/internal/verifier"
)

// issueAlreadyCaptured — ответ PayPal на повторный захват.
const issueAlreadyCaptured = "ORDER_ALREADY_CAPTURED"

// WebhookResult — итог приёма вебхука. Ошибки нет, если событие подтверждено.
type WebhookResult struct {
	EventID  string
	SelfTest bool
	Ignored  bool
	Result   *reconciler.Result
}

// CaptureResult — итог захвата оплаты PayPal.
type CaptureResult struct {
	OrderID       string
	PaymentStatus string
	CaptureID     string
}

// HandleStripeWebhook проверяет и обрабатывает вебхук Stripe.
// Ошибка с ErrVerification означает неподлинный запрос, остальные ошибки
// означают сбой, после которого Stripe должен повторить доставку.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, headers http.Header) (*WebhookResult, error) {
	log := logger.FromContext(ctx)

	v, err := s.verifier.Verify(domain.ProviderStripe, payload, headers)
	if err != nil {
		log.Warn().Err(err).Msg("Вебхук Stripe не прошёл проверку")
		return nil, err
	}

	out := &WebhookResult{EventID: v.EventID, SelfTest: v.SelfTest, Ignored: v.Ignored}
	if v.SelfTest {
		log.Info().Str("event_id", v.EventID).Msg("Тестовое событие подтверждено")
		return out, nil
	}
	if v.Ignored {
		log.Debug().Str("event_id", v.EventID).Str("type", v.Type).Msg("Тип события не обрабатывается")
		return out, nil
	}

	ev := v.Event
	if ev.OrderID == "" && ev.ProviderPaymentID != "" {
		if err := s.resolveOrderID(ctx, ev); err != nil {
			return nil, err
		}
	}

	res, err := s.reconciler.Process(ctx, ev)
	if err != nil {
		return nil, err
	}
	out.Result = res
	return out, nil
}

// resolveOrderID ищет заказ по платежу, если в metadata нет id заказа.
// Незнакомый платёж оставляет OrderID пустым, сбой хранилища возвращается.
func (s *Service) resolveOrderID(ctx context.Context, ev *domain.PaymentEvent) error {
	ref := domain.PaymentRef{Provider: ev.Provider, PaymentID: ev.ProviderPaymentID}
	order, err := s.orders.GetByPaymentRef(ctx, ref)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return nil
	}
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("payment_id", ev.ProviderPaymentID).Msg("Ошибка поиска заказа по платежу")
		return fmt.Errorf("ошибка поиска заказа по платежу %s: %w", ev.ProviderPaymentID, err)
	}
	ev.OrderID = order.ID
	return nil
}

// orderForPayPal находит заказ по id заказа PayPal. Если ссылку на платёж
// заменила сессия другого провайдера, заказ определяется по reference_id
// заказа PayPal.
func (s *Service) orderForPayPal(ctx context.Context, paypalOrderID string) (*domain.Order, error) {
	ref := domain.PaymentRef{Provider: domain.ProviderPayPal, PaymentID: paypalOrderID}
	order, err := s.orders.GetByPaymentRef(ctx, ref)
	if !errors.Is(err, domain.ErrOrderNotFound) {
		return order, err
	}

	pp, err := s.paypal.GetOrder(ctx, paypalOrderID)
	if err != nil {
		var apiErr *paypal.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	if pp.ID != paypalOrderID || pp.ReferenceID() == "" {
		return nil, domain.ErrOrderNotFound
	}
	return s.orders.GetByID(ctx, pp.ReferenceID())
}

// CapturePayPal захватывает оплату PayPal и проводит результат через конвейер.
// Запрос к PayPal выполняется до блокировки заказа. Отказ провайдера оставляет
// заказ в pending: покупатель может выбрать другой источник оплаты.
func (s *Service) CapturePayPal(ctx context.Context, paypalOrderID string) (*CaptureResult, error) {
	log := logger.FromContext(ctx).With().Str("paypal_order_id", paypalOrderID).Logger()

	order, err := s.orderForPayPal(ctx, paypalOrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending {
		log.Info().Str("order_id", order.ID).Str("status", string(order.Status)).Msg("Заказ уже не ждёт оплаты, захват не нужен")
		return &CaptureResult{OrderID: order.ID, PaymentStatus: order.Status.CustomerPaymentStatus()}, nil
	}

	res, err := s.paypal.CaptureOrder(ctx, paypalOrderID, "capture:"+paypalOrderID)
	var apiErr *paypal.APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr) && apiErr.HasIssue(issueAlreadyCaptured):
		// захват прошёл раньше, но результат до нас не дошёл
		log.Warn().Str("order_id", order.ID).Msg("PayPal сообщил о повторном захвате, читаем заказ")
		res, err = s.paypal.GetOrder(ctx, paypalOrderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", order.ID).Msg("Ошибка чтения заказа PayPal")
			return nil, err
		}
	case errors.Is(err, domain.ErrPaymentDeclined):
		log.Info().Err(err).Str("order_id", order.ID).Msg("PayPal отклонил оплату")
		return nil, err
	default:
		log.Error().Err(err).Str("order_id", order.ID).Msg("Ошибка захвата оплаты PayPal")
		return nil, err
	}

	ev, err := verifier.VerifyCapture(paypalOrderID, res)
	if err != nil {
		log.Error().Err(err).Str("order_id", order.ID).Msg("Ответ PayPal не прошёл проверку")
		return nil, err
	}
	if ev.OrderID != order.ID {
		return nil, fmt.Errorf("%w: reference_id %q не совпадает с заказом %s", domain.ErrUnexpectedState, ev.OrderID, order.ID)
	}

	if _, err := s.reconciler.Process(ctx, ev); err != nil {
		return nil, err
	}

	updated, err := s.orders.GetByID(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения заказа: %w", err)
	}
	return &CaptureResult{
		OrderID:       updated.ID,
		PaymentStatus: updated.Status.CustomerPaymentStatus(),
		CaptureID:     res.CaptureID(),
	}, nil
}

// Fulfill отмечает оплаченный заказ собранным. Повторный вызов ничего не меняет.
func (s *Service) Fulfill(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case domain.OrderStatusFulfilled:
		return order, nil
	case domain.OrderStatusConfirmed:
	default:
		return nil, fmt.Errorf("%w: заказ в статусе %s нельзя собрать", domain.ErrInvalidTransition, order.Status)
	}

	ev := &domain.PaymentEvent{
		Provider:   domain.ProviderInternal,
		EventID:    "fulfill:" + order.ID,
		Kind:       domain.EventOrderFulfilled,
		OrderID:    order.ID,
		ReceivedAt: s.now().UTC(),
	}
	if _, err := s.reconciler.Process(ctx, ev); err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Info().Str("order_id", order.ID).Msg("Заказ передан в доставку")
	return s.orders.GetByID(ctx, order.ID)
}
