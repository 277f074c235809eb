// Package reconciler проводит платёжное событие через конвейер:
// блокировка заказа → захват события в журнале → загрузка заказа →
// решение машины состояний → атомарная запись → освобождение блокировки.
//
// Побочные эффекты здесь только ставятся в очередь, выполняет их dispatcher.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"example.com/bouquet-shop/pkg/lock"
	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/pkg/metrics"
	"example.com/bouquet-shop/pkg/tracing"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/ledger"
	"example.com/bouquet-shop/services/fulfillment/internal/repository"
	"example.com/bouquet-shop/services/fulfillment/internal/statemachine"
)

// Метки исхода для метрики fulfillment_webhook_events_total.
const (
	labelDuplicate = "duplicate"
	labelAnomaly   = "anomaly"
	labelError     = "error"
)

// Result — итог обработки события.
type Result struct {
	// Outcome пуст для дубликатов.
	Outcome   domain.Outcome
	Duplicate bool
	From      domain.OrderStatus
	To        domain.OrderStatus
}

// Config — настройки блокировки заказа.
type Config struct {
	LockTTL  time.Duration
	LockWait time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		LockTTL:  30 * time.Second,
		LockWait: 5 * time.Second,
	}
}

// Reconciler применяет платёжные события к заказам.
type Reconciler struct {
	orders      repository.OrderRepository
	transitions repository.TransitionRepository
	ledger      *ledger.Ledger
	locker      lock.Locker
	cfg         Config
	now         func() time.Time
}

// New создаёт Reconciler.
func New(
	orders repository.OrderRepository,
	transitions repository.TransitionRepository,
	l *ledger.Ledger,
	locker lock.Locker,
	cfg Config,
) *Reconciler {
	return &Reconciler{
		orders:      orders,
		transitions: transitions,
		ledger:      l,
		locker:      locker,
		cfg:         cfg,
		now:         time.Now,
	}
}

// LockKey возвращает ключ блокировки заказа.
func LockKey(orderID string) string {
	return "order-lock:" + orderID
}

// Process обрабатывает событие. Ошибка возвращается только при сбое,
// после которого повторная доставка должна обработать событие заново.
// Дубликаты, аномалии и неизвестные заказы — не ошибки.
func (r *Reconciler) Process(ctx context.Context, ev *domain.PaymentEvent) (res *Result, err error) {
	ctx, span := tracing.Start(ctx, "reconciler.Process",
		attribute.String("provider", string(ev.Provider)),
		attribute.String("event_id", ev.EventID),
		attribute.String("event_kind", string(ev.Kind)),
		attribute.String("order_id", ev.OrderID),
	)
	defer func() { tracing.End(span, err) }()

	ctx = logger.WithFields(ctx, map[string]string{
		"provider": string(ev.Provider),
		"event_id": ev.EventID,
		"order_id": ev.OrderID,
	})
	log := logger.FromContext(ctx)

	defer func() {
		metrics.WebhookEvents.WithLabelValues(string(ev.Provider), outcomeLabel(res, err)).Inc()
	}()

	if !ev.Kind.Valid() {
		log.Info().Str("kind", string(ev.Kind)).Msg("Неизвестный вид события, пропускаем")
		return &Result{Outcome: domain.OutcomeIgnored}, nil
	}

	lockKey := LockKey(ev.OrderID)
	if ev.OrderID == "" {
		// Без заказа сериализуем по ключу события
		lockKey = "event-lock:" + ev.Key().String()
	}

	err = lock.WithLock(ctx, r.locker, lockKey, r.cfg.LockTTL, r.cfg.LockWait, func(ctx context.Context) error {
		var procErr error
		res, procErr = r.processLocked(ctx, ev)
		return procErr
	})
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			log.Warn().Msg("Заказ заблокирован другим обработчиком")
		} else {
			log.Error().Err(err).Msg("Ошибка обработки платёжного события")
		}
		return nil, err
	}
	return res, nil
}

func (r *Reconciler) processLocked(ctx context.Context, ev *domain.PaymentEvent) (*Result, error) {
	log := logger.FromContext(ctx)
	key := ev.Key()

	claim, err := r.ledger.Claim(ctx, ev)
	if err != nil {
		return nil, err
	}
	if claim == domain.AlreadyProcessed {
		log.Info().Msg("Событие уже обработано")
		return &Result{Duplicate: true}, nil
	}

	if ev.OrderID == "" {
		log.Warn().Msg("В событии нет заказа, требуется разбор")
		return r.complete(ctx, key, &Result{Outcome: domain.OutcomeOrderNotFound}, true)
	}

	order, err := r.orders.GetByID(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			log.Warn().Msg("Заказ из события не найден, требуется разбор")
			return r.complete(ctx, key, &Result{Outcome: domain.OutcomeOrderNotFound}, true)
		}
		return nil, r.fail(ctx, key, err)
	}

	decision, err := statemachine.Decide(order, ev.Kind)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrUnknownEventKind) {
			log.Warn().
				Err(err).
				Str("status", string(order.Status)).
				Str("kind", string(ev.Kind)).
				Msg("Аномалия: событие не применимо к заказу")
			return r.complete(ctx, key, &Result{
				Outcome: domain.OutcomeInvalidTransition,
				From:    order.Status,
				To:      order.Status,
			}, true)
		}
		return nil, r.fail(ctx, key, err)
	}

	if !decision.Changed {
		log.Info().Str("status", string(order.Status)).Msg("Событие не меняет статус заказа")
		return r.complete(ctx, key, &Result{Outcome: domain.OutcomeNoop, From: decision.From, To: decision.To}, false)
	}

	tasks, err := decision.Tasks(order.ID, r.now().UTC())
	if err != nil {
		return nil, r.fail(ctx, key, err)
	}

	t := &repository.Transition{
		OrderID: order.ID,
		From:    decision.From,
		To:      decision.To,
		Tasks:   tasks,
		Claim:   key,
	}
	if decision.To == domain.OrderStatusConfirmed && ev.ProviderPaymentID != "" {
		t.Payment = &domain.PaymentRef{Provider: ev.Provider, PaymentID: ev.ProviderPaymentID}
	}

	if err := r.transitions.ApplyTransition(ctx, t); err != nil {
		return nil, r.fail(ctx, key, err)
	}

	metrics.OrderTransitions.WithLabelValues(string(decision.From), string(decision.To)).Inc()
	log.Info().
		Str("from", string(decision.From)).
		Str("to", string(decision.To)).
		Int("tasks", len(tasks)).
		Msg("Статус заказа изменён")

	return &Result{Outcome: domain.OutcomeApplied, From: decision.From, To: decision.To}, nil
}

func (r *Reconciler) complete(ctx context.Context, key domain.EventKey, res *Result, needsReview bool) (*Result, error) {
	if err := r.ledger.Complete(ctx, key, res.Outcome, needsReview); err != nil {
		return nil, r.fail(ctx, key, err)
	}
	return res, nil
}

// fail освобождает событие для повторной доставки и возвращает исходную ошибку.
func (r *Reconciler) fail(ctx context.Context, key domain.EventKey, cause error) error {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := r.ledger.Fail(failCtx, key, cause); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Ошибка пометки события как failed")
	}
	return fmt.Errorf("обработка события %s: %w", key, cause)
}

func outcomeLabel(res *Result, err error) string {
	switch {
	case err != nil:
		return labelError
	case res == nil:
		return labelError
	case res.Duplicate:
		return labelDuplicate
	case res.Outcome == domain.OutcomeOrderNotFound, res.Outcome == domain.OutcomeInvalidTransition:
		return labelAnomaly
	default:
		return string(res.Outcome)
	}
}
