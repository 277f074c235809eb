// Package monitor находит заказы, которые слишком долго ждут оплаты.
package monitor

import (
	"context"
	"fmt"
	"time"

	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/pkg/metrics"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/repository"
)

// =============================================================================
// StaleMonitor — поиск заказов, застрявших в pending
// =============================================================================

// Notifier создаёт уведомление для персонала один раз на ключ.
type Notifier interface {
	Notify(ctx context.Context, key, kind string, orderID *string, title, body string) error
}

// Config — настройки монитора.
type Config struct {
	// Interval — интервал между сканированиями.
	Interval time.Duration

	// StaleAfter — сколько заказ может провести в pending до уведомления.
	// Провайдер мог не прислать подтверждение, или вебхук был потерян.
	StaleAfter time.Duration

	// BatchSize — максимум заказов за один цикл.
	BatchSize int
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		Interval:   time.Minute,
		StaleAfter: 30 * time.Minute,
		BatchSize:  100,
	}
}

// StaleMonitor периодически ищет pending-заказы старше StaleAfter.
// Статусы заказов он не меняет: решение за персоналом.
type StaleMonitor struct {
	orders   repository.OrderRepository
	notifier Notifier
	cfg      Config
	now      func() time.Time
}

// New создаёт монитор.
func New(orders repository.OrderRepository, notifier Notifier, cfg Config) *StaleMonitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &StaleMonitor{orders: orders, notifier: notifier, cfg: cfg, now: time.Now}
}

// Run запускает монитор. Блокирует выполнение до отмены контекста.
func (m *StaleMonitor) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("interval", m.cfg.Interval).
		Dur("stale_after", m.cfg.StaleAfter).
		Msg("Запуск монитора зависших заказов")

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка монитора зависших заказов")
			return
		case <-ticker.C:
			if _, err := m.Scan(ctx); err != nil {
				log.Error().Err(err).Msg("Ошибка поиска зависших заказов")
			}
		}
	}
}

// Scan выполняет один проход и возвращает найденные заказы.
// Повторные проходы не создают повторных уведомлений.
func (m *StaleMonitor) Scan(ctx context.Context) ([]*domain.Order, error) {
	log := logger.FromContext(ctx)

	olderThan := m.now().Add(-m.cfg.StaleAfter)
	orders, err := m.orders.ListStalePending(ctx, olderThan, m.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("поиск зависших заказов: %w", err)
	}
	metrics.StalePendingOrders.Set(float64(len(orders)))

	if len(orders) == 0 {
		return nil, nil
	}

	log.Warn().Int("count", len(orders)).Msg("Обнаружены заказы без подтверждения оплаты")

	for _, order := range orders {
		select {
		case <-ctx.Done():
			return orders, ctx.Err()
		default:
		}

		age := m.now().Sub(order.CreatedAt).Round(time.Minute)
		log.Warn().
			Str("order_id", order.ID).
			Time("created_at", order.CreatedAt).
			Dur("age", age).
			Msg("Заказ слишком долго ждёт оплаты")

		orderID := order.ID
		err := m.notifier.Notify(ctx,
			order.ID+":"+domain.NotificationStalePending,
			domain.NotificationStalePending,
			&orderID,
			"Заказ ждёт оплаты",
			fmt.Sprintf("Заказ %s находится в pending %s. Проверьте платёж у провайдера.", order.ID, age),
		)
		if err != nil {
			log.Error().Err(err).Str("order_id", order.ID).Msg("Не удалось создать уведомление о зависшем заказе")
		}
	}
	return orders, nil
}
