package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// Transition — всё, что записывается при смене статуса заказа.
type Transition struct {
	OrderID string
	From    domain.OrderStatus
	To      domain.OrderStatus
	Payment *domain.PaymentRef
	Tasks   []*domain.SideEffectTask
	Claim   domain.EventKey
}

// TransitionRepository атомарно применяет переход.
type TransitionRepository interface {
	// ApplyTransition в одной транзакции обновляет статус (только если он
	// всё ещё From), ставит задачи в очередь и завершает запись журнала.
	ApplyTransition(ctx context.Context, t *Transition) error
}

type transitionRepository struct {
	db *gorm.DB
}

// NewTransitionRepository создаёт репозиторий переходов.
func NewTransitionRepository(db *gorm.DB) TransitionRepository {
	return &transitionRepository{db: db}
}

func (r *transitionRepository) ApplyTransition(ctx context.Context, t *Transition) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. Статус заказа с оптимистичной проверкой исходного статуса
		fields := map[string]any{
			"status":     string(t.To),
			"updated_at": time.Now().UTC(),
		}
		if t.Payment != nil {
			fields["payment_provider"] = string(t.Payment.Provider)
			fields["payment_id"] = t.Payment.PaymentID
		}

		result := tx.Model(&OrderModel{}).
			Where("id = ? AND status = ?", t.OrderID, string(t.From)).
			Updates(fields)
		if result.Error != nil {
			return fmt.Errorf("ошибка обновления статуса заказа: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: заказ %s не в статусе %s", domain.ErrConcurrentUpdate, t.OrderID, t.From)
		}

		// 2. Задачи побочных эффектов
		if _, err := insertTasks(tx, t.Tasks); err != nil {
			return err
		}

		// 3. Запись журнала событий
		return completeClaim(tx, t.Claim, domain.OutcomeApplied, false)
	})
}
