package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// OrderRepository определяет доступ к заказам.
// Статус заказа меняет только TransitionRepository.
type OrderRepository interface {
	// Create создаёт заказ с позициями в одной транзакции.
	Create(ctx context.Context, order *domain.Order) error

	// GetByID возвращает заказ с позициями.
	GetByID(ctx context.Context, orderID string) (*domain.Order, error)

	// GetByPaymentRef ищет заказ по идентификатору платежа у провайдера.
	GetByPaymentRef(ctx context.Context, ref domain.PaymentRef) (*domain.Order, error)

	// AttachPayment сохраняет ссылку на платёж, пока заказ в pending.
	AttachPayment(ctx context.Context, orderID string, ref domain.PaymentRef) error

	// ListStalePending возвращает заказы в pending, созданные раньше olderThan.
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Order, error)
}

type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository создаёт репозиторий заказов.
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *domain.Order) error {
	model := orderModelFromDomain(order)
	items := model.Items
	model.Items = nil

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items").Create(model).Error; err != nil {
			return fmt.Errorf("ошибка создания заказа: %w", err)
		}
		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return fmt.Errorf("ошибка создания позиций заказа: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	order.CreatedAt = model.CreatedAt
	order.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *orderRepository) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", orderID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("ошибка получения заказа: %w", err)
	}
	return model.toDomain(), nil
}

func (r *orderRepository) GetByPaymentRef(ctx context.Context, ref domain.PaymentRef) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("payment_provider = ? AND payment_id = ?", string(ref.Provider), ref.PaymentID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("ошибка поиска заказа по платежу: %w", err)
	}
	return model.toDomain(), nil
}

func (r *orderRepository) AttachPayment(ctx context.Context, orderID string, ref domain.PaymentRef) error {
	result := r.db.WithContext(ctx).
		Model(&OrderModel{}).
		Where("id = ? AND status = ?", orderID, string(domain.OrderStatusPending)).
		Updates(map[string]any{
			"payment_provider": string(ref.Provider),
			"payment_id":       ref.PaymentID,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("ошибка сохранения платежа заказа: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (r *orderRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Order, error) {
	var models []OrderModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(domain.OrderStatusPending), olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска зависших заказов: %w", err)
	}

	orders := make([]*domain.Order, 0, len(models))
	for i := range models {
		orders = append(orders, models[i].toDomain())
	}
	return orders, nil
}
