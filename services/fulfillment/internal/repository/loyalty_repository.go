package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// ErrLoyaltyEntryNotFound — записи с таким ключом нет.
var ErrLoyaltyEntryNotFound = errors.New("запись баллов не найдена")

// LoyaltyRepository — журнал баллов лояльности (только дописывание).
type LoyaltyRepository interface {
	// Append добавляет запись. false — запись с таким ключом уже есть.
	Append(ctx context.Context, entry *domain.LoyaltyEntry) (bool, error)

	GetByKey(ctx context.Context, key string) (*domain.LoyaltyEntry, error)

	// Balance возвращает сумму delta по покупателю.
	Balance(ctx context.Context, customerID string) (int64, error)

	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*domain.LoyaltyEntry, error)
}

type loyaltyRepository struct {
	db *gorm.DB
}

// NewLoyaltyRepository создаёт журнал баллов.
func NewLoyaltyRepository(db *gorm.DB) LoyaltyRepository {
	return &loyaltyRepository{db: db}
}

func (r *loyaltyRepository) Append(ctx context.Context, entry *domain.LoyaltyEntry) (bool, error) {
	model := &LoyaltyEntryModel{
		ID:             entry.ID,
		CustomerID:     entry.CustomerID,
		Delta:          entry.Delta,
		Reason:         entry.Reason,
		OrderID:        entry.OrderID,
		IdempotencyKey: entry.IdempotencyKey,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка записи баллов: %w", err)
	}
	entry.CreatedAt = model.CreatedAt
	return true, nil
}

func (r *loyaltyRepository) GetByKey(ctx context.Context, key string) (*domain.LoyaltyEntry, error) {
	var model LoyaltyEntryModel
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLoyaltyEntryNotFound
		}
		return nil, fmt.Errorf("ошибка чтения баллов: %w", err)
	}
	return model.toDomain(), nil
}

func (r *loyaltyRepository) Balance(ctx context.Context, customerID string) (int64, error) {
	var balance int64
	err := r.db.WithContext(ctx).
		Model(&LoyaltyEntryModel{}).
		Select("COALESCE(SUM(delta), 0)").
		Where("customer_id = ?", customerID).
		Scan(&balance).Error
	if err != nil {
		return 0, fmt.Errorf("ошибка расчёта баланса: %w", err)
	}
	return balance, nil
}

func (r *loyaltyRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*domain.LoyaltyEntry, error) {
	var models []LoyaltyEntryModel
	err := r.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории баллов: %w", err)
	}
	entries := make([]*domain.LoyaltyEntry, 0, len(models))
	for i := range models {
		entries = append(entries, models[i].toDomain())
	}
	return entries, nil
}
