package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// NotificationRepository — внутренние уведомления для персонала.
type NotificationRepository interface {
	// Create добавляет уведомление. false — уведомление с таким ключом уже есть.
	Create(ctx context.Context, n *domain.Notification) (bool, error)

	List(ctx context.Context, unreadOnly bool, limit int) ([]*domain.Notification, error)
}

type notificationRepository struct {
	db *gorm.DB
}

// NewNotificationRepository создаёт репозиторий уведомлений.
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, n *domain.Notification) (bool, error) {
	model := &NotificationModel{
		ID:             n.ID,
		IdempotencyKey: n.IdempotencyKey,
		OrderID:        n.OrderID,
		Kind:           n.Kind,
		Title:          n.Title,
		Body:           n.Body,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка создания уведомления: %w", err)
	}
	n.CreatedAt = model.CreatedAt
	return true, nil
}

func (r *notificationRepository) List(ctx context.Context, unreadOnly bool, limit int) ([]*domain.Notification, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}

	var models []NotificationModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("ошибка получения уведомлений: %w", err)
	}
	out := make([]*domain.Notification, 0, len(models))
	for i := range models {
		out = append(out, models[i].toDomain())
	}
	return out, nil
}
