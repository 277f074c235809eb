package effects

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/repository"
)

// Notifier пишет внутренние уведомления для персонала.
type Notifier struct {
	repo repository.NotificationRepository
}

// NewNotifier создаёт Notifier.
func NewNotifier(repo repository.NotificationRepository) *Notifier {
	return &Notifier{repo: repo}
}

// Notify создаёт уведомление один раз на ключ.
func (n *Notifier) Notify(ctx context.Context, key, kind string, orderID *string, title, body string) error {
	created, err := n.repo.Create(ctx, &domain.Notification{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		OrderID:        orderID,
		Kind:           kind,
		Title:          title,
		Body:           body,
	})
	if err != nil {
		return err
	}
	if created {
		log := logger.FromContext(ctx)
		log.Debug().Str("key", key).Str("kind", kind).Msg("Уведомление создано")
	}
	return nil
}

// Execute выполняет задачи push_notification.
func (n *Notifier) Execute(ctx context.Context, task *domain.SideEffectTask) error {
	var p domain.NotificationPayload
	if err := task.DecodePayload(&p); err != nil {
		return err
	}
	orderID := p.OrderID
	if err := n.Notify(ctx, task.IdempotencyKey, domain.NotificationOrderStatus, &orderID, p.Title, p.Body); err != nil {
		return fmt.Errorf("%w: уведомление по заказу %s: %w", domain.ErrSideEffectFailed, p.OrderID, err)
	}
	return nil
}

// List возвращает последние уведомления.
func (n *Notifier) List(ctx context.Context, unreadOnly bool, limit int) ([]*domain.Notification, error) {
	return n.repo.List(ctx, unreadOnly, limit)
}
