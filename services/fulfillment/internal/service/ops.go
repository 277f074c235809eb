package service

import (
	"context"

	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// LoyaltyAccount возвращает баланс баллов покупателя.
func (s *Service) LoyaltyAccount(ctx context.Context, customerID string, limit int) (*domain.LoyaltyAccount, error) {
	return s.loyalty.Balance(ctx, customerID, normalizeLimit(limit))
}

// FailedTasks возвращает задачи, выведенные из очереди после MaxAttempts.
func (s *Service) FailedTasks(ctx context.Context, limit int) ([]*domain.SideEffectTask, error) {
	return s.tasks.ListFailed(ctx, normalizeLimit(limit))
}

// RetryTask возвращает задачу в очередь.
func (s *Service) RetryTask(ctx context.Context, taskID string) error {
	if err := s.tasks.Requeue(ctx, taskID); err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.Info().Str("task_id", taskID).Msg("Задача возвращена в очередь персоналом")
	return nil
}

// Anomalies возвращает события, отмеченные для разбора.
func (s *Service) Anomalies(ctx context.Context, limit int) ([]*domain.Claim, error) {
	return s.anomalies.Anomalies(ctx, normalizeLimit(limit))
}

// Notifications возвращает уведомления персонала.
func (s *Service) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]*domain.Notification, error) {
	return s.notifications.List(ctx, unreadOnly, normalizeLimit(limit))
}
