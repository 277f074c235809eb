package effects

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/repository"
)

// LoyaltyExecutor начисляет и сторнирует баллы.
type LoyaltyExecutor struct {
	ledger repository.LoyaltyRepository
	tasks  repository.TaskRepository
}

// NewLoyaltyExecutor создаёт исполнителя баллов.
func NewLoyaltyExecutor(ledger repository.LoyaltyRepository, tasks repository.TaskRepository) *LoyaltyExecutor {
	return &LoyaltyExecutor{ledger: ledger, tasks: tasks}
}

// reversalKey — ключ сторно для заказа.
func reversalKey(orderID string) string {
	return domain.TaskKey(orderID, domain.EffectReverseLoyalty, domain.OrderStatusRefunded)
}

// Credit выполняет задачи credit_loyalty.
func (e *LoyaltyExecutor) Credit(ctx context.Context, task *domain.SideEffectTask) error {
	var p domain.LoyaltyPayload
	if err := task.DecodePayload(&p); err != nil {
		return err
	}
	log := logger.FromContext(ctx)

	// Если возврат уже обработан, начислять поздно
	if _, err := e.ledger.GetByKey(ctx, reversalKey(p.OrderID)); err == nil {
		log.Warn().Str("order_id", p.OrderID).Msg("Заказ уже возвращён, баллы не начисляем")
		return nil
	} else if !errors.Is(err, repository.ErrLoyaltyEntryNotFound) {
		return fmt.Errorf("%w: %w", domain.ErrSideEffectFailed, err)
	}

	orderID := p.OrderID
	inserted, err := e.ledger.Append(ctx, &domain.LoyaltyEntry{
		ID:             uuid.NewString(),
		CustomerID:     p.CustomerID,
		Delta:          p.Points,
		Reason:         domain.LoyaltyReasonOrderCredit,
		OrderID:        &orderID,
		IdempotencyKey: task.IdempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("%w: начисление баллов: %w", domain.ErrSideEffectFailed, err)
	}
	if !inserted {
		log.Debug().Str("key", task.IdempotencyKey).Msg("Баллы уже начислены")
	}
	return nil
}

// Reverse выполняет задачи reverse_loyalty: списывает ровно столько,
// сколько было начислено по заказу.
func (e *LoyaltyExecutor) Reverse(ctx context.Context, task *domain.SideEffectTask) error {
	var p domain.LoyaltyPayload
	if err := task.DecodePayload(&p); err != nil {
		return err
	}
	log := logger.FromContext(ctx)

	creditKey := p.CreditKey
	if creditKey == "" {
		creditKey = domain.TaskKey(p.OrderID, domain.EffectCreditLoyalty, domain.OrderStatusConfirmed)
	}

	var delta int64
	credit, err := e.ledger.GetByKey(ctx, creditKey)
	switch {
	case err == nil:
		delta = -credit.Delta
	case errors.Is(err, repository.ErrLoyaltyEntryNotFound):
		pending, perr := e.creditPending(ctx, creditKey)
		if perr != nil {
			return fmt.Errorf("%w: %w", domain.ErrSideEffectFailed, perr)
		}
		if pending {
			return fmt.Errorf("%w: заказ %s", domain.ErrCreditPending, p.OrderID)
		}
		// Начисления не было: пишем нулевое сторно, чтобы позднее
		// начисление по этому заказу не прошло.
		log.Info().Str("order_id", p.OrderID).Msg("Баллы по заказу не начислялись, сторно нулевое")
	default:
		return fmt.Errorf("%w: %w", domain.ErrSideEffectFailed, err)
	}

	orderID := p.OrderID
	_, err = e.ledger.Append(ctx, &domain.LoyaltyEntry{
		ID:             uuid.NewString(),
		CustomerID:     p.CustomerID,
		Delta:          delta,
		Reason:         domain.LoyaltyReasonRefund,
		OrderID:        &orderID,
		IdempotencyKey: task.IdempotencyKey,
	})
	if err != nil {
		return fmt.Errorf("%w: сторно баллов: %w", domain.ErrSideEffectFailed, err)
	}
	return nil
}

// creditPending сообщает, ждёт ли задача начисления выполнения.
func (e *LoyaltyExecutor) creditPending(ctx context.Context, creditKey string) (bool, error) {
	task, err := e.tasks.GetByKey(ctx, creditKey)
	if errors.Is(err, domain.ErrTaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return task.Status == domain.TaskPending, nil
}

// Balance возвращает баланс и последние записи покупателя.
func (e *LoyaltyExecutor) Balance(ctx context.Context, customerID string, limit int) (*domain.LoyaltyAccount, error) {
	balance, err := e.ledger.Balance(ctx, customerID)
	if err != nil {
		return nil, err
	}
	entries, err := e.ledger.ListByCustomer(ctx, customerID, limit)
	if err != nil {
		return nil, err
	}
	return &domain.LoyaltyAccount{CustomerID: customerID, Balance: balance, Entries: entries}, nil
}
