// Package effects содержит исполнителей побочных эффектов перехода статуса.
// Каждый исполнитель идемпотентен по ключу задачи: повторное выполнение
// той же задачи не даёт второго письма, начисления или уведомления.
package effects

import (
	"context"
	"fmt"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// Executor выполняет задачу одного вида.
type Executor interface {
	Execute(ctx context.Context, task *domain.SideEffectTask) error
}

// ExecutorFunc — адаптер функции к Executor.
type ExecutorFunc func(ctx context.Context, task *domain.SideEffectTask) error

func (f ExecutorFunc) Execute(ctx context.Context, task *domain.SideEffectTask) error {
	return f(ctx, task)
}

// Registry сопоставляет вид эффекта исполнителю.
type Registry map[domain.EffectKind]Executor

// Execute находит исполнителя и выполняет задачу.
func (r Registry) Execute(ctx context.Context, task *domain.SideEffectTask) error {
	exec, ok := r[task.Kind]
	if !ok {
		return fmt.Errorf("%w: нет исполнителя для %s", domain.ErrSideEffectFailed, task.Kind)
	}
	return exec.Execute(ctx, task)
}

// NewRegistry собирает исполнителей всех видов эффектов.
func NewRegistry(email *EmailExecutor, loyalty *LoyaltyExecutor, notifier *Notifier) Registry {
	return Registry{
		domain.EffectSendConfirmationEmail: email,
		domain.EffectCreditLoyalty:         ExecutorFunc(loyalty.Credit),
		domain.EffectReverseLoyalty:        ExecutorFunc(loyalty.Reverse),
		domain.EffectPushNotification:      notifier,
	}
}
