package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// TaskRepository — очередь задач побочных эффектов.
type TaskRepository interface {
	// Enqueue добавляет задачу. Если задача с таким ключом уже есть,
	// ничего не меняет и возвращает сохранённую.
	Enqueue(ctx context.Context, task *domain.SideEffectTask) (*domain.SideEffectTask, error)

	GetByID(ctx context.Context, id string) (*domain.SideEffectTask, error)
	GetByKey(ctx context.Context, key string) (*domain.SideEffectTask, error)

	// ListDue возвращает pending задачи с next_attempt_at <= now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.SideEffectTask, error)

	MarkDone(ctx context.Context, id string) error

	// MarkRetry сохраняет неудачную попытку и время следующей.
	MarkRetry(ctx context.Context, id string, attempts int, next time.Time, reason string) error

	// MarkFailed переводит задачу в failed после исчерпания попыток.
	MarkFailed(ctx context.Context, id string, attempts int, reason string) error

	ListFailed(ctx context.Context, limit int) ([]*domain.SideEffectTask, error)

	// Requeue возвращает failed задачу в очередь со сброшенным счётчиком.
	Requeue(ctx context.Context, id string, now time.Time) error

	// DeleteDoneBefore удаляет выполненные задачи старше before.
	DeleteDoneBefore(ctx context.Context, before time.Time) (int64, error)
}

type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository создаёт очередь задач.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

// insertTasks вставляет задачи, пропуская существующие ключи.
func insertTasks(db *gorm.DB, tasks []*domain.SideEffectTask) (int64, error) {
	var inserted int64
	for _, t := range tasks {
		result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(taskModelFromDomain(t))
		if result.Error != nil {
			return inserted, fmt.Errorf("ошибка постановки задачи %s: %w", t.IdempotencyKey, result.Error)
		}
		inserted += result.RowsAffected
	}
	return inserted, nil
}

func (r *taskRepository) Enqueue(ctx context.Context, task *domain.SideEffectTask) (*domain.SideEffectTask, error) {
	inserted, err := insertTasks(r.db.WithContext(ctx), []*domain.SideEffectTask{task})
	if err != nil {
		return nil, err
	}
	if inserted == 1 {
		return task, nil
	}
	return r.GetByKey(ctx, task.IdempotencyKey)
}

func (r *taskRepository) get(ctx context.Context, column, value string) (*domain.SideEffectTask, error) {
	var model TaskModel
	err := r.db.WithContext(ctx).Where(column+" = ?", value).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("ошибка получения задачи: %w", err)
	}
	return model.toDomain(), nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.SideEffectTask, error) {
	return r.get(ctx, "id", id)
}

func (r *taskRepository) GetByKey(ctx context.Context, key string) (*domain.SideEffectTask, error) {
	return r.get(ctx, "idempotency_key", key)
}

func (r *taskRepository) list(ctx context.Context, q *gorm.DB) ([]*domain.SideEffectTask, error) {
	var models []TaskModel
	if err := q.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("ошибка получения задач: %w", err)
	}
	tasks := make([]*domain.SideEffectTask, 0, len(models))
	for i := range models {
		tasks = append(tasks, models[i].toDomain())
	}
	return tasks, nil
}

func (r *taskRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.SideEffectTask, error) {
	return r.list(ctx, r.db.
		Where("status = ? AND next_attempt_at <= ?", string(domain.TaskPending), now).
		Order("next_attempt_at ASC").
		Limit(limit))
}

func (r *taskRepository) ListFailed(ctx context.Context, limit int) ([]*domain.SideEffectTask, error) {
	return r.list(ctx, r.db.
		Where("status = ?", string(domain.TaskFailed)).
		Order("updated_at DESC").
		Limit(limit))
}

func (r *taskRepository) update(ctx context.Context, id string, from domain.TaskStatus, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&TaskModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("ошибка обновления задачи: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func (r *taskRepository) MarkDone(ctx context.Context, id string) error {
	return r.update(ctx, id, domain.TaskPending, map[string]any{
		"status":     string(domain.TaskDone),
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": nil,
	})
}

func (r *taskRepository) MarkRetry(ctx context.Context, id string, attempts int, next time.Time, reason string) error {
	return r.update(ctx, id, domain.TaskPending, map[string]any{
		"attempts":        attempts,
		"next_attempt_at": next,
		"last_error":      reason,
	})
}

func (r *taskRepository) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	return r.update(ctx, id, domain.TaskPending, map[string]any{
		"status":     string(domain.TaskFailed),
		"attempts":   attempts,
		"last_error": reason,
	})
}

func (r *taskRepository) Requeue(ctx context.Context, id string, now time.Time) error {
	return r.update(ctx, id, domain.TaskFailed, map[string]any{
		"status":          string(domain.TaskPending),
		"attempts":        0,
		"next_attempt_at": now,
	})
}

func (r *taskRepository) DeleteDoneBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(domain.TaskDone), before).
		Delete(&TaskModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("ошибка очистки задач: %w", result.Error)
	}
	return result.RowsAffected, nil
}
