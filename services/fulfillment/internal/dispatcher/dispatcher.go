// Package dispatcher выполняет задачи побочных эффектов из таблицы
// side_effect_tasks: опрос, повторы с экспоненциальной задержкой,
// перевод в failed после исчерпания попыток. Гарантия at-least-once,
// исполнители идемпотентны по ключу задачи.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"example.com/bouquet-shop/pkg/lock"
	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/pkg/metrics"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/repository"
)

// Executor выполняет задачу. Реализуется effects.Registry.
type Executor interface {
	Execute(ctx context.Context, task *domain.SideEffectTask) error
}

// OperatorNotifier сообщает персоналу о задачах, выведенных из очереди.
type OperatorNotifier interface {
	Notify(ctx context.Context, key, kind string, orderID *string, title, body string) error
}

// Config — настройки диспетчера.
type Config struct {
	// PollInterval — интервал между опросами таблицы задач.
	PollInterval time.Duration

	// BatchSize — количество задач за один опрос.
	BatchSize int

	// MaxAttempts — после стольких неудач задача переходит в failed.
	MaxAttempts int

	// BaseBackoff и MaxBackoff задают задержку min(base·2^(n-1), max).
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Retention — срок хранения выполненных задач.
	Retention time.Duration

	// Workers — число параллельных исполнителей. Каждая задача берётся
	// под аренду через Locker независимо от их числа.
	Workers int

	// LeaseTTL — время аренды задачи.
	LeaseTTL time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		PollInterval: 1 * time.Second,
		BatchSize:    50,
		MaxAttempts:  8,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   10 * time.Minute,
		Retention:    7 * 24 * time.Hour,
		Workers:      1,
		LeaseTTL:     time.Minute,
	}
}

// cleanupInterval — интервал очистки выполненных задач.
const cleanupInterval = 1 * time.Hour

// Dispatcher — фоновый исполнитель задач.
type Dispatcher struct {
	tasks    repository.TaskRepository
	exec     Executor
	notifier OperatorNotifier
	locker   lock.Locker
	cfg      Config
	now      func() time.Time
}

// New создаёт диспетчер. Несколько узлов с общей очередью должны получать
// распределённый locker, без него аренда действует в пределах процесса.
func New(tasks repository.TaskRepository, exec Executor, notifier OperatorNotifier, locker lock.Locker, cfg Config) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &Dispatcher{
		tasks:    tasks,
		exec:     exec,
		notifier: notifier,
		locker:   locker,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Enqueue ставит задачу в очередь. Повторная постановка с тем же ключом
// ничего не меняет и возвращает сохранённую задачу.
func (d *Dispatcher) Enqueue(ctx context.Context, task *domain.SideEffectTask) (*domain.SideEffectTask, error) {
	if task.Status == "" {
		task.Status = domain.TaskPending
	}
	if task.NextAttemptAt.IsZero() {
		task.NextAttemptAt = d.now().UTC()
	}
	return d.tasks.Enqueue(ctx, task)
}

// Backoff возвращает задержку перед попыткой attempts+1.
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	if delay > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return delay
}

// Run запускает диспетчер. Блокирует выполнение до отмены контекста.
func (d *Dispatcher) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Int("batch_size", d.cfg.BatchSize).
		Int("workers", d.cfg.Workers).
		Msg("Запуск диспетчера побочных эффектов")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка диспетчера побочных эффектов")
			return
		case <-ticker.C:
			d.ProcessDue(ctx)
		case <-cleanupTicker.C:
			d.cleanupDone(ctx)
		}
	}
}

// ProcessDue выполняет пачку задач, время которых пришло.
// Возвращает число выбранных задач.
func (d *Dispatcher) ProcessDue(ctx context.Context) int {
	log := logger.FromContext(ctx)

	tasks, err := d.tasks.ListDue(ctx, d.now().UTC(), d.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка чтения очереди задач")
		return 0
	}
	if len(tasks) == 0 {
		return 0
	}

	log.Debug().Int("count", len(tasks)).Msg("Обработка задач побочных эффектов")

	if d.cfg.Workers == 1 {
		for _, task := range tasks {
			if ctx.Err() != nil {
				break
			}
			d.processLeased(ctx, task)
		}
		return len(tasks)
	}

	queue := make(chan *domain.SideEffectTask)
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				d.processLeased(ctx, task)
			}
		}()
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		queue <- task
	}
	close(queue)
	wg.Wait()

	return len(tasks)
}

// processLeased берёт аренду задачи и перечитывает её: другой узел мог
// уже выполнить задачу после нашего ListDue.
func (d *Dispatcher) processLeased(ctx context.Context, task *domain.SideEffectTask) {
	log := logger.FromContext(ctx)

	unlock, err := d.locker.Acquire(ctx, "task:"+task.ID, d.cfg.LeaseTTL, 0)
	if err != nil {
		if !errors.Is(err, lock.ErrNotAcquired) {
			log.Error().Err(err).Str("task_id", task.ID).Msg("Ошибка аренды задачи")
		}
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = unlock(releaseCtx)
	}()

	fresh, err := d.tasks.GetByID(ctx, task.ID)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("Ошибка чтения задачи")
		return
	}
	if fresh.Status != domain.TaskPending || fresh.NextAttemptAt.After(d.now().UTC()) {
		return
	}
	d.process(ctx, fresh)
}

func (d *Dispatcher) process(ctx context.Context, task *domain.SideEffectTask) {
	ctx = logger.WithFields(ctx, map[string]string{
		"task_id":  task.ID,
		"order_id": task.OrderID,
		"kind":     string(task.Kind),
	})
	log := logger.FromContext(ctx)

	execErr := d.exec.Execute(ctx, task)
	if execErr == nil {
		if err := d.tasks.MarkDone(ctx, task.ID); err != nil {
			log.Error().Err(err).Msg("Ошибка пометки задачи как выполненной")
			return
		}
		metrics.SideEffects.WithLabelValues(string(task.Kind), "done").Inc()
		log.Debug().Msg("Побочный эффект выполнен")
		return
	}

	attempts := task.Attempts + 1
	reason := execErr.Error()

	if attempts >= d.cfg.MaxAttempts {
		if err := d.tasks.MarkFailed(ctx, task.ID, attempts, reason); err != nil {
			log.Error().Err(err).Msg("Ошибка пометки задачи как failed")
			return
		}
		metrics.SideEffects.WithLabelValues(string(task.Kind), "failed").Inc()
		log.Error().
			Err(execErr).
			Int("attempts", attempts).
			Msg("Побочный эффект не выполнен, попытки исчерпаны")
		d.notifyFailed(ctx, task, attempts, reason)
		return
	}

	next := d.now().UTC().Add(d.Backoff(attempts))
	if err := d.tasks.MarkRetry(ctx, task.ID, attempts, next, reason); err != nil {
		log.Error().Err(err).Msg("Ошибка планирования повтора задачи")
		return
	}
	metrics.SideEffects.WithLabelValues(string(task.Kind), "retry").Inc()
	log.Warn().
		Err(execErr).
		Int("attempts", attempts).
		Time("next_attempt_at", next).
		Msg("Побочный эффект не выполнен, повтор запланирован")
}

func (d *Dispatcher) notifyFailed(ctx context.Context, task *domain.SideEffectTask, attempts int, reason string) {
	if d.notifier == nil {
		return
	}
	orderID := task.OrderID
	err := d.notifier.Notify(ctx,
		task.IdempotencyKey+":failed",
		domain.NotificationTaskFailed,
		&orderID,
		"Побочный эффект не выполнен",
		fmt.Sprintf("Задача %s по заказу %s не выполнена после %d попыток: %s", task.Kind, task.OrderID, attempts, reason),
	)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Ошибка создания уведомления о сбое задачи")
	}
}

// cleanupDone удаляет выполненные задачи старше Retention.
func (d *Dispatcher) cleanupDone(ctx context.Context) {
	log := logger.FromContext(ctx)

	deleted, err := d.tasks.DeleteDoneBefore(ctx, d.now().UTC().Add(-d.cfg.Retention))
	if err != nil {
		log.Error().Err(err).Msg("Ошибка очистки выполненных задач")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Очистка выполненных задач")
	}
}

// ListFailed возвращает задачи, выведенные из очереди.
func (d *Dispatcher) ListFailed(ctx context.Context, limit int) ([]*domain.SideEffectTask, error) {
	return d.tasks.ListFailed(ctx, limit)
}

// Requeue возвращает failed задачу в очередь со сброшенным счётчиком попыток.
func (d *Dispatcher) Requeue(ctx context.Context, id string) error {
	if err := d.tasks.Requeue(ctx, id, d.now().UTC()); err != nil {
		return fmt.Errorf("повтор задачи %s: %w", id, err)
	}
	log := logger.FromContext(ctx)
	log.Info().Str("task_id", id).Msg("Задача возвращена в очередь")
	return nil
}
