// Package testutil содержит in-memory хранилище и моки для тестов.
// Пакет не должен импортировать reconciler и dispatcher (circular dependency).
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/repository"
)

// Store — потокобезопасное in-memory хранилище с той же семантикой,
// что и MySQL-репозитории: уникальность ключей, условные обновления
// и атомарный переход статуса.
type Store struct {
	mu sync.Mutex

	orders        map[string]*domain.Order
	claims        map[domain.EventKey]*domain.Claim
	tasks         map[string]*domain.SideEffectTask
	taskKeys      map[string]string
	loyalty       []*domain.LoyaltyEntry
	loyaltyKeys   map[string]*domain.LoyaltyEntry
	notifications []*domain.Notification
	notifyKeys    map[string]bool

	// FailTransition, если задан, вызывается перед применением перехода.
	// Ненулевая ошибка откатывает переход целиком.
	FailTransition func(t *repository.Transition) error
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		orders:      make(map[string]*domain.Order),
		claims:      make(map[domain.EventKey]*domain.Claim),
		tasks:       make(map[string]*domain.SideEffectTask),
		taskKeys:    make(map[string]string),
		loyaltyKeys: make(map[string]*domain.LoyaltyEntry),
		notifyKeys:  make(map[string]bool),
	}
}

// Orders возвращает хранилище заказов.
func (s *Store) Orders() repository.OrderRepository {
	return orderStore{s}
}

// Claims возвращает журнал идемпотентности.
func (s *Store) Claims() repository.ClaimRepository {
	return claimStore{s}
}

// Tasks возвращает очередь задач побочных эффектов.
func (s *Store) Tasks() repository.TaskRepository {
	return taskStore{s}
}

// Loyalty возвращает журнал баллов лояльности.
func (s *Store) Loyalty() repository.LoyaltyRepository {
	return loyaltyStore{s}
}

// Notifications возвращает журнал уведомлений.
func (s *Store) Notifications() repository.NotificationRepository {
	return notificationStore{s}
}

// Transitions возвращает хранилище переходов статуса.
func (s *Store) Transitions() repository.TransitionRepository {
	return transitionStore{s}
}

// PutOrder сохраняет заказ как есть (для подготовки тестов).
func (s *Store) PutOrder(o *domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = cloneOrder(o)
}

// AllTasks возвращает копии всех задач, отсортированные по ключу.
func (s *Store) AllTasks() []*domain.SideEffectTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.SideEffectTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdempotencyKey < out[j].IdempotencyKey })
	return out
}

// LoyaltyEntries возвращает копию журнала баллов.
func (s *Store) LoyaltyEntries() []*domain.LoyaltyEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.LoyaltyEntry, 0, len(s.loyalty))
	for _, e := range s.loyalty {
		c := *e
		out = append(out, &c)
	}
	return out
}

// Claim возвращает копию записи журнала или nil.
func (s *Store) Claim(key domain.EventKey) *domain.Claim {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[key]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// AgeClaim сдвигает updated_at записи в прошлое.
func (s *Store) AgeClaim(key domain.EventKey, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[key]; ok {
		c.UpdatedAt = c.UpdatedAt.Add(-by)
	}
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.OrderItem(nil), o.Items...)
	if o.Payment != nil {
		p := *o.Payment
		c.Payment = &p
	}
	if o.CustomerID != nil {
		id := *o.CustomerID
		c.CustomerID = &id
	}
	return &c
}

func cloneTask(t *domain.SideEffectTask) *domain.SideEffectTask {
	c := *t
	c.Payload = append([]byte(nil), t.Payload...)
	return &c
}

// =============================================================================
// Заказы
// =============================================================================

type orderStore struct{ s *Store }

func (r orderStore) Create(_ context.Context, order *domain.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.orders[order.ID]; ok {
		return fmt.Errorf("заказ %s уже существует", order.ID)
	}
	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	r.s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r orderStore) GetByID(_ context.Context, orderID string) (*domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (r orderStore) GetByPaymentRef(_ context.Context, ref domain.PaymentRef) (*domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range r.s.orders {
		if o.Payment != nil && *o.Payment == ref {
			return cloneOrder(o), nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (r orderStore) AttachPayment(_ context.Context, orderID string, ref domain.PaymentRef) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	o, ok := r.s.orders[orderID]
	if !ok || o.Status != domain.OrderStatusPending {
		return domain.ErrOrderNotFound
	}
	o.Payment = &ref
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (r orderStore) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]*domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Order
	for _, o := range r.s.orders {
		if o.Status == domain.OrderStatusPending && o.CreatedAt.Before(olderThan) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Журнал событий
// =============================================================================

type claimStore struct{ s *Store }

func (r claimStore) Insert(_ context.Context, claim *domain.Claim) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := claim.Key()
	if _, ok := r.s.claims[key]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	claim.Status = domain.ClaimInProgress
	claim.Attempts = 1
	claim.CreatedAt, claim.UpdatedAt = now, now
	c := *claim
	r.s.claims[key] = &c
	return true, nil
}

func (r claimStore) Get(_ context.Context, key domain.EventKey) (*domain.Claim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[key]
	if !ok {
		return nil, repository.ErrClaimNotFound
	}
	cp := *c
	return &cp, nil
}

func (r claimStore) Reclaim(_ context.Context, key domain.EventKey, staleBefore time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[key]
	if !ok {
		return false, nil
	}
	stale := c.Status == domain.ClaimInProgress && c.UpdatedAt.Before(staleBefore)
	if c.Status != domain.ClaimFailed && !stale {
		return false, nil
	}
	c.Status = domain.ClaimInProgress
	c.Attempts++
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r claimStore) Complete(_ context.Context, key domain.EventKey, outcome domain.Outcome, needsReview bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.completeLocked(key, outcome, needsReview)
}

func (s *Store) completeLocked(key domain.EventKey, outcome domain.Outcome, needsReview bool) error {
	c, ok := s.claims[key]
	if !ok || c.Status != domain.ClaimInProgress {
		return fmt.Errorf("%w: %s не в статусе in_progress", repository.ErrClaimNotFound, key)
	}
	c.Status = domain.ClaimCompleted
	c.Outcome = &outcome
	c.NeedsReview = needsReview
	c.LastError = nil
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r claimStore) Fail(_ context.Context, key domain.EventKey, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.claims[key]
	if ok && c.Status == domain.ClaimInProgress {
		c.Status = domain.ClaimFailed
		c.LastError = &reason
		c.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r claimStore) ListNeedsReview(_ context.Context, limit int) ([]*domain.Claim, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Claim
	for _, c := range r.s.claims {
		if c.NeedsReview {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Задачи
// =============================================================================

type taskStore struct{ s *Store }

func (s *Store) insertTaskLocked(t *domain.SideEffectTask) bool {
	if _, ok := s.taskKeys[t.IdempotencyKey]; ok {
		return false
	}
	c := cloneTask(t)
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.tasks[c.ID] = c
	s.taskKeys[c.IdempotencyKey] = c.ID
	return true
}

func (r taskStore) Enqueue(_ context.Context, task *domain.SideEffectTask) (*domain.SideEffectTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.insertTaskLocked(task) {
		return task, nil
	}
	return cloneTask(r.s.tasks[r.s.taskKeys[task.IdempotencyKey]]), nil
}

func (r taskStore) GetByID(_ context.Context, id string) (*domain.SideEffectTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

func (r taskStore) GetByKey(_ context.Context, key string) (*domain.SideEffectTask, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.taskKeys[key]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return cloneTask(r.s.tasks[id]), nil
}

func (r taskStore) filter(limit int, keep func(*domain.SideEffectTask) bool, less func(a, b *domain.SideEffectTask) bool) []*domain.SideEffectTask {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.SideEffectTask
	for _, t := range r.s.tasks {
		if keep(t) {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r taskStore) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.SideEffectTask, error) {
	return r.filter(limit,
		func(t *domain.SideEffectTask) bool {
			return t.Status == domain.TaskPending && !t.NextAttemptAt.After(now)
		},
		func(a, b *domain.SideEffectTask) bool { return a.NextAttemptAt.Before(b.NextAttemptAt) },
	), nil
}

func (r taskStore) ListFailed(_ context.Context, limit int) ([]*domain.SideEffectTask, error) {
	return r.filter(limit,
		func(t *domain.SideEffectTask) bool { return t.Status == domain.TaskFailed },
		func(a, b *domain.SideEffectTask) bool { return a.UpdatedAt.After(b.UpdatedAt) },
	), nil
}

func (r taskStore) update(id string, from domain.TaskStatus, apply func(t *domain.SideEffectTask)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tasks[id]
	if !ok || t.Status != from {
		return domain.ErrTaskNotFound
	}
	apply(t)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (r taskStore) MarkDone(_ context.Context, id string) error {
	return r.update(id, domain.TaskPending, func(t *domain.SideEffectTask) {
		t.Status = domain.TaskDone
		t.Attempts++
		t.LastError = nil
	})
}

func (r taskStore) MarkRetry(_ context.Context, id string, attempts int, next time.Time, reason string) error {
	return r.update(id, domain.TaskPending, func(t *domain.SideEffectTask) {
		t.Attempts = attempts
		t.NextAttemptAt = next
		t.LastError = &reason
	})
}

func (r taskStore) MarkFailed(_ context.Context, id string, attempts int, reason string) error {
	return r.update(id, domain.TaskPending, func(t *domain.SideEffectTask) {
		t.Status = domain.TaskFailed
		t.Attempts = attempts
		t.LastError = &reason
	})
}

func (r taskStore) Requeue(_ context.Context, id string, now time.Time) error {
	return r.update(id, domain.TaskFailed, func(t *domain.SideEffectTask) {
		t.Status = domain.TaskPending
		t.Attempts = 0
		t.NextAttemptAt = now
	})
}

func (r taskStore) DeleteDoneBefore(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var deleted int64
	for id, t := range r.s.tasks {
		if t.Status == domain.TaskDone && t.UpdatedAt.Before(before) {
			delete(r.s.tasks, id)
			delete(r.s.taskKeys, t.IdempotencyKey)
			deleted++
		}
	}
	return deleted, nil
}

// =============================================================================
// Баллы и уведомления
// =============================================================================

type loyaltyStore struct{ s *Store }

func (r loyaltyStore) Append(_ context.Context, entry *domain.LoyaltyEntry) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.loyaltyKeys[entry.IdempotencyKey]; ok {
		return false, nil
	}
	entry.CreatedAt = time.Now().UTC()
	c := *entry
	r.s.loyalty = append(r.s.loyalty, &c)
	r.s.loyaltyKeys[c.IdempotencyKey] = &c
	return true, nil
}

func (r loyaltyStore) GetByKey(_ context.Context, key string) (*domain.LoyaltyEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.loyaltyKeys[key]
	if !ok {
		return nil, repository.ErrLoyaltyEntryNotFound
	}
	c := *e
	return &c, nil
}

func (r loyaltyStore) Balance(_ context.Context, customerID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var sum int64
	for _, e := range r.s.loyalty {
		if e.CustomerID == customerID {
			sum += e.Delta
		}
	}
	return sum, nil
}

func (r loyaltyStore) ListByCustomer(_ context.Context, customerID string, limit int) ([]*domain.LoyaltyEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.LoyaltyEntry
	for i := len(r.s.loyalty) - 1; i >= 0 && len(out) < limit; i-- {
		if e := r.s.loyalty[i]; e.CustomerID == customerID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

type notificationStore struct{ s *Store }

func (r notificationStore) Create(_ context.Context, n *domain.Notification) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.notifyKeys[n.IdempotencyKey] {
		return false, nil
	}
	n.CreatedAt = time.Now().UTC()
	c := *n
	r.s.notifications = append(r.s.notifications, &c)
	r.s.notifyKeys[n.IdempotencyKey] = true
	return true, nil
}

func (r notificationStore) List(_ context.Context, unreadOnly bool, limit int) ([]*domain.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Notification
	for i := len(r.s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := r.s.notifications[i]
		if unreadOnly && n.Read {
			continue
		}
		c := *n
		out = append(out, &c)
	}
	return out, nil
}

// =============================================================================
// Переход статуса
// =============================================================================

type transitionStore struct{ s *Store }

func (r transitionStore) ApplyTransition(_ context.Context, t *repository.Transition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.FailTransition != nil {
		if err := r.s.FailTransition(t); err != nil {
			return err
		}
	}

	o, ok := r.s.orders[t.OrderID]
	if !ok || o.Status != t.From {
		return fmt.Errorf("%w: заказ %s не в статусе %s", domain.ErrConcurrentUpdate, t.OrderID, t.From)
	}
	if c, ok := r.s.claims[t.Claim]; !ok || c.Status != domain.ClaimInProgress {
		return fmt.Errorf("%w: %s не в статусе in_progress", repository.ErrClaimNotFound, t.Claim)
	}

	o.Status = t.To
	if t.Payment != nil {
		p := *t.Payment
		o.Payment = &p
	}
	o.UpdatedAt = time.Now().UTC()
	for _, task := range t.Tasks {
		r.s.insertTaskLocked(task)
	}
	return r.s.completeLocked(t.Claim, domain.OutcomeApplied, false)
}
