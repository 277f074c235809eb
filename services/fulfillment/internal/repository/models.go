// Package repository содержит GORM-хранилище заказов, журнала событий,
// задач побочных эффектов, баллов лояльности и уведомлений.
package repository

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// =============================================================================
// Заказы
// =============================================================================

// OrderModel — GORM модель таблицы orders.
type OrderModel struct {
	ID              string           `gorm:"column:id;type:varchar(36);primaryKey"`
	CustomerID      *string          `gorm:"column:customer_id;type:varchar(36);index"`
	Email           string           `gorm:"column:email;type:varchar(255);not null"`
	TotalAmount     int64            `gorm:"column:total_amount;not null"`
	Currency        string           `gorm:"column:currency;type:varchar(3);not null"`
	DeliveryAddress string           `gorm:"column:delivery_address;type:text;not null"`
	DeliveryDate    time.Time        `gorm:"column:delivery_date;type:date;not null"`
	Status          string           `gorm:"column:status;type:varchar(20);not null;index:idx_orders_status_created"`
	PaymentProvider *string          `gorm:"column:payment_provider;type:varchar(16);index:idx_orders_payment"`
	PaymentID       *string          `gorm:"column:payment_id;type:varchar(255);index:idx_orders_payment"`
	CreatedAt       time.Time        `gorm:"column:created_at;autoCreateTime;index:idx_orders_status_created"`
	UpdatedAt       time.Time        `gorm:"column:updated_at;autoUpdateTime"`
	Items           []OrderItemModel `gorm:"foreignKey:OrderID;references:ID"`
}

func (OrderModel) TableName() string {
	return "orders"
}

// OrderItemModel — GORM модель таблицы order_items.
type OrderItemModel struct {
	ID        string    `gorm:"column:id;type:varchar(36);primaryKey"`
	OrderID   string    `gorm:"column:order_id;type:varchar(36);not null;index"`
	BouquetID string    `gorm:"column:bouquet_id;type:varchar(64);not null"`
	Name      string    `gorm:"column:name;type:varchar(255);not null"`
	Quantity  int32     `gorm:"column:quantity;not null"`
	UnitPrice int64     `gorm:"column:unit_price;not null"`
	Currency  string    `gorm:"column:currency;type:varchar(3);not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (OrderItemModel) TableName() string {
	return "order_items"
}

func (m *OrderModel) toDomain() *domain.Order {
	order := &domain.Order{
		ID:              m.ID,
		CustomerID:      m.CustomerID,
		Email:           m.Email,
		Total:           domain.Money{Amount: m.TotalAmount, Currency: m.Currency},
		DeliveryAddress: m.DeliveryAddress,
		DeliveryDate:    m.DeliveryDate,
		Status:          domain.OrderStatus(m.Status),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		Items:           make([]domain.OrderItem, 0, len(m.Items)),
	}
	if m.PaymentProvider != nil && m.PaymentID != nil {
		order.Payment = &domain.PaymentRef{
			Provider:  domain.Provider(*m.PaymentProvider),
			PaymentID: *m.PaymentID,
		}
	}
	for _, item := range m.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ID:        item.ID,
			BouquetID: item.BouquetID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: domain.Money{Amount: item.UnitPrice, Currency: item.Currency},
		})
	}
	return order
}

func orderModelFromDomain(o *domain.Order) *OrderModel {
	m := &OrderModel{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		Email:           o.Email,
		TotalAmount:     o.Total.Amount,
		Currency:        o.Total.Currency,
		DeliveryAddress: o.DeliveryAddress,
		DeliveryDate:    o.DeliveryDate,
		Status:          string(o.Status),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if o.Payment != nil {
		provider := string(o.Payment.Provider)
		m.PaymentProvider = &provider
		m.PaymentID = &o.Payment.PaymentID
	}
	for _, item := range o.Items {
		m.Items = append(m.Items, OrderItemModel{
			ID:        item.ID,
			OrderID:   o.ID,
			BouquetID: item.BouquetID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.Amount,
			Currency:  item.UnitPrice.Currency,
		})
	}
	return m
}

// =============================================================================
// Журнал идемпотентности
// =============================================================================

// ClaimModel — GORM модель таблицы payment_event_claims.
// Первичный ключ (provider, event_id) обеспечивает единственность записи.
type ClaimModel struct {
	Provider    string    `gorm:"column:provider;type:varchar(16);primaryKey"`
	EventID     string    `gorm:"column:event_id;type:varchar(255);primaryKey"`
	Kind        string    `gorm:"column:kind;type:varchar(32);not null"`
	OrderID     string    `gorm:"column:order_id;type:varchar(36);index"`
	Status      string    `gorm:"column:status;type:varchar(16);not null;index"`
	Outcome     *string   `gorm:"column:outcome;type:varchar(32)"`
	NeedsReview bool      `gorm:"column:needs_review;not null;default:false;index"`
	LastError   *string   `gorm:"column:last_error;type:text"`
	Attempts    int       `gorm:"column:attempts;not null;default:1"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (ClaimModel) TableName() string {
	return "payment_event_claims"
}

func (m *ClaimModel) toDomain() *domain.Claim {
	c := &domain.Claim{
		Provider:    domain.Provider(m.Provider),
		EventID:     m.EventID,
		Kind:        domain.EventKind(m.Kind),
		OrderID:     m.OrderID,
		Status:      domain.ClaimStatus(m.Status),
		NeedsReview: m.NeedsReview,
		LastError:   m.LastError,
		Attempts:    m.Attempts,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.Outcome != nil {
		outcome := domain.Outcome(*m.Outcome)
		c.Outcome = &outcome
	}
	return c
}

// =============================================================================
// Задачи побочных эффектов
// =============================================================================

// TaskModel — GORM модель таблицы side_effect_tasks.
type TaskModel struct {
	ID             string    `gorm:"column:id;type:varchar(36);primaryKey"`
	OrderID        string    `gorm:"column:order_id;type:varchar(36);not null;index"`
	Kind           string    `gorm:"column:kind;type:varchar(32);not null"`
	IdempotencyKey string    `gorm:"column:idempotency_key;type:varchar(128);not null;uniqueIndex"`
	Payload        []byte    `gorm:"column:payload;type:json;not null"`
	Status         string    `gorm:"column:status;type:varchar(16);not null;index:idx_tasks_due"`
	Attempts       int       `gorm:"column:attempts;not null;default:0"`
	NextAttemptAt  time.Time `gorm:"column:next_attempt_at;not null;index:idx_tasks_due"`
	LastError      *string   `gorm:"column:last_error;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (TaskModel) TableName() string {
	return "side_effect_tasks"
}

func (m *TaskModel) toDomain() *domain.SideEffectTask {
	return &domain.SideEffectTask{
		ID:             m.ID,
		OrderID:        m.OrderID,
		Kind:           domain.EffectKind(m.Kind),
		IdempotencyKey: m.IdempotencyKey,
		Payload:        json.RawMessage(m.Payload),
		Status:         domain.TaskStatus(m.Status),
		Attempts:       m.Attempts,
		NextAttemptAt:  m.NextAttemptAt,
		LastError:      m.LastError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func taskModelFromDomain(t *domain.SideEffectTask) *TaskModel {
	return &TaskModel{
		ID:             t.ID,
		OrderID:        t.OrderID,
		Kind:           string(t.Kind),
		IdempotencyKey: t.IdempotencyKey,
		Payload:        []byte(t.Payload),
		Status:         string(t.Status),
		Attempts:       t.Attempts,
		NextAttemptAt:  t.NextAttemptAt,
		LastError:      t.LastError,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

// =============================================================================
// Баллы лояльности и уведомления
// =============================================================================

// LoyaltyEntryModel — GORM модель таблицы loyalty_ledger.
type LoyaltyEntryModel struct {
	ID             string    `gorm:"column:id;type:varchar(36);primaryKey"`
	CustomerID     string    `gorm:"column:customer_id;type:varchar(36);not null;index"`
	Delta          int64     `gorm:"column:delta;not null"`
	Reason         string    `gorm:"column:reason;type:varchar(32);not null"`
	OrderID        *string   `gorm:"column:order_id;type:varchar(36);index"`
	IdempotencyKey string    `gorm:"column:idempotency_key;type:varchar(128);not null;uniqueIndex"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (LoyaltyEntryModel) TableName() string {
	return "loyalty_ledger"
}

func (m *LoyaltyEntryModel) toDomain() *domain.LoyaltyEntry {
	return &domain.LoyaltyEntry{
		ID:             m.ID,
		CustomerID:     m.CustomerID,
		Delta:          m.Delta,
		Reason:         m.Reason,
		OrderID:        m.OrderID,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      m.CreatedAt,
	}
}

// NotificationModel — GORM модель таблицы notifications.
type NotificationModel struct {
	ID             string    `gorm:"column:id;type:varchar(36);primaryKey"`
	IdempotencyKey string    `gorm:"column:idempotency_key;type:varchar(128);not null;uniqueIndex"`
	OrderID        *string   `gorm:"column:order_id;type:varchar(36);index"`
	Kind           string    `gorm:"column:kind;type:varchar(32);not null"`
	Title          string    `gorm:"column:title;type:varchar(255);not null"`
	Body           string    `gorm:"column:body;type:text"`
	Read           bool      `gorm:"column:is_read;not null;default:false;index"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime;index"`
}

func (NotificationModel) TableName() string {
	return "notifications"
}

func (m *NotificationModel) toDomain() *domain.Notification {
	return &domain.Notification{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		OrderID:        m.OrderID,
		Kind:           m.Kind,
		Title:          m.Title,
		Body:           m.Body,
		Read:           m.Read,
		CreatedAt:      m.CreatedAt,
	}
}

// Models возвращает все модели для AutoMigrate.
func Models() []any {
	return []any{
		&OrderModel{},
		&OrderItemModel{},
		&ClaimModel{},
		&TaskModel{},
		&LoyaltyEntryModel{},
		&NotificationModel{},
	}
}

// isDuplicateKeyError проверяет, является ли ошибка нарушением уникальности.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "1062")
}
