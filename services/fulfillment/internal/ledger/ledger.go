// Package ledger — журнал идемпотентности платёжных событий.
//
// Каждое событие (provider, event_id) занимается не более одного раза.
// Повторная доставка завершённого события возвращает AlreadyProcessed.
// Запись в статусе failed или зависшая in_progress (старше lease)
// может быть занята повторно ровно одним обработчиком.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/bouquet-shop/pkg/logger"
	"example.com/bouquet-shop/services/fulfillment/internal/domain"
	"example.com/bouquet-shop/services/fulfillment/internal/repository"
)

// DefaultLease — через сколько in_progress запись считается брошенной.
const DefaultLease = 2 * time.Minute

// Ledger — журнал идемпотентности.
type Ledger struct {
	claims repository.ClaimRepository
	lease  time.Duration
	now    func() time.Time
}

// New создаёт журнал. lease <= 0 заменяется на DefaultLease.
func New(claims repository.ClaimRepository, lease time.Duration) *Ledger {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Ledger{claims: claims, lease: lease, now: time.Now}
}

// Claim пытается занять событие.
func (l *Ledger) Claim(ctx context.Context, ev *domain.PaymentEvent) (domain.ClaimResult, error) {
	claim := &domain.Claim{
		Provider: ev.Provider,
		EventID:  ev.EventID,
		Kind:     ev.Kind,
		OrderID:  ev.OrderID,
	}

	inserted, err := l.claims.Insert(ctx, claim)
	if err != nil {
		return 0, fmt.Errorf("ошибка захвата события: %w", err)
	}
	if inserted {
		return domain.Claimed, nil
	}

	// Ключ уже есть: занимаем повторно только failed или брошенную запись
	reclaimed, err := l.claims.Reclaim(ctx, ev.Key(), l.now().Add(-l.lease))
	if err != nil {
		return 0, fmt.Errorf("ошибка повторного захвата события: %w", err)
	}
	if reclaimed {
		log := logger.FromContext(ctx)
		log.Info().
			Str("provider", string(ev.Provider)).
			Str("event_id", ev.EventID).
			Msg("Событие занято повторно после сбоя")
		return domain.Claimed, nil
	}

	return domain.AlreadyProcessed, nil
}

// Complete фиксирует итог обработки.
func (l *Ledger) Complete(ctx context.Context, key domain.EventKey, outcome domain.Outcome, needsReview bool) error {
	return l.claims.Complete(ctx, key, outcome, needsReview)
}

// Fail освобождает событие для повторной доставки.
func (l *Ledger) Fail(ctx context.Context, key domain.EventKey, cause error) error {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	return l.claims.Fail(ctx, key, reason)
}

// Get возвращает запись журнала. nil, nil — события не было.
func (l *Ledger) Get(ctx context.Context, key domain.EventKey) (*domain.Claim, error) {
	claim, err := l.claims.Get(ctx, key)
	if errors.Is(err, repository.ErrClaimNotFound) {
		return nil, nil
	}
	return claim, err
}

// Anomalies возвращает события, требующие разбора персоналом.
func (l *Ledger) Anomalies(ctx context.Context, limit int) ([]*domain.Claim, error) {
	return l.claims.ListNeedsReview(ctx, limit)
}
