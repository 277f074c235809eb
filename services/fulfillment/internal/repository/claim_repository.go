package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"example.com/bouquet-shop/services/fulfillment/internal/domain"
)

// ErrClaimNotFound — записи с таким ключом нет.
var ErrClaimNotFound = errors.New("запись журнала событий не найдена")

// ClaimRepository — журнал идемпотентности платёжных событий.
type ClaimRepository interface {
	// Insert добавляет запись in_progress. false — ключ уже существует.
	Insert(ctx context.Context, claim *domain.Claim) (bool, error)

	// Get возвращает запись по ключу.
	Get(ctx context.Context, key domain.EventKey) (*domain.Claim, error)

	// Reclaim атомарно переводит failed или устаревшую in_progress запись
	// обратно в in_progress. Из нескольких конкурентов true получает один.
	Reclaim(ctx context.Context, key domain.EventKey, staleBefore time.Time) (bool, error)

	// Complete фиксирует итог обработки.
	Complete(ctx context.Context, key domain.EventKey, outcome domain.Outcome, needsReview bool) error

	// Fail помечает запись failed, чтобы повторная доставка могла её занять.
	Fail(ctx context.Context, key domain.EventKey, reason string) error

	// ListNeedsReview возвращает аномалии для разбора персоналом.
	ListNeedsReview(ctx context.Context, limit int) ([]*domain.Claim, error)
}

type claimRepository struct {
	db *gorm.DB
}

// NewClaimRepository создаёт журнал событий.
func NewClaimRepository(db *gorm.DB) ClaimRepository {
	return &claimRepository{db: db}
}

func (r *claimRepository) Insert(ctx context.Context, claim *domain.Claim) (bool, error) {
	model := &ClaimModel{
		Provider: string(claim.Provider),
		EventID:  claim.EventID,
		Kind:     string(claim.Kind),
		OrderID:  claim.OrderID,
		Status:   string(domain.ClaimInProgress),
		Attempts: 1,
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка записи в журнал событий: %w", err)
	}

	claim.Status = domain.ClaimInProgress
	claim.Attempts = 1
	claim.CreatedAt = model.CreatedAt
	claim.UpdatedAt = model.UpdatedAt
	return true, nil
}

func (r *claimRepository) Get(ctx context.Context, key domain.EventKey) (*domain.Claim, error) {
	var model ClaimModel
	err := r.db.WithContext(ctx).
		Where("provider = ? AND event_id = ?", string(key.Provider), key.EventID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClaimNotFound
		}
		return nil, fmt.Errorf("ошибка чтения журнала событий: %w", err)
	}
	return model.toDomain(), nil
}

func (r *claimRepository) Reclaim(ctx context.Context, key domain.EventKey, staleBefore time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&ClaimModel{}).
		Where("provider = ? AND event_id = ?", string(key.Provider), key.EventID).
		Where("status = ? OR (status = ? AND updated_at < ?)",
			string(domain.ClaimFailed), string(domain.ClaimInProgress), staleBefore).
		Updates(map[string]any{
			"status":     string(domain.ClaimInProgress),
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("ошибка повторного захвата события: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *claimRepository) Complete(ctx context.Context, key domain.EventKey, outcome domain.Outcome, needsReview bool) error {
	return completeClaim(r.db.WithContext(ctx), key, outcome, needsReview)
}

// completeClaim используется и внутри транзакции перехода.
func completeClaim(db *gorm.DB, key domain.EventKey, outcome domain.Outcome, needsReview bool) error {
	result := db.Model(&ClaimModel{}).
		Where("provider = ? AND event_id = ? AND status = ?",
			string(key.Provider), key.EventID, string(domain.ClaimInProgress)).
		Updates(map[string]any{
			"status":       string(domain.ClaimCompleted),
			"outcome":      string(outcome),
			"needs_review": needsReview,
			"last_error":   nil,
			"updated_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("ошибка завершения записи журнала: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s не в статусе in_progress", ErrClaimNotFound, key)
	}
	return nil
}

func (r *claimRepository) Fail(ctx context.Context, key domain.EventKey, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&ClaimModel{}).
		Where("provider = ? AND event_id = ? AND status = ?",
			string(key.Provider), key.EventID, string(domain.ClaimInProgress)).
		Updates(map[string]any{
			"status":     string(domain.ClaimFailed),
			"last_error": reason,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("ошибка пометки события как failed: %w", result.Error)
	}
	return nil
}

func (r *claimRepository) ListNeedsReview(ctx context.Context, limit int) ([]*domain.Claim, error) {
	var models []ClaimModel
	err := r.db.WithContext(ctx).
		Where("needs_review = ?", true).
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("ошибка получения аномалий: %w", err)
	}

	claims := make([]*domain.Claim, 0, len(models))
	for i := range models {
		claims = append(claims, models[i].toDomain())
	}
	return claims, nil
}
