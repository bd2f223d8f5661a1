package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"gorm.io/gorm"
)

// GormKeyStore implements KeyStore on top of GORM.
type GormKeyStore struct {
	db *gorm.DB
}

// NewGormKeyStore constructs a GormKeyStore.
func NewGormKeyStore(db *gorm.DB) *GormKeyStore {
	return &GormKeyStore{db: db}
}

// FindByKey loads a key and its package by the virtual key string.
func (s *GormKeyStore) FindByKey(ctx context.Context, apiKey string) (*models.APIKey, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrKeyNotFound
	}
	var row models.APIKey
	errFind := s.db.WithContext(ctx).
		Preload("Package").
		Where("api_key = ?", apiKey).
		Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, errFind
	}
	return &row, nil
}

// FindByID loads a key and its package by primary key.
func (s *GormKeyStore) FindByID(ctx context.Context, id uint64) (*models.APIKey, error) {
	var row models.APIKey
	errFind := s.db.WithContext(ctx).
		Preload("Package").
		Where("id = ?", id).
		Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, errFind
	}
	return &row, nil
}

// ListByOwner returns the keys bound to userID with their packages, oldest first.
func (s *GormKeyStore) ListByOwner(ctx context.Context, userID string) ([]models.APIKey, error) {
	rows := []models.APIKey{}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return rows, nil
	}
	errFind := s.db.WithContext(ctx).
		Preload("Package").
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// FindEligibleForReset returns active, enabled keys whose package participates in the daily
// reset and which were not reset since filter.DayStart.
func (s *GormKeyStore) FindEligibleForReset(ctx context.Context, filter EligibilityFilter) ([]models.APIKey, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	dayStart := filter.DayStart.UTC()

	q := s.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Joins("JOIN packages ON packages.id = api_keys.package_id").
		Where("api_keys.status = ? AND api_keys.active = ? AND api_keys.revoked_at IS NULL", models.APIKeyStatusActive, true).
		Where("packages.daily_reset_credits > 0").
		Where("(api_keys.last_reset_credits_at IS NULL OR api_keys.last_reset_credits_at < ?)", dayStart).
		Where("api_keys.id > ?", filter.AfterID)
	if len(filter.Types) > 0 {
		q = q.Where("packages.type IN ?", filter.Types)
	}

	var rows []models.APIKey
	if errFind := q.Select("api_keys.*").
		Preload("Package").
		Order("api_keys.id ASC").
		Limit(limit).
		Find(&rows).Error; errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// UpdateBalance writes a new balance and optionally the reset timestamp.
func (s *GormKeyStore) UpdateBalance(ctx context.Context, id uint64, update BalanceUpdate) (bool, error) {
	updates := map[string]any{
		"remaining_credits": update.RemainingCredits,
		"updated_at":        time.Now().UTC(),
	}
	if update.TotalCredits != nil {
		updates["total_credits"] = *update.TotalCredits
	}
	if update.ResetAt != nil {
		updates["last_reset_credits_at"] = update.ResetAt.UTC()
	}

	q := s.db.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", id)
	if update.NotResetSince != nil {
		q = q.Where("(last_reset_credits_at IS NULL OR last_reset_credits_at < ?)", update.NotResetSince.UTC())
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if update.NotResetSince != nil {
			if _, errFind := s.FindByID(ctx, id); errFind != nil {
				return false, errFind
			}
			return false, nil
		}
		return false, ErrKeyNotFound
	}
	return true, nil
}

// TouchLastUsed records a successful validation.
func (s *GormKeyStore) TouchLastUsed(ctx context.Context, id uint64, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", at.UTC()).Error
}

// MarkExpired moves an active key whose plan ended into the expired state.
func (s *GormKeyStore) MarkExpired(ctx context.Context, id uint64) error {
	return s.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id = ? AND status = ?", id, models.APIKeyStatusActive).
		Updates(map[string]any{
			"status":     models.APIKeyStatusExpired,
			"updated_at": time.Now().UTC(),
		}).Error
}
