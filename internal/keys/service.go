// Package keys manages the lifecycle of virtual keys: provisioning, activation by an owner,
// fuel-pack top-ups and operator balance corrections.
package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyCredits/internal/credit"
	"github.com/router-for-me/CLIProxyCredits/internal/creditsync"
	dbutil "github.com/router-for-me/CLIProxyCredits/internal/db"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/security"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	"github.com/router-for-me/CLIProxyCredits/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const maxProvisionCount = 100

var (
	ErrInvalidRequest     = errors.New("keys: invalid request")
	ErrKeyNotInactive     = errors.New("keys: key is already activated")
	ErrKeyDisabled        = errors.New("keys: key is disabled")
	ErrFuelPackActivation = errors.New("keys: fuel pack keys are redeemed with refuel")
	ErrNotFuelPack        = errors.New("keys: key is not a fuel pack")
	ErrTargetNotActive    = errors.New("keys: target key is not active")
	ErrNotOwner           = errors.New("keys: target key belongs to another user")
	ErrUntrackedBalance   = errors.New("keys: target key has no tracked balance")
	ErrUnknownPackageType = errors.New("keys: package type is not recognised")
)

// Service implements the key lifecycle operations.
type Service struct {
	db      *gorm.DB
	keys    store.KeyStore
	catalog store.SubscriptionCatalog
	syncer  creditsync.Syncer
	now     func() time.Time
}

// NewService constructs a Service.
func NewService(db *gorm.DB, keys store.KeyStore, catalog store.SubscriptionCatalog, syncer creditsync.Syncer) *Service {
	if db == nil || keys == nil || catalog == nil || syncer == nil {
		return nil
	}
	return &Service{db: db, keys: keys, catalog: catalog, syncer: syncer, now: time.Now}
}

// ProvisionRequest describes a batch of keys to issue for one package.
type ProvisionRequest struct {
	PackageID  uint64 `json:"package_id"`
	RealAPIKey string `json:"real_api_key"`
	Name       string `json:"name"`
	Notes      string `json:"notes"`
	Count      int    `json:"count"`
}

// Provision issues Count inactive keys linked to the package, seeded with its credits.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) ([]models.APIKey, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	count := req.Count
	if count == 0 {
		count = 1
	}
	if count < 0 || count > maxProvisionCount {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, maxProvisionCount)
	}
	pkg, errPkg := s.catalog.FindPackage(ctx, req.PackageID)
	if errPkg != nil {
		return nil, errPkg
	}
	class := credit.ClassifyPackageType(pkg.Type)
	if class == credit.ClassUnknown {
		return nil, ErrUnknownPackageType
	}
	realKey := strings.TrimSpace(req.RealAPIKey)
	if realKey == "" && class != credit.ClassFuelPack {
		return nil, fmt.Errorf("%w: real_api_key is required", ErrInvalidRequest)
	}

	seed := pkg.Credits
	if seed <= 0 {
		seed = pkg.DailyResetCredits
	}
	rows := make([]models.APIKey, 0, count)
	for i := 0; i < count; i++ {
		token, errGen := security.GenerateAPIKey()
		if errGen != nil {
			return nil, errGen
		}
		remaining, total := seed, seed
		rows = append(rows, models.APIKey{
			Name:             strings.TrimSpace(req.Name),
			APIKey:           token,
			RealAPIKey:       realKey,
			Notes:            req.Notes,
			PackageID:        &pkg.ID,
			Status:           models.APIKeyStatusInactive,
			Active:           true,
			RemainingCredits: &remaining,
			TotalCredits:     &total,
		})
	}
	if errCreate := s.db.WithContext(ctx).Create(&rows).Error; errCreate != nil {
		return nil, errCreate
	}
	log.WithFields(log.Fields{"package": pkg.Code, "count": count}).Info("keys: provisioned")
	return rows, nil
}

// Activate binds an inactive key to userID and starts its plan.
func (s *Service) Activate(ctx context.Context, apiKey, userID string) (*models.APIKey, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	apiKey = strings.TrimSpace(apiKey)
	userID = strings.TrimSpace(userID)
	if apiKey == "" || userID == "" {
		return nil, ErrInvalidRequest
	}
	now := s.now().UTC()

	var keyID uint64
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key, errLoad := loadForUpdate(ctx, tx, apiKey)
		if errLoad != nil {
			return errLoad
		}
		if !key.Active || key.RevokedAt != nil {
			return ErrKeyDisabled
		}
		if key.Status != models.APIKeyStatusInactive {
			return ErrKeyNotInactive
		}
		if key.Package == nil {
			return store.ErrPackageNotFound
		}
		class := credit.ClassifyPackageType(key.Package.Type)
		switch {
		case class == credit.ClassFuelPack:
			return ErrFuelPackActivation
		case !class.Validatable():
			return ErrUnknownPackageType
		}

		updates := map[string]any{
			"user_id":         userID,
			"status":          models.APIKeyStatusActive,
			"activation_date": now,
			"updated_at":      now,
		}
		if class.HasExpiry() && key.Package.DurationDays > 0 {
			updates["expire_date"] = now.AddDate(0, 0, key.Package.DurationDays)
		}
		if key.RemainingCredits == nil {
			updates["remaining_credits"] = key.Package.Credits
			updates["total_credits"] = key.Package.Credits
		}
		keyID = key.ID
		return tx.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", key.ID).Updates(updates).Error
	})
	if errTx != nil {
		return nil, errTx
	}
	log.WithFields(log.Fields{"key_id": keyID, "user_id": userID}).Info("keys: activated")
	return s.keys.FindByID(ctx, keyID)
}

// RefuelResult reports a fuel pack redemption.
type RefuelResult struct {
	TargetKeyID      uint64 `json:"target_key_id"`
	CreditsAdded     int64  `json:"credits_added"`
	RemainingCredits int64  `json:"remaining_credits"`
	TotalCredits     int64  `json:"total_credits"`
	ExternalSynced   bool   `json:"external_synced"`
}

// Refuel redeems an unused fuel pack key into targetKey, which must be an active key owned by
// userID. The fuel key is consumed.
func (s *Service) Refuel(ctx context.Context, fuelKey, targetKey, userID string) (RefuelResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	fuelKey = strings.TrimSpace(fuelKey)
	targetKey = strings.TrimSpace(targetKey)
	userID = strings.TrimSpace(userID)
	if fuelKey == "" || targetKey == "" || userID == "" || fuelKey == targetKey {
		return RefuelResult{}, ErrInvalidRequest
	}
	now := s.now().UTC()

	var (
		result      RefuelResult
		syncKey     string
		lastResetAt *time.Time
	)
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fuel, errFuel := loadForUpdate(ctx, tx, fuelKey)
		if errFuel != nil {
			return errFuel
		}
		if fuel.Package == nil || credit.ClassifyPackageType(fuel.Package.Type) != credit.ClassFuelPack {
			return ErrNotFuelPack
		}
		if !fuel.Active || fuel.RevokedAt != nil {
			return ErrKeyDisabled
		}
		if fuel.Status != models.APIKeyStatusInactive {
			return ErrKeyNotInactive
		}
		added := fuel.Package.Credits
		if fuel.RemainingCredits != nil {
			added = *fuel.RemainingCredits
		}
		if added < 0 {
			added = 0
		}

		target, errTarget := loadForUpdate(ctx, tx, targetKey)
		if errTarget != nil {
			return errTarget
		}
		if !target.IsUsable() || target.Status != models.APIKeyStatusActive {
			return ErrTargetNotActive
		}
		if target.ExpireDate != nil && !target.ExpireDate.After(now) {
			return ErrTargetNotActive
		}
		if target.UserID == nil || *target.UserID != userID {
			return ErrNotOwner
		}
		if target.Package == nil || !credit.ClassifyPackageType(target.Package.Type).Validatable() {
			return ErrTargetNotActive
		}
		if target.RemainingCredits == nil {
			return ErrUntrackedBalance
		}

		remaining := *target.RemainingCredits + added
		total := remaining
		if target.TotalCredits != nil {
			total = *target.TotalCredits + added
		}
		if total < remaining {
			total = remaining
		}
		if errUpdate := tx.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", target.ID).Updates(map[string]any{
			"remaining_credits": remaining,
			"total_credits":     total,
			"updated_at":        now,
		}).Error; errUpdate != nil {
			return errUpdate
		}
		if errUpdate := tx.WithContext(ctx).Model(&models.APIKey{}).Where("id = ?", fuel.ID).Updates(map[string]any{
			"user_id":           userID,
			"status":            models.APIKeyStatusExpired,
			"activation_date":   now,
			"remaining_credits": 0,
			"updated_at":        now,
		}).Error; errUpdate != nil {
			return errUpdate
		}

		result = RefuelResult{
			TargetKeyID:      target.ID,
			CreditsAdded:     added,
			RemainingCredits: remaining,
			TotalCredits:     total,
		}
		syncKey = target.APIKey
		lastResetAt = target.LastResetCreditsAt
		return nil
	})
	if errTx != nil {
		return RefuelResult{}, errTx
	}

	res := s.syncer.Sync(ctx, syncKey, result.RemainingCredits, lastResetAt)
	result.ExternalSynced = res.Success
	log.WithFields(log.Fields{
		"target":  util.HideAPIKey(syncKey),
		"added":   result.CreditsAdded,
		"synced":  res.Success,
		"user_id": userID,
	}).Info("keys: fuel pack redeemed")
	return result, nil
}

// CorrectionResult reports an operator balance correction.
type CorrectionResult struct {
	KeyID            uint64 `json:"key_id"`
	OldCredits       *int64 `json:"old_credits"`
	RemainingCredits int64  `json:"remaining_credits"`
	TotalCredits     *int64 `json:"total_credits"`
	ExternalSynced   bool   `json:"external_synced"`
	ExternalMessage  string `json:"external_message"`
}

// Correct overwrites a key's balance, and optionally its total, then syncs the new balance.
func (s *Service) Correct(ctx context.Context, keyID uint64, remaining int64, total *int64) (CorrectionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if remaining < 0 || (total != nil && *total < remaining) {
		return CorrectionResult{}, fmt.Errorf("%w: remaining must be >= 0 and <= total", ErrInvalidRequest)
	}
	key, errFind := s.keys.FindByID(ctx, keyID)
	if errFind != nil {
		return CorrectionResult{}, errFind
	}
	if total == nil && key.TotalCredits != nil && *key.TotalCredits < remaining {
		raised := remaining
		total = &raised
	}
	if _, errUpdate := s.keys.UpdateBalance(ctx, keyID, store.BalanceUpdate{
		RemainingCredits: remaining,
		TotalCredits:     total,
	}); errUpdate != nil {
		return CorrectionResult{}, errUpdate
	}

	res := s.syncer.Sync(ctx, key.APIKey, remaining, key.LastResetCreditsAt)
	if total == nil {
		total = key.TotalCredits
	}
	log.WithFields(log.Fields{
		"key_id":    keyID,
		"remaining": remaining,
		"synced":    res.Success,
	}).Info("keys: balance corrected")
	return CorrectionResult{
		KeyID:            keyID,
		OldCredits:       key.RemainingCredits,
		RemainingCredits: remaining,
		TotalCredits:     total,
		ExternalSynced:   res.Success,
		ExternalMessage:  res.Message,
	}, nil
}

func loadForUpdate(ctx context.Context, tx *gorm.DB, apiKey string) (*models.APIKey, error) {
	var key models.APIKey
	errFind := dbutil.ForUpdate(tx.WithContext(ctx)).
		Where("api_key = ?", apiKey).
		Take(&key).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, store.ErrKeyNotFound
		}
		return nil, errFind
	}
	if key.PackageID != nil {
		var pkg models.Package
		errPkg := tx.WithContext(ctx).Where("id = ?", *key.PackageID).Take(&pkg).Error
		switch {
		case errPkg == nil:
			key.Package = &pkg
		case !errors.Is(errPkg, gorm.ErrRecordNotFound):
			return nil, errPkg
		}
	}
	return &key, nil
}
