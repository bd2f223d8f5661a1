package validation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	"gorm.io/gorm"
)

func openValidationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:validation_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.Package{}, &models.APIKey{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return db
}

func int64Ptr(v int64) *int64 { return &v }

func strPtr(v string) *string { return &v }

type validationFixture struct {
	db        *gorm.DB
	validator *Validator
	now       time.Time
	packages  map[string]models.Package
}

func newValidationFixture(t *testing.T) *validationFixture {
	t.Helper()
	db := openValidationTestDB(t)
	f := &validationFixture{
		db:       db,
		now:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		packages: map[string]models.Package{},
	}
	for _, typ := range []string{models.PackageTypeStandard, models.PackageTypeMaxSeries, models.PackageTypeExperience, models.PackageTypeTemporary, models.PackageTypeFuelPack, "77"} {
		pkg := models.Package{Code: "pkg-" + typ, Name: typ, Type: typ, IsActive: true}
		if errCreate := db.Create(&pkg).Error; errCreate != nil {
			t.Fatalf("create package: %v", errCreate)
		}
		f.packages[typ] = pkg
	}
	f.validator = NewValidator(store.NewGormKeyStore(db))
	f.validator.now = func() time.Time { return f.now }
	return f
}

func (f *validationFixture) key(t *testing.T, apiKey, typ string, mutate func(*models.APIKey)) models.APIKey {
	t.Helper()
	row := models.APIKey{
		APIKey:     apiKey,
		RealAPIKey: "sk-upstream-" + apiKey,
		UserID:     strPtr("user-1"),
		Status:     models.APIKeyStatusActive,
		Active:     true,
	}
	if typ != "" {
		pkg := f.packages[typ]
		row.PackageID = &pkg.ID
	}
	if mutate != nil {
		mutate(&row)
	}
	if errCreate := f.db.Create(&row).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	return row
}

func TestValidateStandardKeySucceedsAndTouchesLastUsed(t *testing.T) {
	f := newValidationFixture(t)
	expire := f.now.AddDate(0, 0, 20)
	row := f.key(t, "vk-std", models.PackageTypeStandard, func(k *models.APIKey) {
		k.RemainingCredits = int64Ptr(500)
		k.TotalCredits = int64Ptr(10000)
		k.ExpireDate = &expire
	})

	verdict := f.validator.Validate(context.Background(), "vk-std")
	f.validator.Wait()

	if !verdict.Valid {
		t.Fatalf("expected valid verdict, got %s", verdict.ErrorType)
	}
	if verdict.RealAPIKey != "sk-upstream-vk-std" || verdict.PackageType != models.PackageTypeStandard {
		t.Fatalf("unexpected verdict payload: %+v", verdict)
	}
	if verdict.RemainingCredits == nil || *verdict.RemainingCredits != 500 {
		t.Fatalf("unexpected remaining credits %v", verdict.RemainingCredits)
	}

	var reloaded models.APIKey
	if errFind := f.db.First(&reloaded, row.ID).Error; errFind != nil {
		t.Fatalf("reload: %v", errFind)
	}
	if reloaded.LastUsedAt == nil || !reloaded.LastUsedAt.Equal(f.now) {
		t.Fatalf("expected last_used_at %s, got %v", f.now, reloaded.LastUsedAt)
	}
}

func TestValidateRejections(t *testing.T) {
	f := newValidationFixture(t)
	past := f.now.AddDate(0, 0, -1)
	future := f.now.AddDate(0, 0, 1)

	f.key(t, "vk-exhausted", models.PackageTypeStandard, func(k *models.APIKey) { k.RemainingCredits = int64Ptr(0) })
	f.key(t, "vk-expired", models.PackageTypeMaxSeries, func(k *models.APIKey) {
		k.RemainingCredits = int64Ptr(100)
		k.ExpireDate = &past
	})
	f.key(t, "vk-fuel", models.PackageTypeFuelPack, func(k *models.APIKey) { k.RemainingCredits = int64Ptr(5000) })
	f.key(t, "vk-fuel-redeemed", models.PackageTypeFuelPack, func(k *models.APIKey) {
		k.Status = models.APIKeyStatusExpired
		k.RemainingCredits = int64Ptr(0)
		k.ExpireDate = &past
	})
	f.key(t, "vk-unknown", "77", func(k *models.APIKey) { k.RemainingCredits = int64Ptr(5000) })
	f.key(t, "vk-inactive", models.PackageTypeStandard, func(k *models.APIKey) { k.Status = models.APIKeyStatusInactive })
	f.key(t, "vk-exp-nil", models.PackageTypeExperience, nil)
	f.key(t, "vk-default-expired", "", func(k *models.APIKey) { k.ExpireDate = &past })
	f.key(t, "vk-default-empty", "", func(k *models.APIKey) {
		k.ExpireDate = &future
		k.RemainingCredits = int64Ptr(0)
	})
	revokedAt := past
	f.key(t, "vk-revoked", models.PackageTypeStandard, func(k *models.APIKey) {
		k.RemainingCredits = int64Ptr(100)
		k.RevokedAt = &revokedAt
	})

	cases := map[string]ErrorType{
		"vk-exhausted":       ErrorTypeCreditsExhausted,
		"vk-expired":         ErrorTypePlanExpired,
		"vk-fuel":            ErrorTypeInvalidKey,
		"vk-fuel-redeemed":   ErrorTypeInvalidKey,
		"vk-unknown":         ErrorTypeInvalidKey,
		"vk-inactive":        ErrorTypeInvalidKey,
		"vk-missing":         ErrorTypeInvalidKey,
		"vk-exp-nil":         ErrorTypeCreditsExhausted,
		"vk-default-expired": ErrorTypePlanExpired,
		"vk-default-empty":   ErrorTypeCreditsExhausted,
		"vk-revoked":         ErrorTypeInvalidKey,
		"":                   ErrorTypeInvalidKey,
	}
	for apiKey, want := range cases {
		verdict := f.validator.Validate(context.Background(), apiKey)
		f.validator.Wait()
		if verdict.Valid {
			t.Fatalf("%q: expected rejection", apiKey)
		}
		if verdict.ErrorType != want {
			t.Fatalf("%q: got %s, want %s", apiKey, verdict.ErrorType, want)
		}
		if verdict.HTTPStatus() != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", apiKey, verdict.HTTPStatus())
		}
	}
}

func TestValidateExperienceIgnoresExpiry(t *testing.T) {
	f := newValidationFixture(t)
	past := f.now.AddDate(0, 0, -30)
	f.key(t, "vk-exp", models.PackageTypeExperience, func(k *models.APIKey) {
		k.RemainingCredits = int64Ptr(50)
		k.ExpireDate = &past
	})
	f.key(t, "vk-tmp", models.PackageTypeTemporary, func(k *models.APIKey) {
		k.RemainingCredits = int64Ptr(1)
		k.ExpireDate = &past
	})

	for _, apiKey := range []string{"vk-exp", "vk-tmp"} {
		verdict := f.validator.Validate(context.Background(), apiKey)
		f.validator.Wait()
		if !verdict.Valid {
			t.Fatalf("%s: expected valid, got %s", apiKey, verdict.ErrorType)
		}
	}
}

func TestValidateMarksExpiredKeysLazily(t *testing.T) {
	f := newValidationFixture(t)
	past := f.now.AddDate(0, 0, -1)
	row := f.key(t, "vk-lapsed", models.PackageTypeStandard, func(k *models.APIKey) {
		k.RemainingCredits = int64Ptr(100)
		k.ExpireDate = &past
	})

	first := f.validator.Validate(context.Background(), "vk-lapsed")
	f.validator.Wait()
	if first.ErrorType != ErrorTypePlanExpired {
		t.Fatalf("expected plan expired, got %s", first.ErrorType)
	}

	var reloaded models.APIKey
	if errFind := f.db.First(&reloaded, row.ID).Error; errFind != nil {
		t.Fatalf("reload: %v", errFind)
	}
	if reloaded.Status != models.APIKeyStatusExpired {
		t.Fatalf("expected expired status, got %s", reloaded.Status)
	}

	second := f.validator.Validate(context.Background(), "vk-lapsed")
	if second.ErrorType != ErrorTypePlanExpired || second.ExpireDate == nil {
		t.Fatalf("expected plan expired with expire date, got %+v", second)
	}
}

type failingKeyStore struct {
	store.KeyStore
	err error
}

func (s failingKeyStore) FindByKey(context.Context, string) (*models.APIKey, error) {
	return nil, s.err
}

func TestValidateLookupFailureIsInternal(t *testing.T) {
	v := NewValidator(failingKeyStore{err: errors.New("connection reset")})

	verdict := v.Validate(context.Background(), "vk-any")

	if verdict.Valid || verdict.ErrorType != ErrorTypeInternal {
		t.Fatalf("expected internal error, got %+v", verdict)
	}
	if verdict.HTTPStatus() != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", verdict.HTTPStatus())
	}
	if verdict.ErrorType.Code() != CodeInternal {
		t.Fatalf("expected code %d, got %d", CodeInternal, verdict.ErrorType.Code())
	}
}

type slowTouchStore struct {
	store.KeyStore
	key     *models.APIKey
	release chan struct{}
	mu      sync.Mutex
	touched bool
}

func (s *slowTouchStore) FindByKey(context.Context, string) (*models.APIKey, error) {
	return s.key, nil
}

func (s *slowTouchStore) TouchLastUsed(context.Context, uint64, time.Time) error {
	<-s.release
	s.mu.Lock()
	s.touched = true
	s.mu.Unlock()
	return errors.New("touch failed")
}

func TestValidateDoesNotWaitForTouch(t *testing.T) {
	s := &slowTouchStore{
		key:     &models.APIKey{ID: 1, APIKey: "vk", RealAPIKey: "sk", Status: models.APIKeyStatusActive, Active: true},
		release: make(chan struct{}),
	}
	v := NewValidator(s)

	verdict := v.Validate(context.Background(), "vk")
	if !verdict.Valid {
		t.Fatalf("expected valid verdict, got %s", verdict.ErrorType)
	}

	close(s.release)
	v.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.touched {
		t.Fatalf("expected background touch to run")
	}
}
