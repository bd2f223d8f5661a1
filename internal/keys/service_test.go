package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/CLIProxyCredits/internal/creditsync"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/security"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	"gorm.io/gorm"
)

type recordingSyncer struct {
	mu    sync.Mutex
	calls map[string]int64
}

func (r *recordingSyncer) Sync(_ context.Context, apiKey string, remaining int64, _ *time.Time) creditsync.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[apiKey] = remaining
	return creditsync.Result{Success: true, StatusCode: 200}
}

type keysFixture struct {
	db       *gorm.DB
	syncer   *recordingSyncer
	service  *Service
	now      time.Time
	packages map[string]models.Package
}

func newKeysFixture(t *testing.T) *keysFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:keys_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.Package{}, &models.APIKey{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	f := &keysFixture{
		db:       db,
		syncer:   &recordingSyncer{calls: map[string]int64{}},
		now:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		packages: map[string]models.Package{},
	}
	for _, pkg := range []models.Package{
		{Code: "std-30", Name: "Standard 30d", Type: models.PackageTypeStandard, Credits: 10000, DurationDays: 30, DailyResetCredits: 10000},
		{Code: "exp-7", Name: "Experience", Type: models.PackageTypeExperience, Credits: 500, DurationDays: 7},
		{Code: "fuel-5k", Name: "Fuel 5000", Type: models.PackageTypeFuelPack, Credits: 5000},
		{Code: "odd", Name: "Unknown", Type: "77", Credits: 1},
	} {
		row := pkg
		if errCreate := db.Create(&row).Error; errCreate != nil {
			t.Fatalf("create package: %v", errCreate)
		}
		f.packages[row.Code] = row
	}
	f.service = NewService(db, store.NewGormKeyStore(db), store.NewGormCatalog(db), f.syncer)
	f.service.now = func() time.Time { return f.now }
	return f
}

func (f *keysFixture) provision(t *testing.T, code string) models.APIKey {
	t.Helper()
	rows, errProvision := f.service.Provision(context.Background(), ProvisionRequest{
		PackageID:  f.packages[code].ID,
		RealAPIKey: "sk-upstream",
		Count:      1,
	})
	if errProvision != nil {
		t.Fatalf("Provision(%s): %v", code, errProvision)
	}
	return rows[0]
}

func (f *keysFixture) reload(t *testing.T, apiKey string) models.APIKey {
	t.Helper()
	var row models.APIKey
	if errFind := f.db.Where("api_key = ?", apiKey).Take(&row).Error; errFind != nil {
		t.Fatalf("reload %s: %v", apiKey, errFind)
	}
	return row
}

func TestProvisionSeedsInactiveKeys(t *testing.T) {
	f := newKeysFixture(t)
	rows, errProvision := f.service.Provision(context.Background(), ProvisionRequest{
		PackageID:  f.packages["std-30"].ID,
		RealAPIKey: "sk-upstream",
		Name:       "batch",
		Count:      3,
	})
	if errProvision != nil {
		t.Fatalf("Provision: %v", errProvision)
	}
	if len(rows) != 3 {
		t.Fatalf("provisioned %d keys, want 3", len(rows))
	}
	seen := map[string]bool{}
	for _, row := range rows {
		if !security.LooksLikeVirtualKey(row.APIKey) || seen[row.APIKey] {
			t.Fatalf("unexpected key %q", row.APIKey)
		}
		seen[row.APIKey] = true
		stored := f.reload(t, row.APIKey)
		if stored.Status != models.APIKeyStatusInactive || stored.UserID != nil {
			t.Fatalf("unexpected state %+v", stored)
		}
		if stored.RemainingCredits == nil || *stored.RemainingCredits != 10000 || *stored.TotalCredits != 10000 {
			t.Fatalf("unexpected balance %v/%v", stored.RemainingCredits, stored.TotalCredits)
		}
	}

	for _, req := range []ProvisionRequest{
		{PackageID: f.packages["std-30"].ID, RealAPIKey: "sk", Count: 101},
		{PackageID: f.packages["std-30"].ID, Count: 1},
	} {
		if _, errProvision = f.service.Provision(context.Background(), req); !errors.Is(errProvision, ErrInvalidRequest) {
			t.Fatalf("Provision(%+v) error = %v", req, errProvision)
		}
	}
	if _, errProvision = f.service.Provision(context.Background(), ProvisionRequest{PackageID: f.packages["odd"].ID, RealAPIKey: "sk"}); !errors.Is(errProvision, ErrUnknownPackageType) {
		t.Fatalf("unknown package error = %v", errProvision)
	}
	if _, errProvision = f.service.Provision(context.Background(), ProvisionRequest{PackageID: 999, RealAPIKey: "sk"}); !errors.Is(errProvision, store.ErrPackageNotFound) {
		t.Fatalf("missing package error = %v", errProvision)
	}
}

func TestActivateStartsPlan(t *testing.T) {
	f := newKeysFixture(t)
	std := f.provision(t, "std-30")

	key, errActivate := f.service.Activate(context.Background(), std.APIKey, "user-1")
	if errActivate != nil {
		t.Fatalf("Activate: %v", errActivate)
	}
	if key.Status != models.APIKeyStatusActive || key.UserID == nil || *key.UserID != "user-1" {
		t.Fatalf("unexpected key %+v", key)
	}
	if key.ActivationDate == nil || !key.ActivationDate.Equal(f.now) {
		t.Fatalf("activation date = %v", key.ActivationDate)
	}
	if key.ExpireDate == nil || !key.ExpireDate.Equal(f.now.AddDate(0, 0, 30)) {
		t.Fatalf("expire date = %v", key.ExpireDate)
	}

	if _, errActivate = f.service.Activate(context.Background(), std.APIKey, "user-2"); !errors.Is(errActivate, ErrKeyNotInactive) {
		t.Fatalf("second activation error = %v", errActivate)
	}
	if _, errActivate = f.service.Activate(context.Background(), "vk-missing", "user-1"); !errors.Is(errActivate, store.ErrKeyNotFound) {
		t.Fatalf("missing key error = %v", errActivate)
	}
}

func TestActivateExperienceHasNoExpiry(t *testing.T) {
	f := newKeysFixture(t)
	exp := f.provision(t, "exp-7")

	key, errActivate := f.service.Activate(context.Background(), exp.APIKey, "user-1")
	if errActivate != nil {
		t.Fatalf("Activate: %v", errActivate)
	}
	if key.ExpireDate != nil {
		t.Fatalf("experience key got expire date %v", key.ExpireDate)
	}
}

func TestActivateRejectsFuelPackAndDisabled(t *testing.T) {
	f := newKeysFixture(t)
	fuel := f.provision(t, "fuel-5k")
	if _, errActivate := f.service.Activate(context.Background(), fuel.APIKey, "user-1"); !errors.Is(errActivate, ErrFuelPackActivation) {
		t.Fatalf("fuel activation error = %v", errActivate)
	}

	std := f.provision(t, "std-30")
	f.db.Model(&models.APIKey{}).Where("id = ?", std.ID).Update("active", false)
	if _, errActivate := f.service.Activate(context.Background(), std.APIKey, "user-1"); !errors.Is(errActivate, ErrKeyDisabled) {
		t.Fatalf("disabled activation error = %v", errActivate)
	}
}

func TestRefuelAddsCreditsAndConsumesFuelKey(t *testing.T) {
	f := newKeysFixture(t)
	std := f.provision(t, "std-30")
	if _, errActivate := f.service.Activate(context.Background(), std.APIKey, "user-1"); errActivate != nil {
		t.Fatalf("Activate: %v", errActivate)
	}
	f.db.Model(&models.APIKey{}).Where("id = ?", std.ID).Update("remaining_credits", 120)
	fuel := f.provision(t, "fuel-5k")

	res, errRefuel := f.service.Refuel(context.Background(), fuel.APIKey, std.APIKey, "user-1")
	if errRefuel != nil {
		t.Fatalf("Refuel: %v", errRefuel)
	}
	if res.CreditsAdded != 5000 || res.RemainingCredits != 5120 || res.TotalCredits != 15000 || !res.ExternalSynced {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := f.syncer.calls[std.APIKey]; got != 5120 {
		t.Fatalf("synced balance = %d, want 5120", got)
	}

	spent := f.reload(t, fuel.APIKey)
	if spent.Status != models.APIKeyStatusExpired || *spent.RemainingCredits != 0 || spent.UserID == nil || *spent.UserID != "user-1" {
		t.Fatalf("fuel key not consumed: %+v", spent)
	}
	if _, errRefuel = f.service.Refuel(context.Background(), fuel.APIKey, std.APIKey, "user-1"); !errors.Is(errRefuel, ErrKeyNotInactive) {
		t.Fatalf("second redemption error = %v", errRefuel)
	}
}

func TestRefuelRejectsInvalidTargets(t *testing.T) {
	f := newKeysFixture(t)
	owned := f.provision(t, "std-30")
	if _, errActivate := f.service.Activate(context.Background(), owned.APIKey, "user-1"); errActivate != nil {
		t.Fatalf("Activate: %v", errActivate)
	}
	unactivated := f.provision(t, "std-30")
	fuel := f.provision(t, "fuel-5k")

	cases := []struct {
		name   string
		fuel   string
		target string
		user   string
		want   error
	}{
		{name: "other owner", fuel: fuel.APIKey, target: owned.APIKey, user: "user-2", want: ErrNotOwner},
		{name: "inactive target", fuel: fuel.APIKey, target: unactivated.APIKey, user: "user-1", want: ErrTargetNotActive},
		{name: "not a fuel pack", fuel: unactivated.APIKey, target: owned.APIKey, user: "user-1", want: ErrNotFuelPack},
		{name: "same key", fuel: owned.APIKey, target: owned.APIKey, user: "user-1", want: ErrInvalidRequest},
		{name: "missing target", fuel: fuel.APIKey, target: "vk-missing", user: "user-1", want: store.ErrKeyNotFound},
	}
	for _, tc := range cases {
		if _, errRefuel := f.service.Refuel(context.Background(), tc.fuel, tc.target, tc.user); !errors.Is(errRefuel, tc.want) {
			t.Fatalf("%s: error = %v, want %v", tc.name, errRefuel, tc.want)
		}
	}
	if got := f.reload(t, fuel.APIKey); got.Status != models.APIKeyStatusInactive {
		t.Fatalf("fuel key consumed by a failed refuel")
	}

	f.now = f.now.AddDate(0, 0, 31)
	if _, errRefuel := f.service.Refuel(context.Background(), fuel.APIKey, owned.APIKey, "user-1"); !errors.Is(errRefuel, ErrTargetNotActive) {
		t.Fatalf("expired target error = %v", errRefuel)
	}
}

func TestCorrectOverwritesBalance(t *testing.T) {
	f := newKeysFixture(t)
	std := f.provision(t, "std-30")

	res, errCorrect := f.service.Correct(context.Background(), std.ID, 20000, nil)
	if errCorrect != nil {
		t.Fatalf("Correct: %v", errCorrect)
	}
	if res.OldCredits == nil || *res.OldCredits != 10000 || res.RemainingCredits != 20000 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.TotalCredits == nil || *res.TotalCredits != 20000 {
		t.Fatalf("total not raised: %v", res.TotalCredits)
	}
	stored := f.reload(t, std.APIKey)
	if *stored.RemainingCredits != 20000 || *stored.TotalCredits != 20000 || stored.LastResetCreditsAt != nil {
		t.Fatalf("unexpected stored balance %+v", stored)
	}
	if f.syncer.calls[std.APIKey] != 20000 {
		t.Fatalf("correction not synced")
	}

	total := int64(5)
	if _, errCorrect = f.service.Correct(context.Background(), std.ID, 10, &total); !errors.Is(errCorrect, ErrInvalidRequest) {
		t.Fatalf("remaining above total error = %v", errCorrect)
	}
	if _, errCorrect = f.service.Correct(context.Background(), std.ID, -1, nil); !errors.Is(errCorrect, ErrInvalidRequest) {
		t.Fatalf("negative balance error = %v", errCorrect)
	}
	if _, errCorrect = f.service.Correct(context.Background(), 999, 1, nil); !errors.Is(errCorrect, store.ErrKeyNotFound) {
		t.Fatalf("missing key error = %v", errCorrect)
	}
}
