package usage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	"gorm.io/gorm"
)

func openUsageTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:usage_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.Package{}, &models.APIKey{}, &models.UsageRecord{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return db
}

func int64Ptr(v int64) *int64 { return &v }

func createKey(t *testing.T, db *gorm.DB, apiKey string, remaining *int64) models.APIKey {
	t.Helper()
	row := models.APIKey{
		APIKey:           apiKey,
		RealAPIKey:       "sk-" + apiKey,
		Status:           models.APIKeyStatusActive,
		Active:           true,
		RemainingCredits: remaining,
	}
	if errCreate := db.Create(&row).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	return row
}

func TestChargeUsageDeductsCredits(t *testing.T) {
	db := openUsageTestDB(t)
	key := createKey(t, db, "vk-1", int64Ptr(10))
	recorder := NewRecorder(db)

	cases := []struct {
		tokens        int64
		wantCharge    int64
		wantRemaining int64
	}{
		{tokens: 0, wantCharge: 0, wantRemaining: 10},
		{tokens: 1, wantCharge: 1, wantRemaining: 9},
		{tokens: 2000, wantCharge: 1, wantRemaining: 8},
		{tokens: 2001, wantCharge: 2, wantRemaining: 6},
		{tokens: 9000, wantCharge: 5, wantRemaining: 1},
		{tokens: 4000, wantCharge: 2, wantRemaining: 0},
	}
	for _, tc := range cases {
		res, errCharge := recorder.ChargeUsage(context.Background(), Report{APIKey: "vk-1", Service: "gpt-4o", TotalTokens: tc.tokens})
		if errCharge != nil {
			t.Fatalf("ChargeUsage(%d): %v", tc.tokens, errCharge)
		}
		if res.CreditsCharged != tc.wantCharge {
			t.Fatalf("ChargeUsage(%d) charged %d, want %d", tc.tokens, res.CreditsCharged, tc.wantCharge)
		}
		if res.RemainingCredits == nil || *res.RemainingCredits != tc.wantRemaining {
			t.Fatalf("ChargeUsage(%d) remaining %v, want %d", tc.tokens, res.RemainingCredits, tc.wantRemaining)
		}
	}

	var stored models.APIKey
	if errFind := db.Where("id = ?", key.ID).Take(&stored).Error; errFind != nil {
		t.Fatalf("reload key: %v", errFind)
	}
	if stored.RemainingCredits == nil || *stored.RemainingCredits != 0 {
		t.Fatalf("stored remaining = %v, want 0", stored.RemainingCredits)
	}
	if stored.LastUsedAt == nil {
		t.Fatalf("last_used_at not set")
	}
	var records int64
	db.Model(&models.UsageRecord{}).Where("api_key_id = ?", key.ID).Count(&records)
	if records != int64(len(cases)) {
		t.Fatalf("usage records = %d, want %d", records, len(cases))
	}
}

func TestChargeUsageSumsTokensWhenTotalMissing(t *testing.T) {
	db := openUsageTestDB(t)
	createKey(t, db, "vk-1", int64Ptr(100))
	recorder := NewRecorder(db)

	res, errCharge := recorder.ChargeUsage(context.Background(), Report{APIKey: "vk-1", InputTokens: 3000, OutputTokens: 1500})
	if errCharge != nil {
		t.Fatalf("ChargeUsage: %v", errCharge)
	}
	if res.TotalTokens != 4500 || res.CreditsCharged != 3 || *res.RemainingCredits != 97 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestChargeUsageUntrackedBalance(t *testing.T) {
	db := openUsageTestDB(t)
	key := createKey(t, db, "vk-unmetered", nil)
	recorder := NewRecorder(db)

	res, errCharge := recorder.ChargeUsage(context.Background(), Report{APIKey: "vk-unmetered", TotalTokens: 5000})
	if errCharge != nil {
		t.Fatalf("ChargeUsage: %v", errCharge)
	}
	if res.CreditsCharged != 3 || res.RemainingCredits != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	var stored models.APIKey
	db.Where("id = ?", key.ID).Take(&stored)
	if stored.RemainingCredits != nil {
		t.Fatalf("balance materialised as %d", *stored.RemainingCredits)
	}
}

func TestChargeUsageUnknownKey(t *testing.T) {
	db := openUsageTestDB(t)
	recorder := NewRecorder(db)

	for _, apiKey := range []string{"", "vk-missing"} {
		_, errCharge := recorder.ChargeUsage(context.Background(), Report{APIKey: apiKey, TotalTokens: 10})
		if !errors.Is(errCharge, store.ErrKeyNotFound) {
			t.Fatalf("ChargeUsage(%q) error = %v, want ErrKeyNotFound", apiKey, errCharge)
		}
	}
	var records int64
	db.Model(&models.UsageRecord{}).Count(&records)
	if records != 0 {
		t.Fatalf("unexpected usage records: %d", records)
	}
}

func TestHistoryPagesNewestFirst(t *testing.T) {
	db := openUsageTestDB(t)
	key := createKey(t, db, "vk-1", int64Ptr(1000))
	other := createKey(t, db, "vk-2", int64Ptr(1000))
	recorder := NewRecorder(db)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if _, errCharge := recorder.ChargeUsage(context.Background(), Report{
			APIKey:      "vk-1",
			Service:     fmt.Sprintf("svc-%d", i),
			TotalTokens: 100,
			RequestedAt: base.Add(time.Duration(i) * time.Minute),
		}); errCharge != nil {
			t.Fatalf("ChargeUsage: %v", errCharge)
		}
	}
	if _, errCharge := recorder.ChargeUsage(context.Background(), Report{APIKey: "vk-2", TotalTokens: 100}); errCharge != nil {
		t.Fatalf("ChargeUsage: %v", errCharge)
	}

	page, errHistory := recorder.History(context.Background(), key.ID, 1, 2)
	if errHistory != nil {
		t.Fatalf("History: %v", errHistory)
	}
	if page.Total != 5 || len(page.Items) != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	if page.Items[0].Service != "svc-4" || page.Items[1].Service != "svc-3" {
		t.Fatalf("unexpected order %s, %s", page.Items[0].Service, page.Items[1].Service)
	}

	last, errHistory := recorder.History(context.Background(), key.ID, 3, 2)
	if errHistory != nil {
		t.Fatalf("History: %v", errHistory)
	}
	if len(last.Items) != 1 || last.Items[0].Service != "svc-0" {
		t.Fatalf("unexpected last page %+v", last.Items)
	}

	empty, errHistory := recorder.History(context.Background(), other.ID+100, 0, 0)
	if errHistory != nil {
		t.Fatalf("History: %v", errHistory)
	}
	if empty.Total != 0 || empty.Items == nil || empty.Page != 1 || empty.PageSize != defaultHistoryPageSize {
		t.Fatalf("unexpected empty page %+v", empty)
	}
}
