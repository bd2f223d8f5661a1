package store

import (
	"context"
	"errors"
	"time"

	"github.com/router-for-me/CLIProxyCredits/internal/models"
)

var (
	// ErrKeyNotFound is returned when no key matches the lookup.
	ErrKeyNotFound = errors.New("store: api key not found")
	// ErrPackageNotFound is returned when no package matches the lookup.
	ErrPackageNotFound = errors.New("store: package not found")
)

// EligibilityFilter selects keys due for the daily reset. Keys are returned in ascending ID
// order starting after AfterID, at most Limit at a time.
type EligibilityFilter struct {
	DayStart time.Time
	Types    []string
	AfterID  uint64
	Limit    int
}

// BalanceUpdate is a reset or correction of a key's balance.
type BalanceUpdate struct {
	RemainingCredits int64
	TotalCredits     *int64
	ResetAt          *time.Time
	// NotResetSince, when set, only applies the update if the key was not reset at or after it.
	NotResetSince *time.Time
}

// KeyStore persists virtual keys.
type KeyStore interface {
	FindByKey(ctx context.Context, apiKey string) (*models.APIKey, error)
	FindByID(ctx context.Context, id uint64) (*models.APIKey, error)
	ListByOwner(ctx context.Context, userID string) ([]models.APIKey, error)
	FindEligibleForReset(ctx context.Context, filter EligibilityFilter) ([]models.APIKey, error)
	// UpdateBalance reports false when a NotResetSince guard skipped the write.
	UpdateBalance(ctx context.Context, id uint64, update BalanceUpdate) (bool, error)
	TouchLastUsed(ctx context.Context, id uint64, at time.Time) error
	MarkExpired(ctx context.Context, id uint64) error
}

// SubscriptionCatalog resolves package metadata.
type SubscriptionCatalog interface {
	FindPackage(ctx context.Context, id uint64) (*models.Package, error)
	FindPackageByCode(ctx context.Context, code string) (*models.Package, error)
	ListPackages(ctx context.Context, activeOnly bool) ([]models.Package, error)
}
