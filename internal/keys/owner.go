package keys

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyCredits/internal/credit"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
)

// OwnedKey loads keyID for userID. A key bound to another user reads as store.ErrKeyNotFound
// so a foreign key ID looks the same as a missing one.
func (s *Service) OwnedKey(ctx context.Context, keyID uint64, userID string) (*models.APIKey, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidRequest
	}
	key, errFind := s.keys.FindByID(ctx, keyID)
	if errFind != nil {
		return nil, errFind
	}
	if key.UserID == nil || *key.UserID != userID {
		return nil, store.ErrKeyNotFound
	}
	return key, nil
}

// ListOwned returns every key bound to userID, oldest first.
func (s *Service) ListOwned(ctx context.Context, userID string) ([]models.APIKey, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidRequest
	}
	return s.keys.ListByOwner(ctx, userID)
}

// PlanStatus summarises the credit plans a user currently holds.
type PlanStatus struct {
	HasActivePlan    bool       `json:"has_active_plan"`
	PlanType         string     `json:"plan_type"`
	PackageName      string     `json:"package_name"`
	ActiveKeys       int        `json:"active_keys"`
	CreditsRemaining int64      `json:"credits_remaining"`
	TotalCredits     int64      `json:"total_credits"`
	CreditsUsed      int64      `json:"credits_used"`
	UsagePercentage  float64    `json:"usage_percentage"`
	ExpireDate       *time.Time `json:"expire_date"`
	DaysRemaining    int        `json:"days_remaining"`
}

// PlanStatus aggregates the usable keys of userID. The plan type and expiry come from the key
// whose plan ends last; keys without an expiry win over dated ones.
func (s *Service) PlanStatus(ctx context.Context, userID string) (PlanStatus, error) {
	rows, errList := s.ListOwned(ctx, userID)
	if errList != nil {
		return PlanStatus{}, errList
	}
	now := s.now()

	var status PlanStatus
	var lead *models.APIKey
	for i := range rows {
		key := &rows[i]
		if !planCounts(key, now) {
			continue
		}
		status.ActiveKeys++
		if key.RemainingCredits != nil {
			status.CreditsRemaining += *key.RemainingCredits
		}
		if key.TotalCredits != nil {
			status.TotalCredits += *key.TotalCredits
		}
		if lead == nil || endsLater(key, lead) {
			lead = key
		}
	}
	if lead == nil {
		return status, nil
	}

	status.HasActivePlan = true
	status.PlanType = credit.ClassifyPackageType(lead.Package.Type).String()
	status.PackageName = lead.Package.Name
	if status.TotalCredits > 0 {
		status.CreditsUsed = max(status.TotalCredits-status.CreditsRemaining, 0)
		status.UsagePercentage = math.Round(float64(status.CreditsUsed)/float64(status.TotalCredits)*10000) / 100
	}
	if lead.ExpireDate != nil && credit.ClassifyPackageType(lead.Package.Type).HasExpiry() {
		expire := *lead.ExpireDate
		status.ExpireDate = &expire
		status.DaysRemaining = max(int(expire.Sub(now)/(24*time.Hour)), 0)
	}
	return status, nil
}

// planCounts reports whether key is an activated, validatable plan that has not run out of time.
func planCounts(key *models.APIKey, now time.Time) bool {
	if key.Package == nil || !key.Active || key.RevokedAt != nil || key.Status != models.APIKeyStatusActive {
		return false
	}
	class := credit.ClassifyPackageType(key.Package.Type)
	if !class.Validatable() {
		return false
	}
	return !class.HasExpiry() || key.ExpireDate == nil || key.ExpireDate.After(now)
}

func endsLater(a, b *models.APIKey) bool {
	switch {
	case b.ExpireDate == nil:
		return false
	case a.ExpireDate == nil:
		return true
	default:
		return a.ExpireDate.After(*b.ExpireDate)
	}
}
