package models

import "time"

// Virtual key lifecycle states.
const (
	APIKeyStatusInactive = "inactive"
	APIKeyStatusActive   = "active"
	APIKeyStatusExpired  = "expired"
)

// APIKey is a virtual credential handed to an end user. It is metered in credits and
// resolves to a RealAPIKey that the routing layer uses upstream.
type APIKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID *string `gorm:"type:varchar(64);index"` // Owning user ID, set on activation.

	Name       string `gorm:"type:text;not null;default:''"`  // Display name for the key.
	APIKey     string `gorm:"type:text;not null;uniqueIndex"` // Virtual key string presented by clients.
	RealAPIKey string `gorm:"type:text;not null"`             // Upstream credential resolved on validation.
	Notes      string `gorm:"type:text"`                      // Operator notes.

	PackageID *uint64  `gorm:"index"`                // Linked subscription kind.
	Package   *Package `gorm:"foreignKey:PackageID"` // Associated package record.

	Status    string     `gorm:"type:varchar(16);not null;default:'inactive';index"` // inactive, active or expired.
	Active    bool       `gorm:"not null;default:true"`                              // Operator enable switch.
	RevokedAt *time.Time // Revocation timestamp when disabled.

	ActivationDate *time.Time // When the owner activated the key.
	ExpireDate     *time.Time `gorm:"index"` // Plan end; nil means no expiry.

	RemainingCredits   *int64     // Current balance; nil means unmetered.
	TotalCredits       *int64     // Allocation ceiling.
	LastResetCreditsAt *time.Time `gorm:"index"` // Last daily or manual reset.
	LastUsedAt         *time.Time // Last successful validation.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// IsUsable reports whether the key passed the operator switches and was activated.
func (k *APIKey) IsUsable() bool {
	if k == nil {
		return false
	}
	return k.Active && k.RevokedAt == nil && k.Status != APIKeyStatusInactive
}
