package models

import "time"

// Package type codes stored in Package.Type.
const (
	PackageTypeStandard   = "01"
	PackageTypeMaxSeries  = "02"
	PackageTypeExperience = "20"
	PackageTypeTemporary  = "21"
	PackageTypeFuelPack   = "91"
)

// Package describes a subscription kind from the catalog.
type Package struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Code        string `gorm:"type:varchar(64);not null;uniqueIndex"` // Catalog code, e.g. std-monthly.
	Name        string `gorm:"type:text;not null"`                    // Display name.
	Description string `gorm:"type:text"`                             // Optional description.
	Type        string `gorm:"type:varchar(8);not null;index"`        // Class discriminator, see PackageType*.

	Credits           int64 `gorm:"not null;default:0"` // Credits seeded at provisioning.
	DurationDays      int   `gorm:"not null;default:0"` // Plan length counted from activation.
	DailyResetCredits int64 `gorm:"not null;default:0"` // Daily reset quantum; 0 disables reset.

	IsActive  bool `gorm:"not null;default:true"` // Whether the package is on sale.
	SortOrder int  `gorm:"not null;default:0"`    // Display order.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
