// Package credit holds the pure credit rules: package classification, validation outcomes,
// token to credit conversion and reset balances. Nothing here touches storage.
package credit

import (
	"strings"

	"github.com/router-for-me/CLIProxyCredits/internal/models"
)

// Class is the closed set of subscription classes a package type code maps to.
type Class int

const (
	ClassUnknown Class = iota
	ClassStandard
	ClassMaxSeries
	ClassExperience
	ClassTemporary
	ClassFuelPack
)

// ClassifyPackageType maps a catalog type code to a Class. Unrecognised codes yield ClassUnknown.
func ClassifyPackageType(code string) Class {
	switch strings.TrimSpace(code) {
	case models.PackageTypeStandard:
		return ClassStandard
	case models.PackageTypeMaxSeries:
		return ClassMaxSeries
	case models.PackageTypeExperience:
		return ClassExperience
	case models.PackageTypeTemporary:
		return ClassTemporary
	case models.PackageTypeFuelPack:
		return ClassFuelPack
	default:
		return ClassUnknown
	}
}

func (c Class) String() string {
	switch c {
	case ClassStandard:
		return "standard"
	case ClassMaxSeries:
		return "max_series"
	case ClassExperience:
		return "experience"
	case ClassTemporary:
		return "temporary"
	case ClassFuelPack:
		return "fuel_pack"
	default:
		return "unknown"
	}
}

// HasExpiry reports whether keys of this class stop working at their expire date.
func (c Class) HasExpiry() bool {
	return c == ClassStandard || c == ClassMaxSeries
}

// ParticipatesInDailyReset reports whether keys of this class are topped up by the daily reset.
func (c Class) ParticipatesInDailyReset() bool {
	return c == ClassStandard || c == ClassMaxSeries
}

// Validatable reports whether keys of this class can authorise requests at all.
func (c Class) Validatable() bool {
	switch c {
	case ClassStandard, ClassMaxSeries, ClassExperience, ClassTemporary:
		return true
	default:
		return false
	}
}

// DefaultDailyResetCredits is the quantum used when a package is created without one.
func DefaultDailyResetCredits(c Class) int64 {
	switch c {
	case ClassStandard:
		return 10000
	case ClassMaxSeries:
		return 15000
	default:
		return 0
	}
}

// DailyResetTypes lists the package type codes scanned by the daily reset.
func DailyResetTypes() []string {
	return []string{models.PackageTypeStandard, models.PackageTypeMaxSeries}
}
