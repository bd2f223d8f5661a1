package db

import (
	"encoding/json"
	"fmt"

	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/settings"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrate creates or updates every table the service owns and seeds missing settings.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.Package{},
		&models.APIKey{},
		&models.UsageRecord{},
		&models.ResetRun{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: auto migrate: %w", errMigrate)
	}
	if errIndex := ensureResetEligibilityIndex(conn); errIndex != nil {
		return errIndex
	}
	return seedSettings(conn)
}

// ensureResetEligibilityIndex backs the daily reset scan (status filter, id order).
func ensureResetEligibilityIndex(conn *gorm.DB) error {
	const name = "idx_api_keys_reset_scan"
	if conn.Migrator().HasIndex(&models.APIKey{}, name) {
		return nil
	}
	if errExec := conn.Exec(fmt.Sprintf("CREATE INDEX %s ON api_keys (status, last_reset_credits_at, id)", name)).Error; errExec != nil {
		return fmt.Errorf("db: create %s: %w", name, errExec)
	}
	return nil
}

// seedSettings inserts missing default settings; existing rows are never overwritten.
func seedSettings(conn *gorm.DB) error {
	defaults := settings.Defaults()
	rows := make([]models.Setting, 0, len(defaults))
	for key, value := range defaults {
		raw, errMarshal := json.Marshal(value)
		if errMarshal != nil {
			return fmt.Errorf("db: encode setting %s: %w", key, errMarshal)
		}
		rows = append(rows, models.Setting{Key: key, Value: raw})
	}
	if errCreate := conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; errCreate != nil {
		return fmt.Errorf("db: seed settings: %w", errCreate)
	}
	return nil
}
