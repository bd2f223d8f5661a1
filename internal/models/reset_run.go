package models

import (
	"time"

	"gorm.io/datatypes"
)

// Reset run triggers and outcomes.
const (
	ResetTriggerSchedule = "schedule"
	ResetTriggerManual   = "manual"
	ResetTriggerCLI      = "cli"

	ResetRunStatusSuccess = "success"
	ResetRunStatusPartial = "partial"
	ResetRunStatusFailed  = "failed"
	ResetRunStatusSkipped = "skipped"
)

// ResetRun records one execution of the daily credit reset.
type ResetRun struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	RunID   string `gorm:"type:varchar(36);not null;uniqueIndex"` // Run identifier.
	Trigger string `gorm:"type:varchar(16);not null"`             // schedule, manual or cli.
	Status  string `gorm:"type:varchar(16);not null;index"`       // success, partial, failed or skipped.

	Processed  int `gorm:"not null;default:0"` // Keys attempted.
	Succeeded  int `gorm:"not null;default:0"` // Keys reset.
	Failed     int `gorm:"not null;default:0"` // Keys whose write failed.
	Skipped    int `gorm:"not null;default:0"` // Keys already reset by another run.
	SyncFailed int `gorm:"not null;default:0"` // Keys reset locally but not synced.

	StartedAt      time.Time  `gorm:"not null;index"` // Run start.
	FinishedAt     *time.Time // Run end.
	DurationMillis int64      `gorm:"not null;default:0"` // Wall clock duration.

	Error        string         `gorm:"type:text"`  // Fatal error, when any.
	RecentErrors datatypes.JSON `gorm:"type:jsonb"` // Last per-key errors.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
