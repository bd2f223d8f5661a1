package models

import (
	"encoding/json"
	"time"
)

// Setting is a runtime tunable read into the settings snapshot, e.g. RESET_BATCH_SIZE.
type Setting struct {
	Key         string          `gorm:"type:varchar(255);primaryKey"`                      // Setting name.
	Value       json.RawMessage `gorm:"type:jsonb"`                                        // JSON-encoded value.
	Description string          `gorm:"type:text"`                                         // Operator-facing note.
	UpdatedAt   time.Time       `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"` // Last update timestamp.
}
