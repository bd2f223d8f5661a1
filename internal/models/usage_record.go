package models

import "time"

// UsageRecord is an append-only metering row written once per reported request.
type UsageRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	APIKeyID uint64  `gorm:"not null;index"`      // Charged key.
	APIKey   *APIKey `gorm:"foreignKey:APIKeyID"` // Associated key record.

	Service string `gorm:"type:text;not null;default:'';index"` // Upstream service or model name.

	InputTokens  int64 `gorm:"not null;default:0"` // Input token count.
	OutputTokens int64 `gorm:"not null;default:0"` // Output token count.
	TotalTokens  int64 `gorm:"not null;default:0"` // Total token count.

	CreditsUsed      int64  `gorm:"not null;default:0"` // Credits deducted for this request.
	RemainingCredits *int64 // Balance after the charge.

	ResponseStatus string `gorm:"type:varchar(32);not null;default:'success'"` // success or error.
	ErrorMessage   string `gorm:"type:text"`                                   // Upstream error, when any.

	RequestedAt time.Time `gorm:"not null;index"`          // Request timestamp.
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
