package settings

// DB setting keys and their defaults.
const (
	// ResetBatchSizeKey overrides the page size of the daily reset scan.
	ResetBatchSizeKey = "RESET_BATCH_SIZE"
	// UsagesRetentionDaysKey controls how long usage records are kept; 0 keeps them forever.
	UsagesRetentionDaysKey = "USAGES_RETENTION_DAYS"
	// CreditsSyncEnabledKey toggles pushes to the external credit cache.
	CreditsSyncEnabledKey = "CREDITS_SYNC_ENABLED"

	DefaultResetBatchSize      = 100
	DefaultUsagesRetentionDays = 90
	DefaultCreditsSyncEnabled  = true
)

// Defaults lists the values seeded on first migration. RESET_BATCH_SIZE is left unset so the
// configured batch size applies until an operator overrides it.
func Defaults() map[string]any {
	return map[string]any{
		UsagesRetentionDaysKey: DefaultUsagesRetentionDays,
		CreditsSyncEnabledKey:  DefaultCreditsSyncEnabled,
	}
}
