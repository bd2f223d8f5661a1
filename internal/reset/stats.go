package reset

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/router-for-me/CLIProxyCredits/internal/credit"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"gorm.io/gorm"
)

const maxStatsDays = 90

// DayStats aggregates the keys reset on one calendar day.
type DayStats struct {
	Date         string `json:"date"`
	ResetCount   int64  `json:"reset_count"`
	CreditsReset int64  `json:"total_credits_reset"`
}

// Statistics summarises resets over the last days calendar days in the reset time zone.
type Statistics struct {
	Days          int        `json:"days"`
	TimeZone      string     `json:"timezone"`
	TotalResets   int64      `json:"total_resets"`
	TotalCredits  int64      `json:"total_credits_reset"`
	Daily         []DayStats `json:"daily"`
	EligibleToday int64      `json:"eligible_today"`
}

type statRow struct {
	LastResetCreditsAt *time.Time
	DailyResetCredits  int64
}

// Statistics returns per-day reset counts for the last days days, oldest first. Days with no
// resets are included with zero counts.
func (s *Service) Statistics(ctx context.Context, days int) (Statistics, error) {
	if s.db == nil {
		return Statistics{}, errors.New("reset: statistics require a database")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if days <= 0 {
		days = 7
	}
	if days > maxStatsDays {
		days = maxStatsDays
	}

	today := credit.DayStart(s.now(), s.location)
	since := today.AddDate(0, 0, -(days - 1))

	var rows []statRow
	errFind := s.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Select("api_keys.last_reset_credits_at, packages.daily_reset_credits").
		Joins("JOIN packages ON packages.id = api_keys.package_id").
		Where("api_keys.last_reset_credits_at >= ?", since.UTC()).
		Scan(&rows).Error
	if errFind != nil {
		return Statistics{}, errFind
	}

	out := Statistics{
		Days:     days,
		TimeZone: s.location.String(),
		Daily:    make([]DayStats, 0, days),
	}
	index := make(map[string]int, days)
	for i := 0; i < days; i++ {
		date := since.AddDate(0, 0, i).Format("2006-01-02")
		index[date] = i
		out.Daily = append(out.Daily, DayStats{Date: date})
	}
	for _, row := range rows {
		if row.LastResetCreditsAt == nil {
			continue
		}
		date := row.LastResetCreditsAt.In(s.location).Format("2006-01-02")
		i, ok := index[date]
		if !ok {
			continue
		}
		out.Daily[i].ResetCount++
		out.Daily[i].CreditsReset += row.DailyResetCredits
		out.TotalResets++
		out.TotalCredits += row.DailyResetCredits
	}

	errCount := s.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Joins("JOIN packages ON packages.id = api_keys.package_id").
		Where("api_keys.status = ? AND api_keys.active = ? AND api_keys.revoked_at IS NULL", models.APIKeyStatusActive, true).
		Where("packages.daily_reset_credits > 0 AND packages.type IN ?", credit.DailyResetTypes()).
		Where("(api_keys.last_reset_credits_at IS NULL OR api_keys.last_reset_credits_at < ?)", today.UTC()).
		Count(&out.EligibleToday).Error
	if errCount != nil {
		return Statistics{}, errCount
	}
	return out, nil
}

// LastRun returns the most recently started recorded run, or nil when none exists.
func (s *Service) LastRun(ctx context.Context) (*RunReport, error) {
	if s.db == nil {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var row models.ResetRun
	errFind := s.db.WithContext(ctx).Order("started_at DESC, id DESC").Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errFind
	}
	report := reportFromRow(row)
	return &report, nil
}

func reportFromRow(row models.ResetRun) RunReport {
	report := RunReport{
		RunID:      row.RunID,
		Trigger:    row.Trigger,
		Status:     row.Status,
		Processed:  row.Processed,
		Succeeded:  row.Succeeded,
		Failed:     row.Failed,
		Skipped:    row.Skipped,
		SyncFailed: row.SyncFailed,
		StartedAt:  row.StartedAt,
		DurationMS: row.DurationMillis,
		Duration:   time.Duration(row.DurationMillis) * time.Millisecond,
		Error:      row.Error,
	}
	if row.FinishedAt != nil {
		report.FinishedAt = *row.FinishedAt
	}
	if len(row.RecentErrors) > 0 {
		_ = json.Unmarshal(row.RecentErrors, &report.RecentErrors)
	}
	return report
}
