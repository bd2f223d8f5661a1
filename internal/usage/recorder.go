package usage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/router-for-me/CLIProxyCredits/internal/credit"
	dbutil "github.com/router-for-me/CLIProxyCredits/internal/db"
	"github.com/router-for-me/CLIProxyCredits/internal/metrics"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 200

	responseStatusSuccess = "success"
)

// Report is one metered request reported by the proxy.
type Report struct {
	APIKey         string
	Service        string
	InputTokens    int64
	OutputTokens   int64
	TotalTokens    int64
	ResponseStatus string
	ErrorMessage   string
	RequestedAt    time.Time
}

// ChargeResult is the outcome of ChargeUsage.
type ChargeResult struct {
	RecordID         uint64 `json:"record_id"`
	KeyID            uint64 `json:"key_id"`
	TotalTokens      int64  `json:"total_tokens"`
	CreditsCharged   int64  `json:"credits_charged"`
	RemainingCredits *int64 `json:"remaining_credits"`
}

// Recorder charges credits for reported usage and keeps the usage log.
type Recorder struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRecorder constructs a Recorder backed by GORM.
func NewRecorder(db *gorm.DB) *Recorder {
	if db == nil {
		return nil
	}
	return &Recorder{db: db, now: time.Now}
}

// ChargeUsage deducts the credits for report from its key and appends a usage record, in one
// transaction. Keys without a tracked balance are recorded but not charged.
func (r *Recorder) ChargeUsage(ctx context.Context, report Report) (ChargeResult, error) {
	if r == nil || r.db == nil {
		return ChargeResult{}, errors.New("usage: recorder not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	apiKey := strings.TrimSpace(report.APIKey)
	if apiKey == "" {
		return ChargeResult{}, store.ErrKeyNotFound
	}

	totalTokens := report.TotalTokens
	if totalTokens <= 0 {
		totalTokens = report.InputTokens + report.OutputTokens
	}
	charge := credit.CreditsForTokens(totalTokens)
	requestedAt := report.RequestedAt
	if requestedAt.IsZero() {
		requestedAt = r.now()
	}
	status := strings.TrimSpace(report.ResponseStatus)
	if status == "" {
		status = responseStatusSuccess
	}

	var result ChargeResult
	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var key models.APIKey
		errFind := dbutil.ForUpdate(tx.WithContext(ctx)).
			Where("api_key = ?", apiKey).
			Take(&key).Error
		if errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return store.ErrKeyNotFound
			}
			return errFind
		}

		var remaining *int64
		if key.RemainingCredits != nil {
			next := credit.ApplyCharge(*key.RemainingCredits, charge)
			remaining = &next
			if errUpdate := tx.WithContext(ctx).
				Model(&models.APIKey{}).
				Where("id = ?", key.ID).
				Updates(map[string]any{
					"remaining_credits": next,
					"last_used_at":      requestedAt.UTC(),
					"updated_at":        r.now().UTC(),
				}).Error; errUpdate != nil {
				return errUpdate
			}
		}

		row := models.UsageRecord{
			APIKeyID:         key.ID,
			Service:          strings.TrimSpace(report.Service),
			InputTokens:      report.InputTokens,
			OutputTokens:     report.OutputTokens,
			TotalTokens:      totalTokens,
			CreditsUsed:      charge,
			RemainingCredits: remaining,
			ResponseStatus:   status,
			ErrorMessage:     report.ErrorMessage,
			RequestedAt:      requestedAt.UTC(),
		}
		if errCreate := tx.WithContext(ctx).Create(&row).Error; errCreate != nil {
			return errCreate
		}

		result = ChargeResult{
			RecordID:         row.ID,
			KeyID:            key.ID,
			TotalTokens:      totalTokens,
			CreditsCharged:   charge,
			RemainingCredits: remaining,
		}
		return nil
	})
	if errTx != nil {
		if !errors.Is(errTx, store.ErrKeyNotFound) {
			log.WithError(errTx).Warn("usage recorder: failed to charge usage")
		}
		return ChargeResult{}, errTx
	}
	metrics.ObserveCharge(charge)
	return result, nil
}

// HistoryPage is one page of usage records, newest first.
type HistoryPage struct {
	Items    []models.UsageRecord `json:"items"`
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// History returns the usage records of keyID, newest first. page is 1-based.
func (r *Recorder) History(ctx context.Context, keyID uint64, page, pageSize int) (HistoryPage, error) {
	if r == nil || r.db == nil {
		return HistoryPage{}, errors.New("usage: recorder not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}

	out := HistoryPage{Page: page, PageSize: pageSize, Items: []models.UsageRecord{}}
	q := r.db.WithContext(ctx).Model(&models.UsageRecord{}).Where("api_key_id = ?", keyID)
	if errCount := q.Count(&out.Total).Error; errCount != nil {
		return HistoryPage{}, errCount
	}
	if out.Total == 0 {
		return out, nil
	}
	if errFind := q.Order("requested_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&out.Items).Error; errFind != nil {
		return HistoryPage{}, errFind
	}
	return out, nil
}
