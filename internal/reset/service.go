package reset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/CLIProxyCredits/internal/credit"
	"github.com/router-for-me/CLIProxyCredits/internal/creditsync"
	"github.com/router-for-me/CLIProxyCredits/internal/metrics"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	internalsettings "github.com/router-for-me/CLIProxyCredits/internal/settings"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	"github.com/router-for-me/CLIProxyCredits/internal/util"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultBatchSize = 100
	maxRecentErrors  = 20
)

var (
	// ErrEnumeration wraps a failure to list eligible keys; it aborts the run.
	ErrEnumeration = errors.New("reset: enumerate eligible keys")
	// ErrNoResetQuantum is returned when a key's package has no daily quantum.
	ErrNoResetQuantum = errors.New("reset: package has no daily reset credits")
	// ErrKeyNotResettable is returned when an owner asks to reset a key that is not in use.
	ErrKeyNotResettable = errors.New("reset: key is not active")
	// ErrAlreadyResetToday is returned when an owner reset finds today's reset already applied.
	ErrAlreadyResetToday = errors.New("reset: key was already reset today")
)

// Options configures a Service.
type Options struct {
	Location  *time.Location
	BatchSize int
	Target    credit.ResetTarget
}

// Service restores key balances. Run performs the daily pass; ResetKey forces one key.
type Service struct {
	db     *gorm.DB
	keys   store.KeyStore
	syncer creditsync.Syncer

	location  *time.Location
	batchSize int
	target    credit.ResetTarget
	now       func() time.Time
}

// NewService constructs a Service. db is used to record runs and compute statistics.
func NewService(db *gorm.DB, keys store.KeyStore, syncer creditsync.Syncer, opts Options) *Service {
	if keys == nil || syncer == nil {
		return nil
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	target := opts.Target
	if target == "" {
		target = credit.ResetToQuantum
	}
	return &Service{
		db:        db,
		keys:      keys,
		syncer:    syncer,
		location:  loc,
		batchSize: batch,
		target:    target,
		now:       time.Now,
	}
}

// Location returns the time zone calendar days are computed in.
func (s *Service) Location() *time.Location {
	return s.location
}

// RunReport summarises one reset run.
type RunReport struct {
	RunID        string        `json:"run_id"`
	Trigger      string        `json:"trigger"`
	Status       string        `json:"status"`
	Processed    int           `json:"processed"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	SyncFailed   int           `json:"sync_failed"`
	SyncDisabled bool          `json:"sync_disabled,omitempty"` // External sync was off; nothing was pushed.
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Duration     time.Duration `json:"-"`
	DurationMS   int64         `json:"duration_ms"`
	Error        string        `json:"error,omitempty"`
	RecentErrors []string      `json:"recent_errors,omitempty"`
}

func (r *RunReport) addError(msg string) {
	r.RecentErrors = append(r.RecentErrors, msg)
	if len(r.RecentErrors) > maxRecentErrors {
		r.RecentErrors = r.RecentErrors[len(r.RecentErrors)-maxRecentErrors:]
	}
}

type keyOutcome int

const (
	keyReset keyOutcome = iota
	keySkipped
	keyFailed
)

// Run resets every eligible key once for the current calendar day. Per-key failures are
// counted and logged; only a failure to enumerate keys aborts the run and is returned.
func (s *Service) Run(ctx context.Context, trigger string) (RunReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	started := s.now()
	report := RunReport{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: started,
	}
	dayStart := credit.DayStart(started, s.location)
	batch := internalsettings.Int(internalsettings.ResetBatchSizeKey, s.batchSize)
	if batch <= 0 {
		batch = s.batchSize
	}
	logger := log.WithFields(log.Fields{"run_id": report.RunID, "trigger": trigger})
	logger.Infof("credit reset: started (day_start=%s batch=%d)", dayStart.Format(time.RFC3339), batch)

	var runErr error
	afterID := uint64(0)
	for {
		if errCtx := ctx.Err(); errCtx != nil {
			runErr = errCtx
			break
		}
		rows, errFind := s.keys.FindEligibleForReset(ctx, store.EligibilityFilter{
			DayStart: dayStart,
			Types:    credit.DailyResetTypes(),
			AfterID:  afterID,
			Limit:    batch,
		})
		if errFind != nil {
			runErr = fmt.Errorf("%w: %v", ErrEnumeration, errFind)
			break
		}
		for i := range rows {
			key := &rows[i]
			afterID = key.ID
			report.Processed++
			outcome, res, errKey := s.resetKey(ctx, key, s.now(), &dayStart)
			switch outcome {
			case keyReset:
				report.Succeeded++
				switch {
				case res.Disabled:
					report.SyncDisabled = true
				case !res.Success:
					report.SyncFailed++
				}
			case keySkipped:
				report.Skipped++
			default:
				report.Failed++
				report.addError(fmt.Sprintf("key %d: %v", key.ID, errKey))
				logger.WithError(errKey).WithFields(log.Fields{
					"key_id":  key.ID,
					"api_key": util.HideAPIKey(key.APIKey),
				}).Error("credit reset: key failed")
			}
		}
		if len(rows) < batch {
			break
		}
	}

	s.finish(&report, runErr)
	logger.WithFields(log.Fields{
		"processed":   report.Processed,
		"succeeded":   report.Succeeded,
		"failed":      report.Failed,
		"skipped":     report.Skipped,
		"sync_failed": report.SyncFailed,
		"sync_off":    report.SyncDisabled,
		"duration":    report.Duration.String(),
	}).Infof("credit reset: %s", report.Status)
	return report, runErr
}

func (s *Service) finish(report *RunReport, runErr error) {
	report.FinishedAt = s.now()
	report.Duration = report.FinishedAt.Sub(report.StartedAt)
	report.DurationMS = report.Duration.Milliseconds()
	switch {
	case runErr != nil:
		report.Status = models.ResetRunStatusFailed
		report.Error = runErr.Error()
	case report.Failed > 0:
		report.Status = models.ResetRunStatusPartial
	default:
		report.Status = models.ResetRunStatusSuccess
	}
	metrics.ObserveResetRun(report.Trigger, report.Status, report.Succeeded, report.Failed, report.Skipped, report.SyncFailed, report.Duration)
	s.record(*report)
}

// SkippedReport builds and records a report for a run that did not execute.
func (s *Service) SkippedReport(trigger, reason string) RunReport {
	now := s.now()
	report := RunReport{
		RunID:      uuid.NewString(),
		Trigger:    trigger,
		Status:     models.ResetRunStatusSkipped,
		StartedAt:  now,
		FinishedAt: now,
		Error:      reason,
	}
	metrics.ObserveResetRun(trigger, report.Status, 0, 0, 0, 0, 0)
	s.record(report)
	return report
}

// record persists a run summary. Failures are logged only.
func (s *Service) record(report RunReport) {
	if s.db == nil {
		return
	}
	recent, _ := json.Marshal(report.RecentErrors)
	finished := report.FinishedAt.UTC()
	row := models.ResetRun{
		RunID:          report.RunID,
		Trigger:        report.Trigger,
		Status:         report.Status,
		Processed:      report.Processed,
		Succeeded:      report.Succeeded,
		Failed:         report.Failed,
		Skipped:        report.Skipped,
		SyncFailed:     report.SyncFailed,
		StartedAt:      report.StartedAt.UTC(),
		FinishedAt:     &finished,
		DurationMillis: report.DurationMS,
		Error:          report.Error,
		RecentErrors:   datatypes.JSON(recent),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).WithField("run_id", report.RunID).Warn("credit reset: record run failed")
	}
}

// resetKey writes the new balance and then pushes it to the external cache. notResetSince
// guards the write so a key reset by a concurrent run is skipped.
func (s *Service) resetKey(ctx context.Context, key *models.APIKey, now time.Time, notResetSince *time.Time) (keyOutcome, creditsync.Result, error) {
	if key.Package == nil {
		return keyFailed, creditsync.Result{}, store.ErrPackageNotFound
	}
	quantum := key.Package.DailyResetCredits
	if quantum <= 0 {
		return keyFailed, creditsync.Result{}, ErrNoResetQuantum
	}
	remaining, total := credit.ResetBalance(s.target, quantum, key.TotalCredits)

	applied, errUpdate := s.keys.UpdateBalance(ctx, key.ID, store.BalanceUpdate{
		RemainingCredits: remaining,
		TotalCredits:     total,
		ResetAt:          &now,
		NotResetSince:    notResetSince,
	})
	if errUpdate != nil {
		return keyFailed, creditsync.Result{}, errUpdate
	}
	if !applied {
		return keySkipped, creditsync.Result{}, nil
	}

	res := s.syncer.Sync(ctx, key.APIKey, remaining, &now)
	if !res.Success && !res.Disabled {
		log.WithFields(log.Fields{
			"key_id":  key.ID,
			"api_key": util.HideAPIKey(key.APIKey),
			"reason":  res.Message,
		}).Warn("credit reset: sync failed, local balance kept")
	}
	return keyReset, res, nil
}

// KeyResetResult is the outcome of a forced single-key reset.
type KeyResetResult struct {
	KeyID            uint64    `json:"key_id"`
	OldCredits       *int64    `json:"old_credits"`
	NewCredits       int64     `json:"new_credits"`
	TotalCredits     *int64    `json:"total_credits"`
	ResetAt          time.Time `json:"reset_at"`
	ExternalSynced   bool      `json:"external_synced"`
	ExternalResponse string    `json:"external_message"`
}

// ResetKey resets one key regardless of whether it was already reset today.
func (s *Service) ResetKey(ctx context.Context, keyID uint64) (KeyResetResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	key, errFind := s.keys.FindByID(ctx, keyID)
	if errFind != nil {
		return KeyResetResult{}, errFind
	}
	if key.Package == nil {
		return KeyResetResult{}, store.ErrPackageNotFound
	}
	quantum := key.Package.DailyResetCredits
	if quantum <= 0 {
		quantum = credit.DefaultDailyResetCredits(credit.ClassifyPackageType(key.Package.Type))
	}
	if quantum <= 0 {
		return KeyResetResult{}, ErrNoResetQuantum
	}
	res, _, errApply := s.apply(ctx, key, quantum, nil)
	if errApply != nil {
		return KeyResetResult{}, errApply
	}
	log.WithFields(log.Fields{
		"key_id": key.ID,
		"synced": res.ExternalSynced,
	}).Info("credit reset: key reset by operator")
	return res, nil
}

// ResetOwnedKey lets an owner pull today's reset forward for one of their keys. It honours the
// once-per-day rule: a key already reset since the start of today returns ErrAlreadyResetToday.
// Keys of other users read as store.ErrKeyNotFound.
func (s *Service) ResetOwnedKey(ctx context.Context, keyID uint64, userID string) (KeyResetResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	key, errFind := s.keys.FindByID(ctx, keyID)
	if errFind != nil {
		return KeyResetResult{}, errFind
	}
	if userID == "" || key.UserID == nil || *key.UserID != userID {
		return KeyResetResult{}, store.ErrKeyNotFound
	}
	if !key.Active || key.RevokedAt != nil || key.Status != models.APIKeyStatusActive {
		return KeyResetResult{}, ErrKeyNotResettable
	}
	if key.Package == nil {
		return KeyResetResult{}, store.ErrPackageNotFound
	}
	class := credit.ClassifyPackageType(key.Package.Type)
	if !class.ParticipatesInDailyReset() || key.Package.DailyResetCredits <= 0 {
		return KeyResetResult{}, ErrNoResetQuantum
	}

	dayStart := credit.DayStart(s.now(), s.location)
	if !credit.ResetDue(key.LastResetCreditsAt, dayStart) {
		return KeyResetResult{}, ErrAlreadyResetToday
	}
	res, applied, errApply := s.apply(ctx, key, key.Package.DailyResetCredits, &dayStart)
	if errApply != nil {
		return KeyResetResult{}, errApply
	}
	if !applied {
		return KeyResetResult{}, ErrAlreadyResetToday
	}
	log.WithFields(log.Fields{
		"key_id": key.ID,
		"synced": res.ExternalSynced,
	}).Info("credit reset: key reset by owner")
	return res, nil
}

// apply writes the reset balance for key and pushes it to the external cache. applied is false
// when notResetSince skipped the write.
func (s *Service) apply(ctx context.Context, key *models.APIKey, quantum int64, notResetSince *time.Time) (KeyResetResult, bool, error) {
	remaining, total := credit.ResetBalance(s.target, quantum, key.TotalCredits)
	now := s.now()
	applied, errUpdate := s.keys.UpdateBalance(ctx, key.ID, store.BalanceUpdate{
		RemainingCredits: remaining,
		TotalCredits:     total,
		ResetAt:          &now,
		NotResetSince:    notResetSince,
	})
	if errUpdate != nil || !applied {
		return KeyResetResult{}, false, errUpdate
	}
	res := s.syncer.Sync(ctx, key.APIKey, remaining, &now)
	return KeyResetResult{
		KeyID:            key.ID,
		OldCredits:       key.RemainingCredits,
		NewCredits:       remaining,
		TotalCredits:     total,
		ResetAt:          now,
		ExternalSynced:   res.Success,
		ExternalResponse: res.Message,
	}, true, nil
}
