package usage

import (
	"context"
	"time"

	"github.com/router-for-me/CLIProxyCredits/internal/metrics"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	internalsettings "github.com/router-for-me/CLIProxyCredits/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	pruneEvery     = 6 * time.Hour
	pruneChunkSize = 5000
	// pruneMaxChunks bounds one sweep; whatever is left waits for the next tick.
	pruneMaxChunks = 2000
)

// Sweep describes one pass of the usage pruner.
type Sweep struct {
	Days   int       `json:"days"`
	Cutoff time.Time `json:"cutoff"`
	Pruned int64     `json:"pruned"`
	Chunks int       `json:"chunks"`
}

// Pruner removes usage records older than USAGES_RETENTION_DAYS.
// The retention window is re-read from the settings snapshot on every sweep.
type Pruner struct {
	db        *gorm.DB
	every     time.Duration
	chunkSize int
	maxChunks int
	now       func() time.Time
}

func NewPruner(db *gorm.DB) *Pruner {
	if db == nil {
		return nil
	}
	return &Pruner{
		db:        db,
		every:     pruneEvery,
		chunkSize: pruneChunkSize,
		maxChunks: pruneMaxChunks,
		now:       time.Now,
	}
}

// Start sweeps once immediately and then on every tick until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go p.loop(ctx)
	log.WithField("every", p.every.String()).Info("usage pruner started")
}

func (p *Pruner) loop(ctx context.Context) {
	ticker := time.NewTicker(p.every)
	defer ticker.Stop()
	for {
		sweep, errSweep := p.Sweep(ctx)
		switch {
		case errSweep != nil && ctx.Err() == nil:
			log.WithError(errSweep).WithField("pruned", sweep.Pruned).Warn("usage pruner: sweep failed")
		case sweep.Pruned > 0:
			log.WithFields(log.Fields{
				"pruned": sweep.Pruned,
				"chunks": sweep.Chunks,
				"cutoff": sweep.Cutoff.Format(time.RFC3339),
				"days":   sweep.Days,
			}).Info("usage pruner: sweep finished")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep deletes expired records in id-ordered chunks. A zero or negative
// retention window keeps every record and does not touch the table.
func (p *Pruner) Sweep(ctx context.Context) (Sweep, error) {
	if p == nil || p.db == nil {
		return Sweep{}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sweep := Sweep{Days: internalsettings.Int(internalsettings.UsagesRetentionDaysKey, internalsettings.DefaultUsagesRetentionDays)}
	if sweep.Days <= 0 {
		return sweep, nil
	}
	sweep.Cutoff = p.now().UTC().AddDate(0, 0, -sweep.Days)

	var errSweep error
	for sweep.Chunks < p.maxChunks {
		if errSweep = ctx.Err(); errSweep != nil {
			break
		}
		n, full, errChunk := p.pruneChunk(ctx, sweep.Cutoff)
		if errChunk != nil {
			errSweep = errChunk
			break
		}
		if n == 0 {
			break
		}
		sweep.Chunks++
		sweep.Pruned += n
		if !full {
			break
		}
	}
	metrics.ObserveUsageSweep(sweep.Pruned, errSweep)
	return sweep, errSweep
}

// pruneChunk deletes up to chunkSize of the oldest expired ids. full reports
// whether the chunk was filled, meaning more expired rows may remain.
func (p *Pruner) pruneChunk(ctx context.Context, cutoff time.Time) (int64, bool, error) {
	size := p.chunkSize
	if size <= 0 {
		size = pruneChunkSize
	}
	var ids []uint64
	errPluck := p.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("requested_at < ?", cutoff).
		Order("id ASC").
		Limit(size).
		Pluck("id", &ids).Error
	if errPluck != nil {
		return 0, false, errPluck
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	res := p.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.UsageRecord{})
	if res.Error != nil {
		return 0, false, res.Error
	}
	return res.RowsAffected, len(ids) == size, nil
}
