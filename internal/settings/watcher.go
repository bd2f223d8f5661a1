package settings

import (
	"context"
	"time"

	"github.com/router-for-me/CLIProxyCredits/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultWatchInterval = 30 * time.Second

// Watcher reloads the settings snapshot when a row changes in the database.
type Watcher struct {
	db       *gorm.DB
	interval time.Duration
}

// NewWatcher constructs a Watcher polling every interval.
func NewWatcher(db *gorm.DB, interval time.Duration) *Watcher {
	if db == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &Watcher{db: db, interval: interval}
}

// Start launches the polling loop in a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go w.run(ctx)
	log.Infof("settings watcher started (interval=%s)", w.interval)
}

func (w *Watcher) run(ctx context.Context) {
	for {
		timer := time.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
		if _, errPoll := w.poll(ctx); errPoll != nil && ctx.Err() == nil {
			log.WithError(errPoll).Warn("settings watcher: poll failed")
		}
	}
}

// poll refreshes the snapshot when the newest updated_at moved. It reports whether a reload happened.
func (w *Watcher) poll(ctx context.Context) (bool, error) {
	var latest []models.Setting
	if errFind := w.db.WithContext(ctx).
		Select("key", "updated_at").
		Order("updated_at DESC").
		Limit(1).
		Find(&latest).Error; errFind != nil {
		return false, errFind
	}
	if len(latest) == 0 || !latest[0].UpdatedAt.UTC().After(DBConfigUpdatedAt()) {
		return false, nil
	}
	if errRefresh := RefreshDBConfigSnapshot(ctx, w.db); errRefresh != nil {
		return false, errRefresh
	}
	log.WithField("updated_at", latest[0].UpdatedAt.UTC().Format(time.RFC3339)).Info("settings watcher: snapshot reloaded")
	return true, nil
}
