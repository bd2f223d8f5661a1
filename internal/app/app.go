package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/CLIProxyCredits/internal/config"
	"github.com/router-for-me/CLIProxyCredits/internal/credit"
	"github.com/router-for-me/CLIProxyCredits/internal/creditsync"
	"github.com/router-for-me/CLIProxyCredits/internal/db"
	internalhttp "github.com/router-for-me/CLIProxyCredits/internal/http"
	"github.com/router-for-me/CLIProxyCredits/internal/keys"
	"github.com/router-for-me/CLIProxyCredits/internal/logging"
	"github.com/router-for-me/CLIProxyCredits/internal/models"
	"github.com/router-for-me/CLIProxyCredits/internal/reset"
	"github.com/router-for-me/CLIProxyCredits/internal/security"
	internalsettings "github.com/router-for-me/CLIProxyCredits/internal/settings"
	"github.com/router-for-me/CLIProxyCredits/internal/store"
	internalusage "github.com/router-for-me/CLIProxyCredits/internal/usage"
	"github.com/router-for-me/CLIProxyCredits/internal/validation"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

// components are the services built from one configuration.
type components struct {
	cfg       *config.Config
	conn      *gorm.DB
	location  *time.Location
	keyStore  *store.GormKeyStore
	syncer    *creditsync.Client
	resetSvc  *reset.Service
	scheduler *reset.Scheduler
	redis     *redis.Client
	logCloser io.Closer
}

func (c *components) close() {
	if c == nil {
		return
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if c.conn != nil {
		if sqlDB, errDB := c.conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	}
	if c.logCloser != nil {
		_ = c.logCloser.Close()
	}
}

// loadConfig resolves and loads the configuration.
func loadConfig(ctx context.Context, appCfg config.AppConfig) (*config.Config, error) {
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// bootstrap opens and migrates the database and builds the reset engine.
func bootstrap(ctx context.Context, appCfg config.AppConfig) (*components, error) {
	cfg, err := loadConfig(ctx, appCfg)
	if err != nil {
		return nil, err
	}
	logCloser, errLog := logging.Setup(cfg.Logging)
	if errLog != nil {
		return nil, errLog
	}
	loc := cfg.ResetLocation()

	conn, err := db.Open(cfg.Database.DSN, db.Options{TimeZone: loc})
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	c := &components{cfg: cfg, conn: conn, location: loc, logCloser: logCloser}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		c.close()
		return nil, errMigrate
	}
	if errRefresh := internalsettings.RefreshDBConfigSnapshot(ctx, conn); errRefresh != nil {
		log.WithError(errRefresh).Warn("load settings snapshot failed, using config values")
	}

	c.keyStore = store.NewGormKeyStore(conn)
	c.syncer = creditsync.NewClient(cfg.CreditsSync.BaseURL, cfg.CreditsSync.Timeout, loc)
	if !c.syncer.Enabled() {
		log.Warn("credits sync disabled: reset balances are kept locally only")
	}
	c.resetSvc = reset.NewService(conn, c.keyStore, c.syncer, reset.Options{
		Location:  loc,
		BatchSize: cfg.Reset.BatchSize,
		Target:    credit.ResetTarget(cfg.Reset.Target),
	})

	var locker reset.Locker
	if cfg.Redis.Addr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		errPing := c.redis.Ping(pingCtx).Err()
		cancel()
		if errPing != nil {
			log.WithError(errPing).Warn("redis unreachable, reset runs will not be coordinated across instances")
		}
		locker = reset.NewRedisLocker(c.redis, "", 0)
	}
	c.scheduler = reset.NewScheduler(c.resetSvc, cfg.Reset.Cron, locker)
	return c, nil
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	loaded, err := loadConfig(ctx, cfg)
	if err != nil {
		return err
	}
	conn, err := db.Open(loaded.Database.DSN, db.Options{TimeZone: loaded.ResetLocation()})
	if err != nil {
		return err
	}
	if sqlDB, errDB := conn.DB(); errDB == nil {
		defer sqlDB.Close()
	}
	return db.Migrate(conn)
}

// RunResetOnce performs one reset run and exits, for cron-less deployments.
func RunResetOnce(ctx context.Context, cfg config.AppConfig) (reset.RunReport, error) {
	c, err := bootstrap(ctx, cfg)
	if err != nil {
		return reset.RunReport{}, err
	}
	defer c.close()
	return c.scheduler.TriggerNow(ctx, models.ResetTriggerCLI)
}

// IssueAdminToken signs an admin JWT with the configured secret.
func IssueAdminToken(ctx context.Context, cfg config.AppConfig, username string) (string, error) {
	loaded, err := loadConfig(ctx, cfg)
	if err != nil {
		return "", err
	}
	if loaded.JWT.AdminSecret == "" {
		return "", errors.New("jwt.admin-secret (or jwt.secret) is not configured")
	}
	return security.GenerateAdminToken(loaded.JWT.AdminSecret, username, loaded.JWT.AdminExpiry)
}

// RunServer boots the credit API, the reset scheduler and the background cleaners, and blocks
// until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	c, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	validator := validation.NewValidator(c.keyStore)
	recorder := internalusage.NewRecorder(c.conn)
	keySvc := keys.NewService(c.conn, c.keyStore, store.NewGormCatalog(c.conn), c.syncer)

	if c.cfg.Reset.Disabled {
		log.Warn("daily credit reset disabled by configuration")
	} else if errStart := c.scheduler.Start(ctx); errStart != nil {
		return fmt.Errorf("start reset scheduler: %w", errStart)
	}
	defer c.scheduler.Stop()

	if pruner := internalusage.NewPruner(c.conn); pruner != nil {
		pruner.Start(ctx)
	}
	if watcher := internalsettings.NewWatcher(c.conn, 0); watcher != nil {
		watcher.Start(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	router := internalhttp.NewRouter(internalhttp.Dependencies{
		DB:        c.conn,
		Config:    c.cfg,
		Location:  c.location,
		Validator: validator,
		Recorder:  recorder,
		Keys:      keySvc,
		Reset:     c.resetSvc,
		Scheduler: c.scheduler,
	})
	srv := &http.Server{
		Addr:         c.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  c.cfg.Server.ReadTimeout,
		WriteTimeout: c.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("credits service listening on %s (reset zone %s)", srv.Addr, c.location)
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}

	log.Info("shutting down credits service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("shutdown: %w", errShutdown)
	}
	validator.Wait()
	return nil
}
