package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the config file nor the environment set a value.
const (
	DefaultConfigPath        = "config.yaml"
	DefaultListenAddr        = ":8318"
	DefaultDSN               = "file:data/credits.db"
	DefaultResetCron         = "0 0 * * *"
	DefaultResetTimeZone     = "Asia/Shanghai"
	DefaultResetBatchSize    = 100
	DefaultSyncTimeout       = 10 * time.Second
	DefaultAdminTokenExpiry  = 24 * time.Hour
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultLogFileMaxSizeMB  = 100
	DefaultLogFileMaxBackups = 7
	DefaultLogFileMaxAgeDays = 30
)

// Reset targets.
const (
	ResetTargetQuantum = "quantum"
	ResetTargetTotal   = "total"
)

// AppConfig carries command line inputs that locate the rest of the configuration.
type AppConfig struct {
	ConfigPath string
}

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server" env:", prefix=SERVER_"`
	Database    DatabaseConfig    `yaml:"database" env:", prefix=DATABASE_"`
	Redis       RedisConfig       `yaml:"redis" env:", prefix=REDIS_"`
	JWT         JWTConfig         `yaml:"jwt" env:", prefix=JWT_"`
	CreditsSync CreditsSyncConfig `yaml:"credits-sync" env:", prefix=CREDITS_SYNC_"`
	Reset       ResetConfig       `yaml:"reset" env:", prefix=RESET_"`
	Logging     LoggingConfig     `yaml:"logging" env:", prefix=LOG_"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR, overwrite"`
	ProxyToken   string        `yaml:"proxy-token" env:"PROXY_TOKEN, overwrite"` // Shared secret for the routing layer; empty disables the check.
	CORSOrigins  []string      `yaml:"cors-origins" env:"CORS_ORIGINS, overwrite"`
	ReadTimeout  time.Duration `yaml:"read-timeout" env:"READ_TIMEOUT, overwrite"`
	WriteTimeout time.Duration `yaml:"write-timeout" env:"WRITE_TIMEOUT, overwrite"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DSN, overwrite"`
}

// RedisConfig enables the cross-instance reset lock when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR, overwrite"`
	Password string `yaml:"password" env:"PASSWORD, overwrite"`
	DB       int    `yaml:"db" env:"DB, overwrite"`
}

// JWTConfig holds signing secrets for admin and user tokens.
type JWTConfig struct {
	Secret      string        `yaml:"secret" env:"SECRET, overwrite"`
	AdminSecret string        `yaml:"admin-secret" env:"ADMIN_SECRET, overwrite"`
	AdminExpiry time.Duration `yaml:"admin-expiry" env:"ADMIN_EXPIRY, overwrite"`
}

// CreditsSyncConfig points at the external credit cache.
type CreditsSyncConfig struct {
	BaseURL string        `yaml:"base-url" env:"BASE_URL, overwrite"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT, overwrite"`
}

// ResetConfig controls the daily reset schedule.
type ResetConfig struct {
	Disabled  bool   `yaml:"disabled" env:"DISABLED, overwrite"`
	Cron      string `yaml:"cron" env:"CRON, overwrite"`
	TimeZone  string `yaml:"timezone" env:"TIMEZONE, overwrite"`
	BatchSize int    `yaml:"batch-size" env:"BATCH_SIZE, overwrite"`
	Target    string `yaml:"target" env:"TARGET, overwrite"`
}

// LoggingConfig controls logrus output.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LEVEL, overwrite"`
	Format     string `yaml:"format" env:"FORMAT, overwrite"`
	File       string `yaml:"file" env:"FILE, overwrite"`
	MaxSizeMB  int    `yaml:"max-size-mb" env:"MAX_SIZE_MB, overwrite"`
	MaxBackups int    `yaml:"max-backups" env:"MAX_BACKUPS, overwrite"`
	MaxAgeDays int    `yaml:"max-age-days" env:"MAX_AGE_DAYS, overwrite"`
}

// ResolveConfigPath returns the config path from the flag, CONFIG_PATH or the default.
func ResolveConfigPath(path string) string {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv("CONFIG_PATH")); env != "" {
		return env
	}
	return DefaultConfigPath
}

// ConfigExists reports whether a config file exists at path.
func ConfigExists(path string) bool {
	info, errStat := os.Stat(path)
	return errStat == nil && !info.IsDir()
}

// Load reads the YAML file at path (when present), overlays the environment and validates.
func Load(ctx context.Context, path string) (*Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := &Config{}
	if ConfigExists(path) {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, errRead)
		}
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	}
	if errEnv := envconfig.Process(ctx, cfg); errEnv != nil {
		return nil, fmt.Errorf("config: env: %w", errEnv)
	}
	cfg.applyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// Parse builds a config from YAML bytes without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse: %w", errUnmarshal)
	}
	cfg.applyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = DefaultListenAddr
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		c.Database.DSN = DefaultDSN
	}
	if c.JWT.AdminSecret == "" {
		c.JWT.AdminSecret = c.JWT.Secret
	}
	if c.JWT.AdminExpiry <= 0 {
		c.JWT.AdminExpiry = DefaultAdminTokenExpiry
	}
	c.CreditsSync.BaseURL = strings.TrimRight(strings.TrimSpace(c.CreditsSync.BaseURL), "/")
	if c.CreditsSync.Timeout <= 0 {
		c.CreditsSync.Timeout = DefaultSyncTimeout
	}
	if strings.TrimSpace(c.Reset.Cron) == "" {
		c.Reset.Cron = DefaultResetCron
	}
	if strings.TrimSpace(c.Reset.TimeZone) == "" {
		c.Reset.TimeZone = DefaultResetTimeZone
	}
	if c.Reset.BatchSize <= 0 {
		c.Reset.BatchSize = DefaultResetBatchSize
	}
	c.Reset.Target = strings.ToLower(strings.TrimSpace(c.Reset.Target))
	if c.Reset.Target == "" {
		c.Reset.Target = ResetTargetQuantum
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = DefaultLogFileMaxSizeMB
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = DefaultLogFileMaxBackups
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = DefaultLogFileMaxAgeDays
	}
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil config")
	}
	if _, errLoc := time.LoadLocation(c.Reset.TimeZone); errLoc != nil {
		return fmt.Errorf("config: reset.timezone %q: %w", c.Reset.TimeZone, errLoc)
	}
	switch c.Reset.Target {
	case ResetTargetQuantum, ResetTargetTotal:
	default:
		return fmt.Errorf("config: reset.target must be %q or %q, got %q", ResetTargetQuantum, ResetTargetTotal, c.Reset.Target)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("config: logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.CreditsSync.BaseURL != "" && !strings.HasPrefix(c.CreditsSync.BaseURL, "http://") && !strings.HasPrefix(c.CreditsSync.BaseURL, "https://") {
		return fmt.Errorf("config: credits-sync.base-url must be an http(s) URL, got %q", c.CreditsSync.BaseURL)
	}
	return nil
}

// ResetLocation returns the loaded reset time zone, falling back to UTC.
func (c *Config) ResetLocation() *time.Location {
	if c == nil {
		return time.UTC
	}
	loc, errLoc := time.LoadLocation(c.Reset.TimeZone)
	if errLoc != nil {
		return time.UTC
	}
	return loc
}
