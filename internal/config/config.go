// Package config loads agent settings from an optional YAML file, MEDSYNC_
// environment variables and defaults, and validates them against a CUE
// schema.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (MEDSYNC_PAGE_SIZE,
// MEDSYNC_LOG_LEVEL).
const EnvPrefix = "MEDSYNC"

// Storage engines.
const (
	StorageFile   = "file"
	StorageSQLite = "sqlite"
)

// Config is the agent configuration.
type Config struct {
	AppDir           string        `mapstructure:"app_dir"`
	Storage          string        `mapstructure:"storage"`
	Workers          int           `mapstructure:"workers"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	PageSize         int           `mapstructure:"page_size"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PushInterval     time.Duration `mapstructure:"push_interval"`
	AdminTypes       []string      `mapstructure:"admin_types"`
	ResourceTypes    []string      `mapstructure:"resource_types"`
	SubscriptionsDir string        `mapstructure:"subscriptions_dir"`
	Remote           RemoteConfig  `mapstructure:"remote"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	Log              LogConfig     `mapstructure:"log"`
}

// RemoteConfig selects the remote server. Only the fixture-backed remote
// is built in.
type RemoteConfig struct {
	Fixture string `mapstructure:"fixture"`
}

// LogConfig configures the logger and its optional rotating file sink.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_dir", "medsync-data")
	v.SetDefault("storage", StorageFile)
	v.SetDefault("workers", 4)
	v.SetDefault("lock_timeout", "100ms")
	v.SetDefault("max_retries", 3)
	v.SetDefault("page_size", 100)
	v.SetDefault("poll_interval", "5m")
	v.SetDefault("push_interval", "1m")
	v.SetDefault("admin_types", []string{"User", "SecurityRole"})
	v.SetDefault("resource_types", []string{"Patient", "Encounter", "Observation", "Location", "Organization", "User", "SecurityRole"})
	v.SetDefault("subscriptions_dir", "")
	v.SetDefault("remote.fixture", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
}

// Loader reads and re-reads one configuration source.
type Loader struct {
	v      *viper.Viper
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cfg *Config
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLogger sets the logger used to report rejected reloads.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader reads path (optional when empty) and validates the result.
func NewLoader(path string, opts ...LoaderOption) (*Loader, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}

	l := &Loader{v: v, path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.cfg = cfg
	return l, nil
}

// Load is NewLoader followed by Config.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config(), nil
}

// Config returns a copy of the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c := *l.cfg
	return &c
}

// Path returns the configuration file path, empty when none.
func (l *Loader) Path() string {
	return l.path
}

// Watch re-reads the file whenever it changes and calls fn with the new
// configuration. Invalid updates are logged and the previous configuration
// stays active. Watch is a no-op without a file.
func (l *Loader) Watch(fn func(cfg *Config, ev fsnotify.Event)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(ev fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			l.logger.Error("configuration update rejected, keeping previous", "path", l.path, "error", err)
			return
		}
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()
		l.logger.Info("configuration reloaded", "path", l.path, "op", ev.Op.String())
		fn(cfg, ev)
	})
	l.v.WatchConfig()
}

func (l *Loader) read() (*Config, error) {
	if l.path != "" {
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks c against the CUE schema plus the duration rules CUE
// cannot see.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if err := validateSchema(c); err != nil {
		return err
	}
	var errs []error
	if c.LockTimeout < 0 {
		errs = append(errs, fmt.Errorf("lock_timeout: must not be negative, got %s", c.LockTimeout))
	}
	if c.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("poll_interval: must not be negative, got %s", c.PollInterval))
	}
	if c.PushInterval < 0 {
		errs = append(errs, fmt.Errorf("push_interval: must not be negative, got %s", c.PushInterval))
	}
	return errors.Join(errs...)
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
