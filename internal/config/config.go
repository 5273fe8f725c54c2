// Package config loads the process configuration from a YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/trialrules/internal/logger"
	"github.com/liamcoop/trialrules/store"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	EnvProduction = "production"
)

type Config struct {
	Env       string          `yaml:"env"` // development, test, production
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Study     StudyConfig     `yaml:"study"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // postgres, sqlite
	URL             string        `yaml:"url"`    // connection URL or SQLite file path
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// Migrate applies the embedded migrations on startup (postgres only)
	Migrate bool `yaml:"migrate"`
}

type StudyConfig struct {
	Path string `yaml:"path"`
	// CacheTTL reloads the study file once the loaded copy is older; zero
	// keeps it until an explicit reload
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	SampleRate int    `yaml:"sample_rate"`
}

// SchedulerConfig holds the robfig/cron schedules of the housekeeping tasks.
// An empty schedule disables the task.
type SchedulerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	CronSchedule       string        `yaml:"cron_schedule"`
	FileCleanup        string        `yaml:"file_cleanup_schedule"`
	SessionCleanup     string        `yaml:"session_cleanup_schedule"`
	MailDispatch       string        `yaml:"mail_dispatch_schedule"`
	FileMaxAge         time.Duration `yaml:"file_max_age"`
	SessionMaxIdle     time.Duration `yaml:"session_max_idle"`
	MailBatchSize      int           `yaml:"mail_batch_size"`
	SimulateMailOutput *bool         `yaml:"simulate_mail"`
}

// Default returns the configuration used for every key absent from the file
// and the environment
func Default() *Config {
	pool := store.DefaultPoolConfig()
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          DriverSQLite,
			URL:             "trialrules.db",
			MaxOpenConns:    pool.MaxOpenConns,
			MaxIdleConns:    pool.MaxIdleConns,
			ConnMaxLifetime: pool.ConnMaxLifetime,
			ConnMaxIdleTime: pool.ConnMaxIdleTime,
		},
		Study: StudyConfig{Path: "config/study.yaml"},
		Log:   LogConfig{Level: "INFO", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30, SampleRate: 1},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			CronSchedule:   "@every 1m",
			FileCleanup:    "@every 1h",
			SessionCleanup: "@every 10m",
			MailDispatch:   "@every 30s",
			FileMaxAge:     24 * time.Hour,
			SessionMaxIdle: 8 * time.Hour,
			MailBatchSize:  100,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
		if os.Getenv("DATABASE_DRIVER") == "" && isPostgresURL(v) {
			c.Database.Driver = DriverPostgres
		}
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("STUDY_CONFIG"); v != "" {
		c.Study.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Log.File = v
	}
	return nil
}

func isPostgresURL(v string) bool {
	return strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://")
}

// Validate checks the values that cannot be defaulted
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	if c.Study.Path == "" {
		errs = append(errs, errors.New("study path is required"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.FileMaxAge < 0 || c.Scheduler.SessionMaxIdle < 0 {
		errs = append(errs, errors.New("housekeeping max ages must not be negative"))
	}
	return errors.Join(errs...)
}

// Simulate reports whether mails are simulated instead of sent. Outside
// production mails are always simulated unless configured otherwise.
func (c *Config) Simulate() bool {
	if c.Scheduler.SimulateMailOutput != nil {
		return *c.Scheduler.SimulateMailOutput
	}
	return c.Env != EnvProduction
}

// Pool returns the connection pool settings of the SQL store
func (c *Config) Pool() store.PoolConfig {
	return store.PoolConfig{
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
	}
}

// LoggerOptions maps the log section onto logger.Setup
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:       c.Log.Level,
		Format:      c.Log.Format,
		File:        c.Log.File,
		MaxSizeMB:   c.Log.MaxSizeMB,
		MaxBackups:  c.Log.MaxBackups,
		MaxAgeDays:  c.Log.MaxAgeDays,
		SampleRate:  c.Log.SampleRate,
		OTEL:        strings.EqualFold(os.Getenv("OTEL_ENABLED"), "true"),
		ServiceName: os.Getenv("OTEL_SERVICE_NAME"),
	}
}
