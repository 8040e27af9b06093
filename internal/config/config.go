package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config captures every setting required to boot the governance engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	MetricStore   MetricStoreConfig   `yaml:"metricStore"`
	Database      DatabaseConfig      `yaml:"database"`
	Logging       LoggingConfig       `yaml:"logging"`
	Cache         CacheConfig         `yaml:"cache"`
	Analysis      AnalysisConfig      `yaml:"analysis"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Locks         LocksConfig         `yaml:"locks"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Audit         AuditConfig         `yaml:"audit"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// MetricStoreConfig configures access to the extraction pipeline's metric history API.
type MetricStoreConfig struct {
	BaseURL        string        `yaml:"baseURL"`
	HistoryPath    string        `yaml:"historyPath"`
	PropertiesPath string        `yaml:"propertiesPath"`
	Timeout        time.Duration `yaml:"timeout"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	AutoMigrate     bool          `yaml:"autoMigrate"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls the Redis-backed history cache and property leases.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	HistoryTTL   time.Duration `yaml:"historyTTL"`
	LeaseTTL     time.Duration `yaml:"leaseTTL"`
}

// AnalysisConfig tunes the statistical analyzers and the classifier.
type AnalysisConfig struct {
	Method             string        `yaml:"method"`
	ZScoreThreshold    float64       `yaml:"zScoreThreshold"`
	CUSUMThreshold     float64       `yaml:"cusumThreshold"`
	CUSUMSlack         float64       `yaml:"cusumSlack"`
	MinSamples         int           `yaml:"minSamples"`
	LookbackMonths     int           `yaml:"lookbackMonths"`
	AlertConfidence    float64       `yaml:"alertConfidence"`
	CriticalConfidence float64       `yaml:"criticalConfidence"`
	Workers            int           `yaml:"workers"`
	Metrics            []string      `yaml:"metrics"`
	RunTimeout         time.Duration `yaml:"runTimeout"`
}

// AlertsConfig controls alert generation.
type AlertsConfig struct {
	DefaultTTL time.Duration `yaml:"defaultTTL"`
	RulesPath  string        `yaml:"rulesPath"`
}

// LocksConfig controls the workflow lock engine.
type LocksConfig struct {
	AutoCreate         bool     `yaml:"autoCreate"`
	LockableSeverities []string `yaml:"lockableSeverities"`
	ExpiryAgeDays      int      `yaml:"expiryAgeDays"`
}

// SchedulerConfig controls the periodic batch jobs.
type SchedulerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	AnalysisInterval    time.Duration `yaml:"analysisInterval"`
	AlertExpiryInterval time.Duration `yaml:"alertExpiryInterval"`
	LockExpiryInterval  time.Duration `yaml:"lockExpiryInterval"`
	JobTimeout          time.Duration `yaml:"jobTimeout"`
}

// AuditConfig selects where audit facts are written.
type AuditConfig struct {
	FilePath   string `yaml:"filePath"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// NotificationsConfig controls the "notification due" fan-out.
type NotificationsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Channel string `yaml:"channel"`
}

// Load initialises Config from an optional .env file, a YAML file and environment overrides.
func Load(path string) (*Config, error) {
	// A missing .env is the common case outside local development.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("MIRADOR_GOV_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		MetricStore: MetricStoreConfig{
			HistoryPath:    "/api/v1/metrics/history",
			PropertiesPath: "/api/v1/properties",
			Timeout:        5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			HistoryTTL:   10 * time.Minute,
			LeaseTTL:     30 * time.Second,
		},
		Analysis: AnalysisConfig{
			Method:             "combination",
			ZScoreThreshold:    2.5,
			CUSUMThreshold:     5.0,
			CUSUMSlack:         0.5,
			MinSamples:         3,
			LookbackMonths:     12,
			AlertConfidence:    0.70,
			CriticalConfidence: 0.85,
			Workers:            4,
			Metrics:            []string{"dscr", "occupancy", "expense_ratio", "ltv", "debt_yield"},
			RunTimeout:         30 * time.Second,
		},
		Alerts: AlertsConfig{
			DefaultTTL: 30 * 24 * time.Hour,
			RulesPath:  "configs/rules/default.yaml",
		},
		Locks: LocksConfig{
			AutoCreate:         true,
			LockableSeverities: []string{"critical"},
			ExpiryAgeDays:      90,
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			AnalysisInterval:    24 * time.Hour,
			AlertExpiryInterval: time.Hour,
			LockExpiryInterval:  time.Hour,
			JobTimeout:          30 * time.Minute,
		},
		Audit: AuditConfig{
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 365,
			Compress:   true,
		},
		Notifications: NotificationsConfig{
			Enabled: true,
			Channel: "governance:notifications",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_GOV_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_GOV_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_GOV_METRIC_STORE_URL"); v != "" {
		cfg.MetricStore.BaseURL = v
	}
	if v := os.Getenv("MIRADOR_GOV_METRIC_STORE_HISTORY_PATH"); v != "" {
		cfg.MetricStore.HistoryPath = v
	}
	if v := os.Getenv("MIRADOR_GOV_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("MIRADOR_GOV_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("MIRADOR_GOV_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_GOV_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("MIRADOR_GOV_RULES_PATH"); v != "" {
		cfg.Alerts.RulesPath = v
	}
	if v := os.Getenv("MIRADOR_GOV_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_GOV_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("MIRADOR_GOV_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("MIRADOR_GOV_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("MIRADOR_GOV_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_GOV_CACHE_TLS"); v != "" {
		cfg.Cache.TLS = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_GOV_Z_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Analysis.ZScoreThreshold = f
		}
	}
	if v := os.Getenv("MIRADOR_GOV_CUSUM_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Analysis.CUSUMThreshold = f
		}
	}
	if v := os.Getenv("MIRADOR_GOV_ALERT_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Analysis.AlertConfidence = f
		}
	}
	if v := os.Getenv("MIRADOR_GOV_ANALYSIS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.Workers = n
		}
	}
	if v := os.Getenv("MIRADOR_GOV_LOCK_EXPIRY_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Locks.ExpiryAgeDays = n
		}
	}
	if v := os.Getenv("MIRADOR_GOV_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = parseBool(v)
	}
	if v := os.Getenv("MIRADOR_GOV_AUDIT_FILE"); v != "" {
		cfg.Audit.FilePath = v
	}
	if v := os.Getenv("MIRADOR_GOV_JOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.JobTimeout = d
		}
	}
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
