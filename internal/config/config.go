package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Zero values fall back to the
// documented defaults during Load.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Token     TokenConfig     `yaml:"token"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Security  SecurityConfig  `yaml:"security"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StorageConfig struct {
	Backend        string         `yaml:"backend"` // file | redis | postgres | mongodb
	DataDir        string         `yaml:"data_dir"`
	LockTimeoutSec int            `yaml:"lock_timeout_sec"`
	Redis          RedisConfig    `yaml:"redis"`
	Postgres       PostgresConfig `yaml:"postgres"`
	Mongo          MongoConfig    `yaml:"mongodb"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type TokenConfig struct {
	SaveDelayMs       int `yaml:"save_delay_ms"`
	ReloadIntervalSec int `yaml:"reload_interval_sec"`
}

type UpstreamConfig struct {
	BaseURL            string `yaml:"base_url"`
	ProxyURL           string `yaml:"proxy_url"`
	CFClearance        string `yaml:"cf_clearance"`
	DynamicStatsig     bool   `yaml:"dynamic_statsig"`
	TimeoutSec         int    `yaml:"timeout_sec"`
	UsageMaxConcurrent int    `yaml:"usage_max_concurrent"`
	UsageModel         string `yaml:"usage_model"`
}

type SchedulerConfig struct {
	Enabled              *bool `yaml:"enabled"`
	RefreshIntervalHours int   `yaml:"refresh_interval_hours"`
}

type SecurityConfig struct {
	AdminKey           string `yaml:"admin_key"`
	AdminKeyHash       string `yaml:"admin_key_hash"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
	File   string `yaml:"file"`
}

// Default returns a configuration populated with every default value.
func Default() *Config {
	enabled := true
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8180},
		Storage: StorageConfig{
			Backend:        "file",
			DataDir:        "data",
			LockTimeoutSec: 10,
		},
		Token: TokenConfig{
			SaveDelayMs:       500,
			ReloadIntervalSec: 30,
		},
		Upstream: UpstreamConfig{
			BaseURL:            "https://grok.com",
			DynamicStatsig:     true,
			TimeoutSec:         10,
			UsageMaxConcurrent: 25,
		},
		Scheduler: SchedulerConfig{
			Enabled:              &enabled,
			RefreshIntervalHours: 8,
		},
		Security: SecurityConfig{
			RateLimitPerMinute: 120,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads YAML config from path (optional), layers GROK2API_* environment
// overrides on top, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			log.WithField("path", path).Warn("config file not found, using defaults")
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse YAML: %w", err)
			}
			log.WithField("path", path).Info("configuration loaded")
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			} else {
				log.Warnf("config: ignoring non-numeric %s=%q", key, v)
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}

	setStr(&c.Server.Host, "GROK2API_HOST")
	setInt(&c.Server.Port, "GROK2API_PORT")

	setStr(&c.Storage.Backend, "GROK2API_STORAGE_BACKEND")
	setStr(&c.Storage.DataDir, "GROK2API_DATA_DIR")
	setInt(&c.Storage.LockTimeoutSec, "GROK2API_LOCK_TIMEOUT_SEC")
	setStr(&c.Storage.Redis.Addr, "GROK2API_REDIS_ADDR")
	setStr(&c.Storage.Redis.Password, "GROK2API_REDIS_PASSWORD")
	setInt(&c.Storage.Redis.DB, "GROK2API_REDIS_DB")
	setStr(&c.Storage.Postgres.DSN, "GROK2API_POSTGRES_DSN")
	setStr(&c.Storage.Mongo.URI, "GROK2API_MONGO_URI")
	setStr(&c.Storage.Mongo.Database, "GROK2API_MONGO_DATABASE")

	setInt(&c.Token.SaveDelayMs, "GROK2API_SAVE_DELAY_MS")
	setInt(&c.Token.ReloadIntervalSec, "GROK2API_RELOAD_INTERVAL_SEC")

	setStr(&c.Upstream.BaseURL, "GROK2API_UPSTREAM_BASE_URL")
	setStr(&c.Upstream.ProxyURL, "GROK2API_PROXY_URL")
	setStr(&c.Upstream.CFClearance, "GROK2API_CF_CLEARANCE")
	setBool(&c.Upstream.DynamicStatsig, "GROK2API_DYNAMIC_STATSIG")
	setInt(&c.Upstream.TimeoutSec, "GROK2API_UPSTREAM_TIMEOUT_SEC")
	setInt(&c.Upstream.UsageMaxConcurrent, "GROK2API_USAGE_MAX_CONCURRENT")

	setInt(&c.Scheduler.RefreshIntervalHours, "GROK2API_REFRESH_INTERVAL_HOURS")
	if v, ok := os.LookupEnv("GROK2API_SCHEDULER_ENABLED"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.Scheduler.Enabled = &b
		}
	}

	setStr(&c.Security.AdminKey, "GROK2API_ADMIN_KEY")
	setStr(&c.Security.AdminKeyHash, "GROK2API_ADMIN_KEY_HASH")
	setInt(&c.Security.RateLimitPerMinute, "GROK2API_RATE_LIMIT_PER_MINUTE")

	setStr(&c.Log.Level, "GROK2API_LOG_LEVEL")
	setStr(&c.Log.Format, "GROK2API_LOG_FORMAT")
	setStr(&c.Log.File, "GROK2API_LOG_FILE")
}

// Validate rejects configurations that cannot produce a working server.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Storage.Backend {
	case "", "file":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the file backend")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	case "mongodb":
		if c.Storage.Mongo.URI == "" {
			return fmt.Errorf("storage.mongodb.uri is required for the mongodb backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	if c.Token.SaveDelayMs < 0 {
		return fmt.Errorf("token.save_delay_ms must be >= 0")
	}
	return nil
}

// SchedulerEnabled resolves the enabled flag, defaulting to true.
func (c *Config) SchedulerEnabled() bool {
	if c.Scheduler.Enabled == nil {
		return true
	}
	return *c.Scheduler.Enabled
}

// SaveDelay returns the debounce delay as a duration.
func (c *Config) SaveDelay() time.Duration {
	return time.Duration(c.Token.SaveDelayMs) * time.Millisecond
}

// LockTimeout returns the named-lock acquisition timeout.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Storage.LockTimeoutSec) * time.Second
}

// ReloadInterval returns the cross-instance staleness window.
func (c *Config) ReloadInterval() time.Duration {
	return time.Duration(c.Token.ReloadIntervalSec) * time.Second
}

// RefreshInterval returns the scheduler cycle period.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Scheduler.RefreshIntervalHours) * time.Hour
}

// UpstreamTimeout returns the per-request upstream timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSec) * time.Second
}
