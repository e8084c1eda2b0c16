package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/devrev/guildstore/internal/kvcache"
	"github.com/devrev/guildstore/internal/validation"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the document store
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Disk    DiskConfig    `yaml:"disk"`
	Cache   CacheConfig   `yaml:"cache"`
	Watcher WatcherConfig `yaml:"watcher"`
	Repair  RepairConfig  `yaml:"repair"`
	Metrics MetricsConfig `yaml:"metrics"`
	KVCache KVCacheConfig `yaml:"kvcache"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds document storage configuration
type StorageConfig struct {
	DataDir         string `yaml:"data_dir"`
	TenantIDFormat  string `yaml:"tenant_id_format"`
	MaxSaveAttempts int    `yaml:"max_save_attempts"`
	SyncDir         *bool  `yaml:"sync_dir"`
	ProcessLock     bool   `yaml:"process_lock"`
	// FileMode is an octal permission string such as "0644"
	FileMode string `yaml:"file_mode"`
}

// DiskConfig holds disk space thresholds, in percent
type DiskConfig struct {
	CheckInterval           time.Duration `yaml:"check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// CacheConfig holds document cache configuration
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// WatcherConfig holds data directory watcher configuration
type WatcherConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RepairConfig holds repair sweep configuration
type RepairConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// KVCacheConfig holds ephemeral key-value cache configuration
type KVCacheConfig struct {
	Backend    string        `yaml:"backend"`
	KeyPrefix  string        `yaml:"key_prefix"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadConfigOrDefault is LoadConfig, except that a missing file yields
// the defaults.
func LoadConfigOrDefault(filePath string) (*Config, error) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return Default(), nil
	}
	return LoadConfig(filePath)
}

// Parse parses YAML configuration, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{
		Cache:   CacheConfig{Enabled: true},
		Metrics: MetricsConfig{Enabled: true},
	}
	setDefaults(cfg)
	return cfg
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.TenantIDFormat == "" {
		cfg.Storage.TenantIDFormat = string(validation.FormatSnowflake)
	}
	if cfg.Storage.MaxSaveAttempts == 0 {
		cfg.Storage.MaxSaveAttempts = 5
	}
	if cfg.Storage.SyncDir == nil {
		syncDir := true
		cfg.Storage.SyncDir = &syncDir
	}
	if cfg.Storage.FileMode == "" {
		cfg.Storage.FileMode = "0644"
	}

	if cfg.Disk.CheckInterval == 0 {
		cfg.Disk.CheckInterval = 10 * time.Second
	}
	if cfg.Disk.WarningThreshold == 0 {
		cfg.Disk.WarningThreshold = 80
	}
	if cfg.Disk.ThrottleThreshold == 0 {
		cfg.Disk.ThrottleThreshold = 90
	}
	if cfg.Disk.CircuitBreakerThreshold == 0 {
		cfg.Disk.CircuitBreakerThreshold = 95
	}

	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = 2000
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 60 * time.Second
	}

	if cfg.Repair.Workers == 0 {
		cfg.Repair.Workers = 4
	}
	if cfg.Repair.QueueSize == 0 {
		cfg.Repair.QueueSize = 64
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.ShutdownTimeout == 0 {
		cfg.Metrics.ShutdownTimeout = 10 * time.Second
	}

	if cfg.KVCache.Backend == "" {
		cfg.KVCache.Backend = kvcache.BackendMemory
	}
	if cfg.KVCache.KeyPrefix == "" {
		cfg.KVCache.KeyPrefix = "guildstore:"
	}
	if cfg.KVCache.DefaultTTL == 0 {
		cfg.KVCache.DefaultTTL = 10 * time.Minute
	}
	if cfg.KVCache.Redis.Host == "" {
		cfg.KVCache.Redis.Host = "localhost"
	}
	if cfg.KVCache.Redis.Port == 0 {
		cfg.KVCache.Redis.Port = 6379
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := validation.ParseFormat(c.Storage.TenantIDFormat); err != nil {
		return fmt.Errorf("storage.tenant_id_format: %w", err)
	}
	if c.Storage.MaxSaveAttempts < 1 {
		return fmt.Errorf("storage.max_save_attempts must be at least 1")
	}
	if _, err := c.Storage.Mode(); err != nil {
		return err
	}

	d := c.Disk
	for name, v := range map[string]float64{
		"disk.warning_threshold":         d.WarningThreshold,
		"disk.throttle_threshold":        d.ThrottleThreshold,
		"disk.circuit_breaker_threshold": d.CircuitBreakerThreshold,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be between 0 and 100", name)
		}
	}
	if d.WarningThreshold > d.ThrottleThreshold || d.ThrottleThreshold > d.CircuitBreakerThreshold {
		return fmt.Errorf("disk thresholds must satisfy warning <= throttle <= circuit_breaker")
	}

	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}

	switch c.KVCache.Backend {
	case kvcache.BackendMemory, kvcache.BackendRedis:
	default:
		return fmt.Errorf("kvcache.backend must be %q or %q", kvcache.BackendMemory, kvcache.BackendRedis)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}

	return nil
}

// Mode parses FileMode
func (s StorageConfig) Mode() (os.FileMode, error) {
	mode, err := strconv.ParseUint(s.FileMode, 8, 32)
	if err != nil || mode > 0777 {
		return 0, fmt.Errorf("storage.file_mode %q is not an octal permission", s.FileMode)
	}
	return os.FileMode(mode), nil
}

// KVCacheClientConfig converts the kvcache section for kvcache.New
func (c *Config) KVCacheClientConfig() *kvcache.Config {
	return &kvcache.Config{
		Backend:    c.KVCache.Backend,
		KeyPrefix:  c.KVCache.KeyPrefix,
		DefaultTTL: c.KVCache.DefaultTTL,
		Redis: kvcache.RedisConfig{
			Host:     c.KVCache.Redis.Host,
			Port:     c.KVCache.Redis.Port,
			Password: c.KVCache.Redis.Password,
			DB:       c.KVCache.Redis.DB,
		},
	}
}
