package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// DurabilityMode selects the journal and synchronous settings applied to every connection.
type DurabilityMode string

const (
	// DurabilityFull uses WAL with synchronous=FULL. Every commit survives power loss.
	DurabilityFull DurabilityMode = "full"
	// DurabilityNormal uses WAL with synchronous=NORMAL (default).
	// A commit may roll back after power loss but the database never corrupts.
	DurabilityNormal DurabilityMode = "normal"
	// DurabilityOff keeps the journal in memory and disables fsync. Only for scratch stores.
	DurabilityOff DurabilityMode = "off"
)

// MemoryStorePath is the store_path value that selects a private in-memory database
const MemoryStorePath = ":memory:"

// StorageConfig holds every option recognized by the storage layer
type StorageConfig struct {
	// StorePath is the database file (STRATA_STORE_PATH, default: ${data_dir}/strata.db)
	StorePath string `mapstructure:"store_path"`

	PoolSize          int           `mapstructure:"pool_size" validate:"min=1,max=256"`
	MaxConnections    int           `mapstructure:"max_connections" validate:"min=1,max=1024"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" validate:"min=0"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout" validate:"min=0"`
	BusyTimeout       time.Duration `mapstructure:"busy_timeout" validate:"min=0"`

	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" validate:"min=0"`

	EnableQueryCache bool          `mapstructure:"enable_query_cache"`
	QueryCacheSize   int           `mapstructure:"query_cache_size" validate:"min=1,max=1000000"`
	QueryCacheTTL    time.Duration `mapstructure:"query_cache_ttl" validate:"min=0"`

	EnableForeignKeys bool           `mapstructure:"enable_foreign_keys"`
	CacheSizePages    int            `mapstructure:"cache_size_pages"`
	DurabilityMode    DurabilityMode `mapstructure:"durability_mode" validate:"oneof=full normal off"`
	AutoReclaimSpace  bool           `mapstructure:"auto_reclaim_space"`

	MetricsHistorySize int `mapstructure:"metrics_history_size" validate:"min=1,max=1000000"`
	FetchBatchSize     int `mapstructure:"fetch_batch_size" validate:"min=1"`

	// OptimizeInterval schedules Optimize in long-running processes (0 disables)
	OptimizeInterval time.Duration `mapstructure:"optimize_interval" validate:"min=0"`
	// MetricsInterval is how often pool gauges are pushed to Prometheus
	MetricsInterval time.Duration `mapstructure:"metrics_interval" validate:"min=0"`
}

// LoggingConfig controls the zap logger built by bootstrap
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// Config holds all configuration for strata
type Config struct {
	// DataDir is the base data directory (STRATA_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`

	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DefaultStorageConfig returns the storage defaults used when no config file is present.
// Tests and embedding applications start from this and override individual fields.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		StorePath:           filepath.Join("data", "strata.db"),
		PoolSize:            5,
		MaxConnections:      10,
		ConnectionTimeout:   5 * time.Second,
		QueryTimeout:        30 * time.Second,
		BusyTimeout:         5 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		EnableQueryCache:    true,
		QueryCacheSize:      1000,
		QueryCacheTTL:       5 * time.Minute,
		EnableForeignKeys:   true,
		CacheSizePages:      -2000, // negative = KiB, about 2MB
		DurabilityMode:      DurabilityNormal,
		AutoReclaimSpace:    true,
		MetricsHistorySize:  1000,
		FetchBatchSize:      100,
		OptimizeInterval:    0,
		MetricsInterval:     15 * time.Second,
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultStorageConfig()

	v.SetDefault("data_dir", "./data")
	v.SetDefault("storage.store_path", "") // Empty = derive from data_dir
	v.SetDefault("storage.pool_size", d.PoolSize)
	v.SetDefault("storage.max_connections", d.MaxConnections)
	v.SetDefault("storage.connection_timeout", d.ConnectionTimeout)
	v.SetDefault("storage.query_timeout", d.QueryTimeout)
	v.SetDefault("storage.busy_timeout", d.BusyTimeout)
	v.SetDefault("storage.health_check_interval", d.HealthCheckInterval)
	v.SetDefault("storage.enable_query_cache", d.EnableQueryCache)
	v.SetDefault("storage.query_cache_size", d.QueryCacheSize)
	v.SetDefault("storage.query_cache_ttl", d.QueryCacheTTL)
	v.SetDefault("storage.enable_foreign_keys", d.EnableForeignKeys)
	v.SetDefault("storage.cache_size_pages", d.CacheSizePages)
	v.SetDefault("storage.durability_mode", string(d.DurabilityMode))
	v.SetDefault("storage.auto_reclaim_space", d.AutoReclaimSpace)
	v.SetDefault("storage.metrics_history_size", d.MetricsHistorySize)
	v.SetDefault("storage.fetch_batch_size", d.FetchBatchSize)
	v.SetDefault("storage.optimize_interval", d.OptimizeInterval)
	v.SetDefault("storage.metrics_interval", d.MetricsInterval)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix("STRATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for the settings operators change most
	_ = v.BindEnv("data_dir", "STRATA_DATA_DIR")
	_ = v.BindEnv("storage.store_path", "STRATA_STORE_PATH")
	_ = v.BindEnv("storage.pool_size", "STRATA_POOL_SIZE")
	_ = v.BindEnv("storage.max_connections", "STRATA_MAX_CONNECTIONS")
	_ = v.BindEnv("logging.level", "STRATA_LOG_LEVEL")
}

// LoadConfig loads configuration from file and environment variables.
// When configFile is empty, config.yaml is searched in "." and "./config";
// a missing file is not an error and defaults plus env vars are used.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)
	loadFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	config.ResolveDataPaths()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ResolveDataPaths derives the store path from DataDir if not explicitly set
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	switch {
	case c.Storage.StorePath == "":
		c.Storage.StorePath = filepath.Join(dataDir, "strata.db")
	case c.Storage.StorePath == MemoryStorePath:
	case !filepath.IsAbs(c.Storage.StorePath):
		c.Storage.StorePath = filepath.Clean(c.Storage.StorePath)
	}
}

var validate = validator.New()

func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		return err
	}
	return config.Storage.Validate()
}

// Validate checks the storage options, including rules that span fields
func (s StorageConfig) Validate() error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	if s.StorePath == "" {
		return fmt.Errorf("storage.store_path cannot be empty")
	}
	if s.PoolSize > s.MaxConnections {
		return fmt.Errorf("storage.pool_size (%d) must not exceed storage.max_connections (%d)", s.PoolSize, s.MaxConnections)
	}
	return nil
}

// IsMemory reports whether the store lives only in process memory
func (s StorageConfig) IsMemory() bool {
	return s.StorePath == MemoryStorePath
}
