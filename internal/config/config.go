// Package config loads and validates pgsearchsync's runtime configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Search        SearchConfig        `mapstructure:"search"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Debug         bool                `mapstructure:"debug"`
}

// DatabaseConfig contains PostgreSQL connection settings. Two connection strings are
// derived: the runtime pool used for planner/builder reads, and the replication
// connection used to hold the logical decoding slot open (never the same handle,
// per the concurrency model's "Shared resources" requirement).
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheck     time.Duration `mapstructure:"health_check_period"`
}

// RuntimeConnectionString returns the pooled connection string used for snapshot
// reads, planner queries, and checkpoint/DLQ writes.
func (dc *DatabaseConfig) RuntimeConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		dc.User, dc.Password, dc.Host, dc.Port, dc.Database, dc.SSLMode)
}

// ReplicationConnectionString returns the connection string for the dedicated
// replication-protocol connection (`replication=database` so the server enters
// logical decoding mode for this session).
func (dc *DatabaseConfig) ReplicationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&replication=database",
		dc.User, dc.Password, dc.Host, dc.Port, dc.Database, dc.SSLMode)
}

// Validate validates database configuration.
func (dc *DatabaseConfig) Validate() error {
	if dc.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if dc.Port < 1 || dc.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535, got: %d", dc.Port)
	}
	if dc.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	if dc.Database == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if dc.MaxConnections < dc.MinConnections {
		return fmt.Errorf("max_connections (%d) cannot be less than min_connections (%d)", dc.MaxConnections, dc.MinConnections)
	}
	return nil
}

// SearchConfig contains destination search-index connection settings.
type SearchConfig struct {
	Addresses   []string      `mapstructure:"addresses"`    // e.g. ["https://localhost:9200"]
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	APIKey      string        `mapstructure:"api_key"`
	BulkTimeout time.Duration `mapstructure:"bulk_timeout"`
}

// Validate validates search configuration.
func (sc *SearchConfig) Validate() error {
	if len(sc.Addresses) == 0 {
		return fmt.Errorf("search addresses cannot be empty")
	}
	if sc.BulkTimeout <= 0 {
		return fmt.Errorf("search bulk_timeout must be positive, got: %v", sc.BulkTimeout)
	}
	return nil
}

// SyncConfig contains engine-wide tuning for the change-propagation pipeline.
type SyncConfig struct {
	SchemaDir           string        `mapstructure:"schema_dir"`            // directory of <index>.yaml schema tree documents
	QueueHighWaterMark  int           `mapstructure:"queue_high_water_mark"` // Work Queue back-pressure threshold
	QueueLowWaterMark   int           `mapstructure:"queue_low_water_mark"`
	BuilderBatchSize    int           `mapstructure:"builder_batch_size"`
	MaxSinkRetries      int           `mapstructure:"max_sink_retries"`
	MaxDBRetries        int           `mapstructure:"max_db_retries"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	ReplicationSlotHint string        `mapstructure:"replication_slot_hint"` // not read: slots are always named "<database>_<index>"
}

// Validate validates sync configuration.
func (sc *SyncConfig) Validate() error {
	if sc.SchemaDir == "" {
		return fmt.Errorf("sync schema_dir cannot be empty")
	}
	if sc.QueueHighWaterMark <= 0 {
		return fmt.Errorf("sync queue_high_water_mark must be positive, got: %d", sc.QueueHighWaterMark)
	}
	if sc.QueueLowWaterMark < 0 || sc.QueueLowWaterMark >= sc.QueueHighWaterMark {
		return fmt.Errorf("sync queue_low_water_mark (%d) must be non-negative and below queue_high_water_mark (%d)", sc.QueueLowWaterMark, sc.QueueHighWaterMark)
	}
	if sc.BuilderBatchSize <= 0 {
		return fmt.Errorf("sync builder_batch_size must be positive, got: %d", sc.BuilderBatchSize)
	}
	if sc.MaxSinkRetries < 0 {
		return fmt.Errorf("sync max_sink_retries cannot be negative, got: %d", sc.MaxSinkRetries)
	}
	if sc.MaxDBRetries < 0 {
		return fmt.Errorf("sync max_db_retries cannot be negative, got: %d", sc.MaxDBRetries)
	}
	return nil
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
}

// Validate validates tracing configuration.
func (tc *TracingConfig) Validate() error {
	if !tc.Enabled {
		return nil
	}
	if tc.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}
	if tc.SampleRate < 0 || tc.SampleRate > 1 {
		return fmt.Errorf("tracing sample_rate must be between 0.0 and 1.0, got: %f", tc.SampleRate)
	}
	return nil
}

// MetricsConfig contains Prometheus metrics exporter settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// Validate validates metrics configuration.
func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}
	if mc.Address == "" {
		return fmt.Errorf("metrics address cannot be empty")
	}
	if !strings.HasPrefix(mc.Path, "/") {
		return fmt.Errorf("metrics path must start with '/', got: %s", mc.Path)
	}
	return nil
}

// LoggingConfig contains ambient structured-logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

// Validate validates logging configuration.
func (lc *LoggingConfig) Validate() error {
	switch lc.Level {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("invalid logging level: %s", lc.Level)
	}
	switch lc.Format {
	case "json", "console", "":
	default:
		return fmt.Errorf("invalid logging format: %s (must be 'json' or 'console')", lc.Format)
	}
	return nil
}

// Validate validates the entire configuration tree.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("search config: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Load loads configuration from file, environment variables, and defaults.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		log.Debug().Msg("No .env file found - using environment variables and defaults")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PGSEARCHSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	configPaths := []string{
		"./pgsearchsync.yaml",
		"./pgsearchsync.yml",
		"./config/pgsearchsync.yaml",
		"/etc/pgsearchsync/pgsearchsync.yaml",
	}

	var configLoaded bool
	for _, configPath := range configPaths {
		if _, err := os.Stat(configPath); err == nil {
			viper.SetConfigFile(configPath)
			if err := viper.ReadInConfig(); err != nil {
				log.Warn().Err(err).Str("file", configPath).Msg("Config file found but could not be parsed, using environment variables and defaults")
			} else {
				log.Info().Str("file", configPath).Msg("Config file loaded")
				configLoaded = true
			}
			break
		}
	}
	if !configLoaded {
		log.Info().Msg("No config file found, using environment variables and defaults")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() error {
	locations := []string{".env", ".env.local", "../.env"}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}
	return fmt.Errorf("no .env file found")
}

func setDefaults() {
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.database", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 10)
	viper.SetDefault("database.min_connections", 2)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.health_check_period", "1m")

	viper.SetDefault("search.addresses", []string{"http://localhost:9200"})
	viper.SetDefault("search.bulk_timeout", "30s")

	viper.SetDefault("sync.schema_dir", "./schemas")
	viper.SetDefault("sync.queue_high_water_mark", 10000)
	viper.SetDefault("sync.queue_low_water_mark", 2000)
	viper.SetDefault("sync.builder_batch_size", 200)
	viper.SetDefault("sync.max_sink_retries", 5)
	viper.SetDefault("sync.max_db_retries", 5)
	viper.SetDefault("sync.retry_base_delay", "500ms")
	viper.SetDefault("sync.retry_max_delay", "30s")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.service_name", "pgsearchsync")
	viper.SetDefault("tracing.environment", "development")
	viper.SetDefault("tracing.sample_rate", 1.0)
	viper.SetDefault("tracing.insecure", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.address", ":9090")
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	viper.SetDefault("debug", false)
}
