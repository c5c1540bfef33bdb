// Package config loads the PACS client subsystem's configuration from a
// YAML file with environment-variable overrides, following the
// layered default/file/env pattern used across the example pack's
// database configuration (internal/database.Config in the kubernaut
// reference repo): a DefaultConfig() baseline, an optional file merge,
// then environment overrides, validated before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig holds the Postgres connection and pooling parameters
// consumed by pkg/repository.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// ConnectionString builds a libpq key=value DSN, omitting password when
// unset.
func (c DatabaseConfig) ConnectionString() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode)
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	return dsn
}

// Validate reports the first configuration defect found, if any.
func (c DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535")
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max open connections must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections must be non-negative")
	}
	return nil
}

// ConnectionPoolConfig parameterizes pkg/connpool (spec §4.1).
type ConnectionPoolConfig struct {
	MinSize           int           `yaml:"min_size"`
	MaxSize           int           `yaml:"max_size"`
	BorrowTimeout     time.Duration `yaml:"borrow_timeout"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
	ValidationInterval time.Duration `yaml:"validation_interval"`
	ValidateOnBorrow  bool          `yaml:"validate_on_borrow"`
	ValidateOnReturn  bool          `yaml:"validate_on_return"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
}

// Validate reports the first configuration defect found, if any.
func (c ConnectionPoolConfig) Validate() error {
	if c.MinSize < 0 {
		return fmt.Errorf("connection pool min_size must be non-negative")
	}
	if c.MaxSize <= 0 || c.MaxSize < c.MinSize {
		return fmt.Errorf("connection pool max_size must be positive and >= min_size")
	}
	if c.BorrowTimeout <= 0 {
		return fmt.Errorf("connection pool borrow_timeout must be positive")
	}
	return nil
}

// RetryConfig parameterizes pkg/resilience's retry policy (spec §4.2).
type RetryConfig struct {
	Strategy     string        `yaml:"strategy"` // fixed, linear, exponential, exponential_jitter, fibonacci
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// CircuitBreakerConfig parameterizes pkg/resilience's breaker (spec
// §4.2).
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

// JobManagerConfig parameterizes pkg/jobmanager (spec §4.5).
type JobManagerConfig struct {
	Workers              int           `yaml:"workers"`
	QueueCapacity        int           `yaml:"queue_capacity"`
	ProgressFlushInterval time.Duration `yaml:"progress_flush_interval"`
	MaxConcurrentPerNode int           `yaml:"max_concurrent_per_node"`
}

// NodeManagerConfig parameterizes pkg/nodemanager (spec §4.4).
type NodeManagerConfig struct {
	HealthInterval     time.Duration `yaml:"health_interval"`
	VerifyConcurrency  int           `yaml:"verify_concurrency"`
}

// RoutingConfig parameterizes pkg/routing (spec §4.6).
type RoutingConfig struct {
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

// PrefetchConfig parameterizes pkg/prefetch (spec §4.7).
type PrefetchConfig struct {
	ScheduleTick time.Duration `yaml:"schedule_tick"`
}

// SyncManagerConfig parameterizes pkg/syncmgr (spec §4.8).
type SyncManagerConfig struct {
	DefaultCycleInterval time.Duration `yaml:"default_cycle_interval"`
}

// Config is the root configuration object for the pacsd daemon.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`

	Database       DatabaseConfig       `yaml:"database"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	JobManager     JobManagerConfig     `yaml:"job_manager"`
	NodeManager    NodeManagerConfig    `yaml:"node_manager"`
	Routing        RoutingConfig        `yaml:"routing"`
	Prefetch       PrefetchConfig       `yaml:"prefetch"`
	SyncManager    SyncManagerConfig    `yaml:"sync_manager"`
}

// DefaultConfig returns the baseline configuration applied before any
// file or environment overrides.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogJSON:  false,
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "pacs",
			Database:        "pacs_client",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		ConnectionPool: ConnectionPoolConfig{
			MinSize:            2,
			MaxSize:            16,
			BorrowTimeout:      5 * time.Second,
			MaxIdleTime:        2 * time.Minute,
			ValidationInterval: 30 * time.Second,
			ValidateOnBorrow:   true,
			ValidateOnReturn:   false,
			ShutdownGrace:      10 * time.Second,
		},
		Retry: RetryConfig{
			Strategy:     "exponential_jitter",
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
			MaxAttempts:  5,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenDuration:     30 * time.Second,
		},
		JobManager: JobManagerConfig{
			Workers:               8,
			QueueCapacity:         1000,
			ProgressFlushInterval: time.Second,
			MaxConcurrentPerNode:  4,
		},
		NodeManager: NodeManagerConfig{
			HealthInterval:    30 * time.Second,
			VerifyConcurrency: 4,
		},
		Routing: RoutingConfig{
			ReloadInterval: time.Minute,
		},
		Prefetch: PrefetchConfig{
			ScheduleTick: 30 * time.Second,
		},
		SyncManager: SyncManagerConfig{
			DefaultCycleInterval: 5 * time.Minute,
		},
	}
}

// LoadFile merges YAML file contents onto c. A missing file is not an
// error; callers typically call DefaultConfig, then LoadFile, then
// LoadFromEnv.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overrides database fields from DB_* environment
// variables, mirroring the override surface of a conventional 12-factor
// deployment. Invalid values are ignored, leaving the prior value
// intact.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.Database.SSLMode = v
	}
	if v := os.Getenv("PACS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the database and connection-pool sub-configs and the
// job manager's worker count and queue capacity, returning the first
// defect found. The other sub-configs are not validated.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if err := c.ConnectionPool.Validate(); err != nil {
		return err
	}
	if c.JobManager.Workers <= 0 {
		return fmt.Errorf("job_manager workers must be greater than 0")
	}
	if c.JobManager.QueueCapacity <= 0 {
		return fmt.Errorf("job_manager queue_capacity must be greater than 0")
	}
	return nil
}

// Load is the conventional entrypoint: defaults, then an optional file,
// then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
