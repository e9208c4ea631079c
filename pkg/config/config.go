package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Store    StoreConfig    `json:"store"`
	Pool     PoolConfig     `json:"pool"`
	Cache    CacheConfig    `json:"cache"`
	Queue    QueueConfig    `json:"queue"`
	Workers  WorkersConfig  `json:"workers"`
	Retry    RetryConfig    `json:"retry"`
	Budget   BudgetConfig   `json:"budget"`
	Decision DecisionConfig `json:"decision"`
	Logging  LoggingConfig  `json:"logging"`
	Health   HealthConfig   `json:"health"`
	Tracing  TracingConfig  `json:"tracing"`
}

// StoreConfig contains durable store configuration
type StoreConfig struct {
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busy_timeout"`
}

// PoolConfig contains resource pool configuration
type PoolConfig struct {
	MinSize             int           `json:"min_size"`
	MaxSize             int           `json:"max_size"`
	AcquireTimeout      time.Duration `json:"acquire_timeout"`
	MaxIdleTime         time.Duration `json:"max_idle_time"`
	MaintenanceInterval time.Duration `json:"maintenance_interval"`
}

// CacheConfig contains result cache configuration
type CacheConfig struct {
	MaxSize    int           `json:"max_size"`
	DefaultTTL time.Duration `json:"default_ttl"`
}

// QueueConfig contains durable queue configuration
type QueueConfig struct {
	ClaimWait       time.Duration `json:"claim_wait"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	RetainTerminal  time.Duration `json:"retain_terminal"`
}

// WorkersConfig contains worker pool and autoscaling configuration
type WorkersConfig struct {
	MinWorkers         int           `json:"min_workers"`
	MaxWorkers         int           `json:"max_workers"`
	MonitorInterval    time.Duration `json:"monitor_interval"`
	ScaleUpQueueDepth  float64       `json:"scale_up_queue_depth"`
	ScaleDownIdleTime  time.Duration `json:"scale_down_idle_time"`
	CPUThreshold       float64       `json:"cpu_threshold"`
	ShutdownTimeout    time.Duration `json:"shutdown_timeout"`
	TaskTimeout        time.Duration `json:"task_timeout"`
}

// RetryConfig contains default retry policy configuration
type RetryConfig struct {
	MaxRetries       int           `json:"max_retries"`
	BaseDelay        time.Duration `json:"base_delay"`
	MaxDelay         time.Duration `json:"max_delay"`
	BackoffFactor    float64       `json:"backoff_factor"`
	Jitter           bool          `json:"jitter"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	HalfOpenAttempts int           `json:"half_open_attempts"`
}

// BudgetConfig contains error budget configuration
type BudgetConfig struct {
	BudgetPerHour     int     `json:"budget_per_hour"`
	WarningThreshold  float64 `json:"warning_threshold"`
	CriticalThreshold float64 `json:"critical_threshold"`
}

// DecisionConfig contains confidence executor configuration
type DecisionConfig struct {
	ImmediateThreshold  float64 `json:"immediate_threshold"`
	MonitoredThreshold  float64 `json:"monitored_threshold"`
	ReversibleThreshold float64 `json:"reversible_threshold"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// HealthConfig contains health/metrics endpoint configuration
type HealthConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Store: StoreConfig{
			Path:        getEnvString("STORE_PATH", "keel.db"),
			BusyTimeout: getEnvDuration("STORE_BUSY_TIMEOUT", 5*time.Second),
		},
		Pool: PoolConfig{
			MinSize:             getEnvInt("POOL_MIN_SIZE", 2),
			MaxSize:             getEnvInt("POOL_MAX_SIZE", 10),
			AcquireTimeout:      getEnvDuration("POOL_ACQUIRE_TIMEOUT", 5*time.Second),
			MaxIdleTime:         getEnvDuration("POOL_MAX_IDLE_TIME", 5*time.Minute),
			MaintenanceInterval: getEnvDuration("POOL_MAINTENANCE_INTERVAL", 30*time.Second),
		},
		Cache: CacheConfig{
			MaxSize:    getEnvInt("CACHE_MAX_SIZE", 1000),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
		},
		Queue: QueueConfig{
			ClaimWait:       getEnvDuration("QUEUE_CLAIM_WAIT", 1*time.Second),
			CleanupInterval: getEnvDuration("QUEUE_CLEANUP_INTERVAL", 1*time.Hour),
			RetainTerminal:  getEnvDuration("QUEUE_RETAIN_TERMINAL", 24*time.Hour),
		},
		Workers: WorkersConfig{
			MinWorkers:        getEnvInt("WORKERS_MIN", 1),
			MaxWorkers:        getEnvInt("WORKERS_MAX", 8),
			MonitorInterval:   getEnvDuration("WORKERS_MONITOR_INTERVAL", 10*time.Second),
			ScaleUpQueueDepth: getEnvFloat("WORKERS_SCALE_UP_QUEUE_DEPTH", 3.0),
			ScaleDownIdleTime: getEnvDuration("WORKERS_SCALE_DOWN_IDLE_TIME", 2*time.Minute),
			CPUThreshold:      getEnvFloat("WORKERS_CPU_THRESHOLD", 80.0),
			ShutdownTimeout:   getEnvDuration("WORKERS_SHUTDOWN_TIMEOUT", 30*time.Second),
			TaskTimeout:       getEnvDuration("WORKERS_TASK_TIMEOUT", 10*time.Minute),
		},
		Retry: RetryConfig{
			MaxRetries:       getEnvInt("RETRY_MAX_RETRIES", 3),
			BaseDelay:        getEnvDuration("RETRY_BASE_DELAY", 1*time.Second),
			MaxDelay:         getEnvDuration("RETRY_MAX_DELAY", 60*time.Second),
			BackoffFactor:    getEnvFloat("RETRY_BACKOFF_FACTOR", 2.0),
			Jitter:           getEnvBool("RETRY_JITTER", true),
			FailureThreshold: getEnvInt("RETRY_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("RETRY_RECOVERY_TIMEOUT", 60*time.Second),
			HalfOpenAttempts: getEnvInt("RETRY_HALF_OPEN_ATTEMPTS", 1),
		},
		Budget: BudgetConfig{
			BudgetPerHour:     getEnvInt("BUDGET_PER_HOUR", 50),
			WarningThreshold:  getEnvFloat("BUDGET_WARNING_THRESHOLD", 0.8),
			CriticalThreshold: getEnvFloat("BUDGET_CRITICAL_THRESHOLD", 1.0),
		},
		Decision: DecisionConfig{
			ImmediateThreshold:  getEnvFloat("DECISION_IMMEDIATE_THRESHOLD", 0.9),
			MonitoredThreshold:  getEnvFloat("DECISION_MONITORED_THRESHOLD", 0.7),
			ReversibleThreshold: getEnvFloat("DECISION_REVERSIBLE_THRESHOLD", 0.5),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Health: HealthConfig{
			Host: getEnvString("HEALTH_HOST", "0.0.0.0"),
			Port: getEnvInt("HEALTH_PORT", 9090),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	if c.Pool.MinSize < 1 {
		return fmt.Errorf("pool min size must be at least 1")
	}
	if c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("pool max size must be >= min size")
	}

	if c.Workers.MinWorkers < 1 {
		return fmt.Errorf("min workers must be at least 1")
	}
	if c.Workers.MaxWorkers < c.Workers.MinWorkers {
		return fmt.Errorf("max workers must be >= min workers")
	}

	if c.Cache.MaxSize < 1 {
		return fmt.Errorf("cache max size must be at least 1")
	}

	if c.Budget.BudgetPerHour < 1 {
		return fmt.Errorf("error budget per hour must be at least 1")
	}
	if c.Budget.CriticalThreshold < c.Budget.WarningThreshold {
		return fmt.Errorf("budget critical threshold must be >= warning threshold")
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
