package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds the application configuration
type Config struct {
	Service string `yaml:"service"`
	Version string `yaml:"version"`

	// Database
	StoreBackend    string        `yaml:"store_backend"`
	DatabaseURL     string        `yaml:"database_url"`
	DBMaxOpenConns  int           `yaml:"db_max_open_conns"`
	DBMaxIdleConns  int           `yaml:"db_max_idle_conns"`
	DBConnLifetime  time.Duration `yaml:"db_conn_max_lifetime"`
	AuditToDatabase bool          `yaml:"audit_to_database"`

	// Server
	ServerPort      string        `yaml:"server_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Queue
	QueueBackend      string        `yaml:"queue_backend"`
	QueueName         string        `yaml:"queue_name"`
	QueueVisibility   time.Duration `yaml:"queue_visibility_timeout"`
	QueuePollInterval time.Duration `yaml:"queue_poll_interval"`

	// AWS
	AWSRegion   string `yaml:"aws_region"`
	SQSQueueURL string `yaml:"sqs_queue_url"`
	SQSEndpoint string `yaml:"sqs_endpoint"`

	// Intake
	RateLimit           int           `yaml:"rate_limit"`
	RateWindow          time.Duration `yaml:"rate_window"`
	IntakeRetryAttempts int           `yaml:"intake_retry_attempts"`
	IntakeRetryDelay    time.Duration `yaml:"intake_retry_delay"`

	// Reconciler
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileAfter    time.Duration `yaml:"reconcile_after"`
	ReconcileBatch    int           `yaml:"reconcile_batch"`

	// Auth. An empty secret disables bearer tokens entirely.
	AuthSecret   string `yaml:"auth_secret"`
	AuthRequired bool   `yaml:"auth_required"`

	// TrustedProxies lists the CIDRs or addresses allowed to set
	// X-Forwarded-For. Empty means the peer address is always the client.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// Worker
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	WorkerBatchSize   int           `yaml:"worker_batch_size"`
	WorkerTimeout     time.Duration `yaml:"worker_timeout"`
	// WorkerMetricsPort serves the worker's /metrics; empty disables it
	WorkerMetricsPort string `yaml:"worker_metrics_port"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Service:             "upgrade-orchestrator",
		Version:             "dev",
		StoreBackend:        StorePostgres,
		DatabaseURL:         "postgres://localhost/upgrade_orchestrator?sslmode=disable",
		DBMaxOpenConns:      25,
		DBMaxIdleConns:      5,
		DBConnLifetime:      5 * time.Minute,
		AuditToDatabase:     true,
		ServerPort:          "8080",
		ShutdownTimeout:     15 * time.Second,
		HealthTimeout:       5 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
		QueueBackend:        "postgres",
		QueueName:           "upgrades",
		QueueVisibility:     30 * time.Second,
		QueuePollInterval:   5 * time.Second,
		AWSRegion:           "us-east-1",
		RateLimit:           100,
		RateWindow:          time.Minute,
		IntakeRetryAttempts: 3,
		IntakeRetryDelay:    time.Second,
		ReconcileInterval:   time.Minute,
		ReconcileAfter:      5 * time.Minute,
		ReconcileBatch:      100,
		WorkerConcurrency:   4,
		WorkerBatchSize:     5,
		WorkerTimeout:       300 * time.Second,
		WorkerMetricsPort:   "9091",
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or CONFIG_FILE when path is empty), then environment variables. Later
// sources win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.Service = getEnv("SERVICE_NAME", c.Service)
	c.Version = getEnv("SERVICE_VERSION", c.Version)
	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.ServerPort = getEnv("SERVER_PORT", c.ServerPort)
	if port, ok := os.LookupEnv("WORKER_METRICS_PORT"); ok {
		c.WorkerMetricsPort = port
	}
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.QueueBackend = getEnv("QUEUE_BACKEND", c.QueueBackend)
	c.QueueName = getEnv("QUEUE_NAME", c.QueueName)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.SQSQueueURL = getEnv("SQS_QUEUE_URL", c.SQSQueueURL)
	c.SQSEndpoint = getEnv("SQS_ENDPOINT", c.SQSEndpoint)
	c.AuthSecret = getEnv("AUTH_SECRET", c.AuthSecret)
	if raw := os.Getenv("TRUSTED_PROXIES"); raw != "" {
		c.TrustedProxies = strings.Split(raw, ",")
	}

	var errs []error
	intVar := func(key string, dst *int) {
		if err := getEnvInt(key, dst); err != nil {
			errs = append(errs, err)
		}
	}
	durVar := func(key string, dst *time.Duration) {
		if err := getEnvDuration(key, dst); err != nil {
			errs = append(errs, err)
		}
	}
	boolVar := func(key string, dst *bool) {
		if err := getEnvBool(key, dst); err != nil {
			errs = append(errs, err)
		}
	}

	intVar("DB_MAX_OPEN_CONNS", &c.DBMaxOpenConns)
	intVar("DB_MAX_IDLE_CONNS", &c.DBMaxIdleConns)
	durVar("DB_CONN_MAX_LIFETIME", &c.DBConnLifetime)
	boolVar("AUDIT_TO_DATABASE", &c.AuditToDatabase)
	durVar("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	durVar("HEALTH_TIMEOUT", &c.HealthTimeout)
	durVar("QUEUE_VISIBILITY_TIMEOUT", &c.QueueVisibility)
	durVar("QUEUE_POLL_INTERVAL", &c.QueuePollInterval)
	intVar("RATE_LIMIT", &c.RateLimit)
	durVar("RATE_WINDOW", &c.RateWindow)
	intVar("INTAKE_RETRY_ATTEMPTS", &c.IntakeRetryAttempts)
	durVar("INTAKE_RETRY_DELAY", &c.IntakeRetryDelay)
	durVar("RECONCILE_INTERVAL", &c.ReconcileInterval)
	durVar("RECONCILE_AFTER", &c.ReconcileAfter)
	intVar("RECONCILE_BATCH", &c.ReconcileBatch)
	boolVar("AUTH_REQUIRED", &c.AuthRequired)
	intVar("WORKER_CONCURRENCY", &c.WorkerConcurrency)
	intVar("WORKER_BATCH_SIZE", &c.WorkerBatchSize)
	durVar("WORKER_TIMEOUT", &c.WorkerTimeout)

	return errors.Join(errs...)
}

// Validate rejects combinations the binaries cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}

	switch c.QueueBackend {
	case "postgres":
		if c.StoreBackend != StorePostgres {
			errs = append(errs, errors.New("the postgres queue requires the postgres store"))
		}
	case "sqs":
		if c.SQSQueueURL == "" {
			errs = append(errs, errors.New("SQS_QUEUE_URL is required for the sqs queue"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.QueueBackend))
	}

	if c.RateLimit < 0 {
		errs = append(errs, errors.New("RATE_LIMIT must not be negative"))
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		errs = append(errs, errors.New("RATE_WINDOW must be positive"))
	}
	if c.IntakeRetryAttempts < 1 {
		errs = append(errs, errors.New("INTAKE_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.AuthRequired && c.AuthSecret == "" {
		errs = append(errs, errors.New("AUTH_REQUIRED needs AUTH_SECRET"))
	}
	for _, proxy := range c.TrustedProxies {
		if !validProxy(strings.TrimSpace(proxy)) {
			errs = append(errs, fmt.Errorf("invalid trusted proxy %q", proxy))
		}
	}

	return errors.Join(errs...)
}

func validProxy(s string) bool {
	if s == "" {
		return true
	}
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, dst *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", key, value)
	}
	*dst = n
	return nil
}

func getEnvDuration(key string, dst *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, value)
	}
	*dst = d
	return nil
}

func getEnvBool(key string, dst *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	*dst = b
	return nil
}
