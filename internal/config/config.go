package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the kiln daemon.
type Config struct {
	// Server configuration
	HTTPPort int    `env:"KILN_HTTP_PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// WebhookToken, when set, is the bearer token required on the
	// completion webhook.
	WebhookToken string `env:"KILN_WEBHOOK_TOKEN"`

	// Backend selection and tuning
	Store     StoreConfig
	Bus       BusConfig
	Scheduler SchedulerConfig
	Provision ProvisionConfig
	Artifacts ArtifactsConfig

	// Orchestration tuning
	Leases   LeaseConfig
	Recovery RecoveryConfig
	Workers  WorkerConfig
	Plans    PlanConfig
	Timeouts TimeoutConfig
}

// StoreConfig selects the workflow state store backend.
type StoreConfig struct {
	// Backend is one of: memory, redis, postgres.
	Backend  string `env:"STORE_BACKEND" envDefault:"memory"`
	Redis    RedisConfig
	Postgres PostgresConfig
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr         string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password     string        `env:"REDIS_PASSWORD"`
	DB           int           `env:"REDIS_DB" envDefault:"0"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	DSN             string        `env:"POSTGRES_DSN"`
	PingTimeout     time.Duration `env:"POSTGRES_PING_TIMEOUT" envDefault:"5s"`
	MaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"POSTGRES_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnMaxIdleTime time.Duration `env:"POSTGRES_CONN_MAX_IDLE_TIME" envDefault:"5m"`
}

// BusConfig selects the event bus backend. The redis backend uses
// consumer groups so that signal delivery survives process restarts.
type BusConfig struct {
	// Backend is one of: memory, redis.
	Backend       string `env:"BUS_BACKEND" envDefault:"memory"`
	ConsumerGroup string `env:"BUS_CONSUMER_GROUP" envDefault:"kiln-workers"`
	// ConsumerName defaults to the hostname when empty.
	ConsumerName string `env:"BUS_CONSUMER_NAME"`
}

// SchedulerConfig holds batch scheduler configuration.
type SchedulerConfig struct {
	// Backend is one of: slurm, fake. The fake backend runs jobs
	// in-process for development against no cluster.
	Backend string `env:"SCHEDULER_BACKEND" envDefault:"slurm"`

	// MaxJobs caps pool-wide in-flight submissions. Reserve holds back
	// headroom below that cap for jobs submitted outside kiln.
	MaxJobs int `env:"SCHEDULER_MAX_JOBS" envDefault:"20"`
	Reserve int `env:"SCHEDULER_RESERVE" envDefault:"0"`

	// LaunchCommand is the command line the generated batch script runs,
	// for example "mpirun -np 16 Pcrystal".
	LaunchCommand string `env:"SCHEDULER_LAUNCH_COMMAND"`

	SbatchPath  string `env:"SLURM_SBATCH_PATH" envDefault:"sbatch"`
	SqueuePath  string `env:"SLURM_SQUEUE_PATH" envDefault:"squeue"`
	SacctPath   string `env:"SLURM_SACCT_PATH" envDefault:"sacct"`
	ScancelPath string `env:"SLURM_SCANCEL_PATH" envDefault:"scancel"`

	SubmitTimeout time.Duration `env:"SLURM_SUBMIT_TIMEOUT" envDefault:"30s"`
	QueryTimeout  time.Duration `env:"SLURM_QUERY_TIMEOUT" envDefault:"15s"`

	// PollInterval is how often the poller sweeps live attempts.
	PollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"60s"`
}

// ProvisionConfig holds input provisioning configuration.
type ProvisionConfig struct {
	// Backend is one of: toolchain, memory.
	Backend    string        `env:"PROVISIONER_BACKEND" envDefault:"toolchain"`
	Command    string        `env:"PROVISIONER_COMMAND" envDefault:"kiln-prepare"`
	ScratchDir string        `env:"PROVISIONER_SCRATCH_DIR" envDefault:"/scratch/kiln"`
	Timeout    time.Duration `env:"PROVISIONER_TIMEOUT" envDefault:"2m"`
}

// ArtifactsConfig holds diagnostic artifact storage configuration.
type ArtifactsConfig struct {
	// Backend is one of: memory, minio.
	Backend   string `env:"ARTIFACTS_BACKEND" envDefault:"memory"`
	Endpoint  string `env:"MINIO_ENDPOINT"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	UseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`
	Region    string `env:"MINIO_REGION"`
	Bucket    string `env:"MINIO_BUCKET" envDefault:"kiln-diagnostics"`
}

// LeaseConfig holds distributed lease configuration. AcquireTimeout
// bounds how long callers block waiting for a contended lease.
type LeaseConfig struct {
	TTL            time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	AcquireTimeout time.Duration `env:"LEASE_ACQUIRE_TIMEOUT" envDefault:"15s"`
	BackoffBase    time.Duration `env:"LEASE_BACKOFF_BASE" envDefault:"50ms"`
	BackoffMax     time.Duration `env:"LEASE_BACKOFF_MAX" envDefault:"2s"`
}

// RecoveryConfig holds per-class retry budgets.
type RecoveryConfig struct {
	ConvergenceBudget int `env:"RECOVERY_CONVERGENCE_BUDGET" envDefault:"3"`
	ResourcesBudget   int `env:"RECOVERY_RESOURCES_BUDGET" envDefault:"3"`
	MalformedBudget   int `env:"RECOVERY_MALFORMED_BUDGET" envDefault:"3"`
	UnknownBudget     int `env:"RECOVERY_UNKNOWN_BUDGET" envDefault:"3"`
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	PoolSize            int           `env:"WORKER_POOL_SIZE" envDefault:"5"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// PlanConfig holds workflow plan template configuration.
type PlanConfig struct {
	// TemplateDir is scanned for *.yaml plan templates at startup.
	// Empty means no templates; workflows must supply inline plans.
	TemplateDir string `env:"PLAN_TEMPLATE_DIR"`
}

// TimeoutConfig holds operation timeout configuration.
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis store requires REDIS_ADDR")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("postgres store requires POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("invalid store backend: %s", c.Store.Backend)
	}

	switch c.Bus.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis bus requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("invalid bus backend: %s", c.Bus.Backend)
	}

	switch c.Scheduler.Backend {
	case "slurm":
		if c.Scheduler.LaunchCommand == "" {
			return fmt.Errorf("slurm scheduler requires SCHEDULER_LAUNCH_COMMAND")
		}
	case "fake":
	default:
		return fmt.Errorf("invalid scheduler backend: %s", c.Scheduler.Backend)
	}

	if c.Scheduler.MaxJobs < 1 {
		return fmt.Errorf("scheduler max jobs must be at least 1, got %d", c.Scheduler.MaxJobs)
	}
	if c.Scheduler.Reserve < 0 || c.Scheduler.Reserve >= c.Scheduler.MaxJobs {
		return fmt.Errorf("scheduler reserve must be below max jobs, got %d", c.Scheduler.Reserve)
	}

	switch c.Provision.Backend {
	case "toolchain":
		if c.Provision.Command == "" {
			return fmt.Errorf("toolchain provisioner requires PROVISIONER_COMMAND")
		}
		if c.Provision.ScratchDir == "" {
			return fmt.Errorf("toolchain provisioner requires PROVISIONER_SCRATCH_DIR")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid provisioner backend: %s", c.Provision.Backend)
	}

	switch c.Artifacts.Backend {
	case "memory":
	case "minio":
		if c.Artifacts.Endpoint == "" {
			return fmt.Errorf("minio artifacts require MINIO_ENDPOINT")
		}
		if c.Artifacts.AccessKey == "" || c.Artifacts.SecretKey == "" {
			return fmt.Errorf("minio artifacts require MINIO_ACCESS_KEY and MINIO_SECRET_KEY")
		}
	default:
		return fmt.Errorf("invalid artifacts backend: %s", c.Artifacts.Backend)
	}

	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1, got %d", c.Workers.PoolSize)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address.
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
