// Package config holds the settings shared by every binary. Values come
// from defaults, an optional YAML file and SCAN_-prefixed environment
// variables, in increasing precedence.
package config

import (
	"fmt"
	"time"
)

// Dispatch backends.
const (
	BackendQueue      = "queue"
	BackendKubernetes = "kubernetes"
)

// Queue and store drivers.
const (
	DriverKafka    = "kafka"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config represents the top-level configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Web        WebConfig        `mapstructure:"web"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Reporting  ReportingConfig  `mapstructure:"reporting"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Reaper     ReaperConfig     `mapstructure:"reaper"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Job        JobConfig        `mapstructure:"job"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type WebConfig struct {
	APIHost            string        `mapstructure:"api_host"`
	DebugHost          string        `mapstructure:"debug_host"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	WebhookPath        string        `mapstructure:"webhook_path"`

	// WebhookRate is the sustained number of webhook deliveries per second
	// the receiver accepts.
	WebhookRate  float64 `mapstructure:"webhook_rate"`
	WebhookBurst int     `mapstructure:"webhook_burst"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	URL      string `mapstructure:"url"`
	MinConns int32  `mapstructure:"min_conns"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ClientID      string   `mapstructure:"client_id"`
	GroupID       string   `mapstructure:"group_id"`
	JobTopic      string   `mapstructure:"job_topic"`
	ProgressTopic string   `mapstructure:"progress_topic"`
}

type DispatchConfig struct {
	// Backend is queue or kubernetes.
	Backend string `mapstructure:"backend"`

	// Queue is kafka or memory. The memory queue only works when the api
	// runs the worker pool in-process.
	Queue     string `mapstructure:"queue"`
	QueueSize int    `mapstructure:"queue_size"`
}

type WorkerConfig struct {
	Count         int           `mapstructure:"count"`
	WorkspaceRoot string        `mapstructure:"workspace_root"`
	SoftLimit     time.Duration `mapstructure:"soft_limit"`
	HardLimit     time.Duration `mapstructure:"hard_limit"`
	ToolTimeout   time.Duration `mapstructure:"tool_timeout"`
	CloneTimeout  time.Duration `mapstructure:"clone_timeout"`

	// PluginConcurrency of 1 runs the scanners one after another.
	PluginConcurrency int    `mapstructure:"plugin_concurrency"`
	SemgrepConfig     string `mapstructure:"semgrep_config"`
}

type RetryConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	Jitter          float64       `mapstructure:"jitter"`
}

type ReportingConfig struct {
	BaseURL string `mapstructure:"base_url"`

	// Token is the shared internal token; workers send it and the api
	// checks it.
	Token         string        `mapstructure:"token"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	ProgressRate  float64       `mapstructure:"progress_rate"`
	ProgressBurst int           `mapstructure:"progress_burst"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type KubernetesConfig struct {
	Kubeconfig       string        `mapstructure:"kubeconfig"`
	Namespace        string        `mapstructure:"namespace"`
	Image            string        `mapstructure:"image"`
	ServiceAccount   string        `mapstructure:"service_account"`
	CPURequest       string        `mapstructure:"cpu_request"`
	CPULimit         string        `mapstructure:"cpu_limit"`
	MemoryRequest    string        `mapstructure:"memory_request"`
	MemoryLimit      string        `mapstructure:"memory_limit"`
	BackoffLimit     int32         `mapstructure:"backoff_limit"`
	TTLAfterFinished time.Duration `mapstructure:"ttl_after_finished"`
	ActiveDeadline   time.Duration `mapstructure:"active_deadline"`
	TokenSecretName  string        `mapstructure:"token_secret_name"`
	TokenSecretKey   string        `mapstructure:"token_secret_key"`

	// LeaderElection turns on lease-based election for the reaper; off
	// means this replica always sweeps.
	LeaderElection bool   `mapstructure:"leader_election"`
	LeaseName      string `mapstructure:"lease_name"`
}

type ReaperConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	QueuedTimeout time.Duration `mapstructure:"queued_timeout"`

	// Grace is added to the longest legitimate run time before a running
	// scan is reaped.
	Grace time.Duration `mapstructure:"grace"`
}

type TelemetryConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Probability float64 `mapstructure:"probability"`
	Insecure    bool    `mapstructure:"insecure"`
}

// JobConfig identifies the scan a one-shot job container runs. It is
// populated from the environment of the Job only.
type JobConfig struct {
	ScanID       string `mapstructure:"scan_id"`
	RepositoryID string `mapstructure:"repository_id"`
	Branch       string `mapstructure:"branch"`
	MaxRetries   int    `mapstructure:"max_retries"`
}

// Validate checks the settings every binary relies on.
func (c *Config) Validate() error {
	switch c.Dispatch.Backend {
	case BackendQueue, BackendKubernetes:
	default:
		return fmt.Errorf("dispatch.backend must be %q or %q, got %q", BackendQueue, BackendKubernetes, c.Dispatch.Backend)
	}
	switch c.Dispatch.Queue {
	case DriverKafka, DriverMemory:
	default:
		return fmt.Errorf("dispatch.queue must be %q or %q, got %q", DriverKafka, DriverMemory, c.Dispatch.Queue)
	}
	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Database.Driver)
	}
	if c.Worker.SoftLimit >= c.Worker.HardLimit {
		return fmt.Errorf("worker.soft_limit (%s) must be below worker.hard_limit (%s)", c.Worker.SoftLimit, c.Worker.HardLimit)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	return nil
}
