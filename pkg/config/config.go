package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPolicyKind selects the retry curve used by background retries
type RetryPolicyKind string

const (
	RetryPolicyFixed       RetryPolicyKind = "fixed"
	RetryPolicyExponential RetryPolicyKind = "exponential"
)

// Config is the complete set of tunables for a failover process
type Config struct {
	FTDetailedTraceInterval time.Duration `yaml:"ft_detailed_trace_interval"`
	DcaTraceInterval        time.Duration `yaml:"dca_trace_interval"`

	JobQueue     JobQueueConfig     `yaml:"job_queue"`
	MessageRetry MessageRetryConfig `yaml:"message_retry"`
	Reconciler   ReconcilerConfig   `yaml:"reconciler"`
	Upgrade      UpgradeConfig      `yaml:"upgrade"`
	Agent        AgentConfig        `yaml:"agent"`
	Store        StoreConfig        `yaml:"store"`
	Raft         RaftConfig         `yaml:"raft"`
	Transport    TransportConfig    `yaml:"transport"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Log          LogConfig          `yaml:"log"`
}

// JobQueueConfig bounds the FM job queue
type JobQueueConfig struct {
	MaxQueueSize int           `yaml:"max_queue_size"`
	WorkerCount  int           `yaml:"worker_count"`
	ItemTimeout  time.Duration `yaml:"item_timeout"`
	// MaxRetryCount bounds how often an item whose commit failed with a
	// retryable error is queued again
	MaxRetryCount int `yaml:"max_retry_count"`
}

// MessageRetryConfig drives background retries of messages to the FM
type MessageRetryConfig struct {
	MinimumIntervalBetweenWork time.Duration   `yaml:"minimum_interval_between_work"`
	RetryInterval              time.Duration   `yaml:"retry_interval"`
	Policy                     RetryPolicyKind `yaml:"policy"`
	MaxRetryInterval           time.Duration   `yaml:"max_retry_interval"`
	MaxReplicasPerMessage      int             `yaml:"max_replicas_per_message"`
}

type ReconcilerConfig struct {
	Interval               time.Duration `yaml:"interval"`
	NodeDownTimeout        time.Duration `yaml:"node_down_timeout"`
	ReconfigurationTimeout time.Duration `yaml:"reconfiguration_timeout"`
}

// UpgradeConfig controls commit retries for upgrade state
type UpgradeConfig struct {
	CommitRetryCount     int           `yaml:"commit_retry_count"`
	CommitRetryInterval  time.Duration `yaml:"commit_retry_interval"`
	CommandRetryInterval time.Duration `yaml:"command_retry_interval"`
}

// AgentConfig tunes the reconfiguration agent running on each node
type AgentConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

type StoreConfig struct {
	DataDir string `yaml:"data_dir"`
}

// RaftConfig configures the replica set hosting the FM partition
type RaftConfig struct {
	NodeID    string `yaml:"node_id"`
	BindAddr  string `yaml:"bind_addr"`
	Bootstrap bool   `yaml:"bootstrap"`
	JoinAddr  string `yaml:"join_addr"`
}

type TransportConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	FMAddr     string `yaml:"fm_addr"`
	// CertDir holds node.crt, node.key and ca.crt; empty means plaintext
	CertDir string `yaml:"cert_dir"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a config with production defaults
func Default() *Config {
	return &Config{
		FTDetailedTraceInterval: 30 * time.Second,
		DcaTraceInterval:        60 * time.Second,
		JobQueue: JobQueueConfig{
			MaxQueueSize: 10000,
			WorkerCount:  8,
			ItemTimeout:  30 * time.Second,

			MaxRetryCount: 3,
		},
		MessageRetry: MessageRetryConfig{
			MinimumIntervalBetweenWork: 100 * time.Millisecond,
			RetryInterval:              5 * time.Second,
			Policy:                     RetryPolicyFixed,
			MaxRetryInterval:           60 * time.Second,
			MaxReplicasPerMessage:      100,
		},
		Reconciler: ReconcilerConfig{
			Interval:               10 * time.Second,
			NodeDownTimeout:        30 * time.Second,
			ReconfigurationTimeout: 60 * time.Second,
		},
		Upgrade: UpgradeConfig{
			CommitRetryCount:     5,
			CommitRetryInterval:  time.Second,
			CommandRetryInterval: 15 * time.Second,
		},
		Agent: AgentConfig{
			HeartbeatInterval: 5 * time.Second,
			RequestTimeout:    10 * time.Second,
		},
		Store: StoreConfig{
			DataDir: "./failover-data",
		},
		Raft: RaftConfig{
			BindAddr: "127.0.0.1:7946",
		},
		Transport: TransportConfig{
			ListenAddr: "127.0.0.1:19000",
			FMAddr:     "127.0.0.1:19000",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %v", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for values the components cannot run with
func (c *Config) Validate() error {
	if c.JobQueue.MaxQueueSize <= 0 {
		return fmt.Errorf("job_queue.max_queue_size must be positive")
	}
	if c.JobQueue.WorkerCount <= 0 {
		return fmt.Errorf("job_queue.worker_count must be positive")
	}
	if c.JobQueue.ItemTimeout <= 0 {
		return fmt.Errorf("job_queue.item_timeout must be positive")
	}
	if c.JobQueue.MaxRetryCount < 0 {
		return fmt.Errorf("job_queue.max_retry_count must not be negative")
	}
	mr := c.MessageRetry
	if mr.MinimumIntervalBetweenWork < 0 {
		return fmt.Errorf("message_retry.minimum_interval_between_work must not be negative")
	}
	if mr.RetryInterval <= 0 {
		return fmt.Errorf("message_retry.retry_interval must be positive")
	}
	switch mr.Policy {
	case RetryPolicyFixed:
	case RetryPolicyExponential:
		if mr.MaxRetryInterval < mr.RetryInterval {
			return fmt.Errorf("message_retry.max_retry_interval must be at least retry_interval")
		}
	default:
		return fmt.Errorf("unknown message_retry.policy: %q", mr.Policy)
	}
	if mr.MaxReplicasPerMessage <= 0 {
		return fmt.Errorf("message_retry.max_replicas_per_message must be positive")
	}
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be positive")
	}
	if c.Reconciler.NodeDownTimeout <= 0 || c.Reconciler.ReconfigurationTimeout <= 0 {
		return fmt.Errorf("reconciler timeouts must be positive")
	}
	if c.Upgrade.CommitRetryCount < 0 {
		return fmt.Errorf("upgrade.commit_retry_count must not be negative")
	}
	if c.Upgrade.CommandRetryInterval <= 0 {
		return fmt.Errorf("upgrade.command_retry_interval must be positive")
	}
	if c.Agent.HeartbeatInterval <= 0 || c.Agent.RequestTimeout <= 0 {
		return fmt.Errorf("agent intervals must be positive")
	}
	if c.Agent.HeartbeatInterval >= c.Reconciler.NodeDownTimeout {
		return fmt.Errorf("agent.heartbeat_interval must be shorter than reconciler.node_down_timeout")
	}
	if c.FTDetailedTraceInterval < 0 || c.DcaTraceInterval < 0 {
		return fmt.Errorf("trace intervals must not be negative")
	}
	return nil
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
