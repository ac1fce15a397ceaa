// Package config handles fleet configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/version"
)

// Cache backends.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
	CacheBackendEtcd   = "etcd"
)

// Config is the root configuration structure.
type Config struct {
	Global       GlobalConfig    `yaml:"global" mapstructure:"global"`
	Database     DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Logging      LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Server       ServerConfig    `yaml:"server" mapstructure:"server"`
	Cache        CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Scheduler    SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Registry     RegistryConfig  `yaml:"registry" mapstructure:"registry"`
	Executor     ExecutorConfig  `yaml:"executor" mapstructure:"executor"`
	NodeDefaults NodeConfig      `yaml:"node_defaults" mapstructure:"node_defaults"`
	Provision    ProvisionConfig `yaml:"provision" mapstructure:"provision"`
	Agent        AgentConfig     `yaml:"agent" mapstructure:"agent"`
}

// GlobalConfig contains global settings.
type GlobalConfig struct {
	// DataDir is where the registry database lives.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config and CLI context live.
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// DatabaseConfig contains SQLite settings.
type DatabaseConfig struct {
	// Path overrides DataDir/fleet.db.
	Path string `yaml:"path" mapstructure:"path"`

	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`
	BusyTimeoutMs  int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path; stderr when empty.
	File string `yaml:"file" mapstructure:"file"`

	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// ServerConfig configures the controller's listeners.
type ServerConfig struct {
	// ListenAddr is the HTTP API address.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`

	// GRPCAddr serves the gRPC health service; disabled when empty.
	GRPCAddr string `yaml:"grpc_addr" mapstructure:"grpc_addr"`

	// PublicURL is how remote nodes reach the controller.
	PublicURL string `yaml:"public_url" mapstructure:"public_url"`

	// LocalURL is how containers on the controller's network reach it.
	LocalURL string `yaml:"local_url" mapstructure:"local_url"`

	// JWTSecret enables bearer auth on operator routes when set.
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`

	// TokenTTL is the lifetime of tokens minted by `fleet token`.
	TokenTTL time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`

	// AgentRateLimit is requests per second per client IP on agent routes.
	AgentRateLimit float64 `yaml:"agent_rate_limit" mapstructure:"agent_rate_limit"`
	AgentRateBurst int     `yaml:"agent_rate_burst" mapstructure:"agent_rate_burst"`
}

// CacheConfig configures the load sample cache.
type CacheConfig struct {
	// Backend is memory, redis, or etcd.
	Backend string `yaml:"backend" mapstructure:"backend"`

	// SampleTTL is how long a load sample stays visible.
	SampleTTL time.Duration `yaml:"sample_ttl" mapstructure:"sample_ttl"`

	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`

	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`

	EtcdEndpoints   []string      `yaml:"etcd_endpoints" mapstructure:"etcd_endpoints"`
	EtcdDialTimeout time.Duration `yaml:"etcd_dial_timeout" mapstructure:"etcd_dial_timeout"`

	// ConnectRetries bounds the startup ping loop.
	ConnectRetries int           `yaml:"connect_retries" mapstructure:"connect_retries"`
	ConnectDelay   time.Duration `yaml:"connect_delay" mapstructure:"connect_delay"`
}

// SchedulerConfig configures node selection.
type SchedulerConfig struct {
	// CPUThreshold and MemoryThreshold are inclusive upper bounds in percent.
	CPUThreshold    float64 `yaml:"cpu_threshold" mapstructure:"cpu_threshold"`
	MemoryThreshold float64 `yaml:"memory_threshold" mapstructure:"memory_threshold"`

	// RetryInterval is the sleep when no node is eligible.
	RetryInterval time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`

	// SubmitInterval spaces consecutive launches so heartbeats can reflect
	// the previous job. 0 disables spacing.
	SubmitInterval time.Duration `yaml:"submit_interval" mapstructure:"submit_interval"`
}

// RegistryConfig configures node state tracking.
type RegistryConfig struct {
	// ExpectedVersion is the agent version the controller accepts.
	ExpectedVersion string `yaml:"expected_version" mapstructure:"expected_version"`

	// DeployTimeout moves a silent deploying node to offline.
	DeployTimeout time.Duration `yaml:"deploy_timeout" mapstructure:"deploy_timeout"`

	// SweepInterval runs background offline detection; 0 disables it.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`

	// UpdateLockTTL limits how often one node is told to update.
	UpdateLockTTL time.Duration `yaml:"update_lock_ttl" mapstructure:"update_lock_ttl"`
}

// ExecutorConfig describes how scan jobs are launched.
type ExecutorConfig struct {
	// Image is the executor image without tag; the tag is the expected version.
	Image string `yaml:"image" mapstructure:"image"`

	// Network is joined by containers on local nodes.
	Network string `yaml:"network" mapstructure:"network"`

	HostResultsDir string `yaml:"host_results_dir" mapstructure:"host_results_dir"`
	HostLogsDir    string `yaml:"host_logs_dir" mapstructure:"host_logs_dir"`
	ResultsMount   string `yaml:"results_mount" mapstructure:"results_mount"`
	LogsMount      string `yaml:"logs_mount" mapstructure:"logs_mount"`

	// LogTailLines keeps container logs bounded across runs.
	LogTailLines int `yaml:"log_tail_lines" mapstructure:"log_tail_lines"`
}

// NodeConfig contains SSH defaults for remote nodes.
type NodeConfig struct {
	SSHBackend models.SSHBackend `yaml:"ssh_backend" mapstructure:"ssh_backend"`
	SSHTimeout time.Duration     `yaml:"ssh_timeout" mapstructure:"ssh_timeout"`
	SSHKeyPath string            `yaml:"ssh_key_path" mapstructure:"ssh_key_path"`

	// KnownHostsPath enables host key checking when set.
	KnownHostsPath string `yaml:"known_hosts_path" mapstructure:"known_hosts_path"`
}

// ProvisionConfig configures the provisioning bridge.
type ProvisionConfig struct {
	// SessionPrefix names detachable deploy sessions (<prefix>-<node id>).
	SessionPrefix string `yaml:"session_prefix" mapstructure:"session_prefix"`

	// RemoteDir holds uploaded scripts on the node.
	RemoteDir string `yaml:"remote_dir" mapstructure:"remote_dir"`

	// AgentImage is the agent image without tag.
	AgentImage string `yaml:"agent_image" mapstructure:"agent_image"`

	// WatchInterval is how often a running deploy is checked for completion.
	WatchInterval time.Duration `yaml:"watch_interval" mapstructure:"watch_interval"`

	DefaultRows int `yaml:"default_rows" mapstructure:"default_rows"`
	DefaultCols int `yaml:"default_cols" mapstructure:"default_cols"`
}

// AgentConfig configures fleet-agent.
type AgentConfig struct {
	ControllerURL string `yaml:"controller_url" mapstructure:"controller_url"`

	// NodeID skips registration when non-zero.
	NodeID int64 `yaml:"node_id" mapstructure:"node_id"`

	// Name is the registration name; defaults to the hostname.
	Name string `yaml:"name" mapstructure:"name"`

	IsLocal bool `yaml:"is_local" mapstructure:"is_local"`

	// Embedded agents exit on version mismatch and rely on their supervisor.
	Embedded bool `yaml:"embedded" mapstructure:"embedded"`

	Interval       time.Duration `yaml:"interval" mapstructure:"interval"`
	RegisterRetry  time.Duration `yaml:"register_retry" mapstructure:"register_retry"`
	WaitAttempts   int           `yaml:"wait_attempts" mapstructure:"wait_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`

	// ContainerName is the agent's own container, used for self-update.
	ContainerName string `yaml:"container_name" mapstructure:"container_name"`
	Image         string `yaml:"image" mapstructure:"image"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "scanfleet"),
			ConfigDir: filepath.Join(homeDir, ".config", "scanfleet"),
		},
		Database: DatabaseConfig{
			MaxConnections: 10,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			ListenAddr:     "0.0.0.0:8888",
			PublicURL:      "http://127.0.0.1:8888",
			LocalURL:       "http://server:8888",
			TokenTTL:       24 * time.Hour,
			AgentRateLimit: 5,
			AgentRateBurst: 10,
		},
		Cache: CacheConfig{
			Backend:         CacheBackendMemory,
			SampleTTL:       models.DefaultSampleTTL,
			KeyPrefix:       "fleet",
			RedisAddr:       "127.0.0.1:6379",
			EtcdEndpoints:   []string{"127.0.0.1:2379"},
			EtcdDialTimeout: 5 * time.Second,
			ConnectRetries:  5,
			ConnectDelay:    2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			CPUThreshold:    85,
			MemoryThreshold: 85,
			RetryInterval:   60 * time.Second,
		},
		Registry: RegistryConfig{
			ExpectedVersion: version.Short(),
			DeployTimeout:   10 * time.Minute,
			SweepInterval:   5 * time.Second,
			UpdateLockTTL:   60 * time.Second,
		},
		Executor: ExecutorConfig{
			Image:          "scanfleet/executor",
			Network:        "scanfleet_network",
			HostResultsDir: "/opt/scanfleet/results",
			HostLogsDir:    "/opt/scanfleet/logs",
			ResultsMount:   "/app/results",
			LogsMount:      "/app/logs",
			LogTailLines:   10000,
		},
		NodeDefaults: NodeConfig{
			SSHBackend: models.SSHBackendNative,
			SSHTimeout: 10 * time.Second,
		},
		Provision: ProvisionConfig{
			SessionPrefix: "fleet-deploy",
			RemoteDir:     ".scanfleet",
			AgentImage:    "scanfleet/agent",
			WatchInterval: 5 * time.Second,
			DefaultRows:   24,
			DefaultCols:   80,
		},
		Agent: AgentConfig{
			ControllerURL:  "http://127.0.0.1:8888",
			Interval:       models.DefaultHeartbeatInterval,
			RegisterRetry:  5 * time.Second,
			WaitAttempts:   30,
			RequestTimeout: 10 * time.Second,
			ContainerName:  "scanfleet-agent",
			Image:          "scanfleet/agent",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}

	for name, threshold := range map[string]float64{
		"scheduler.cpu_threshold":    c.Scheduler.CPUThreshold,
		"scheduler.memory_threshold": c.Scheduler.MemoryThreshold,
	} {
		if threshold <= 0 || threshold > 100 {
			return fmt.Errorf("%s must be in (0, 100]", name)
		}
	}

	if c.Scheduler.RetryInterval <= 0 {
		return fmt.Errorf("scheduler.retry_interval must be positive")
	}

	if c.Agent.Interval <= 0 {
		return fmt.Errorf("agent.interval must be positive")
	}
	if c.Cache.SampleTTL <= c.Agent.Interval {
		return fmt.Errorf("cache.sample_ttl must be longer than agent.interval")
	}
	if c.Agent.RegisterRetry <= 0 {
		return fmt.Errorf("agent.register_retry must be positive")
	}

	switch c.Cache.Backend {
	case CacheBackendMemory, CacheBackendRedis, CacheBackendEtcd:
	default:
		return fmt.Errorf("cache.backend must be one of memory, redis, etcd")
	}

	switch c.NodeDefaults.SSHBackend {
	case models.SSHBackendNative, models.SSHBackendSystem:
	default:
		return fmt.Errorf("node_defaults.ssh_backend must be native or system")
	}

	if c.Registry.ExpectedVersion == "" {
		return fmt.Errorf("registry.expected_version is required")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Global.DataDir, c.Global.ConfigDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "fleet.db")
}
