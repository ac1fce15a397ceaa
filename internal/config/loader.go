package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "FLEET"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Unmarshal drops env values for nested keys when a file is present.
	l.applyEnvOverrides(cfg)

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Database.Path = expandTilde(cfg.Database.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	cfg.NodeDefaults.SSHKeyPath = expandTilde(cfg.NodeDefaults.SSHKeyPath)
	cfg.NodeDefaults.KnownHostsPath = expandTilde(cfg.NodeDefaults.KnownHostsPath)
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "scanfleet"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "scanfleet"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)
	bindEnvVars(v)
	v.AutomaticEnv()
}

func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.max_connections", cfg.Database.MaxConnections)
	v.SetDefault("database.busy_timeout_ms", cfg.Database.BusyTimeoutMs)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	v.SetDefault("server.listen_addr", cfg.Server.ListenAddr)
	v.SetDefault("server.grpc_addr", cfg.Server.GRPCAddr)
	v.SetDefault("server.public_url", cfg.Server.PublicURL)
	v.SetDefault("server.local_url", cfg.Server.LocalURL)
	v.SetDefault("server.jwt_secret", cfg.Server.JWTSecret)
	v.SetDefault("server.token_ttl", cfg.Server.TokenTTL)
	v.SetDefault("server.agent_rate_limit", cfg.Server.AgentRateLimit)
	v.SetDefault("server.agent_rate_burst", cfg.Server.AgentRateBurst)

	v.SetDefault("cache.backend", cfg.Cache.Backend)
	v.SetDefault("cache.sample_ttl", cfg.Cache.SampleTTL)
	v.SetDefault("cache.key_prefix", cfg.Cache.KeyPrefix)
	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", cfg.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)
	v.SetDefault("cache.etcd_endpoints", cfg.Cache.EtcdEndpoints)
	v.SetDefault("cache.etcd_dial_timeout", cfg.Cache.EtcdDialTimeout)
	v.SetDefault("cache.connect_retries", cfg.Cache.ConnectRetries)
	v.SetDefault("cache.connect_delay", cfg.Cache.ConnectDelay)

	v.SetDefault("scheduler.cpu_threshold", cfg.Scheduler.CPUThreshold)
	v.SetDefault("scheduler.memory_threshold", cfg.Scheduler.MemoryThreshold)
	v.SetDefault("scheduler.retry_interval", cfg.Scheduler.RetryInterval)
	v.SetDefault("scheduler.submit_interval", cfg.Scheduler.SubmitInterval)

	v.SetDefault("registry.expected_version", cfg.Registry.ExpectedVersion)
	v.SetDefault("registry.deploy_timeout", cfg.Registry.DeployTimeout)
	v.SetDefault("registry.sweep_interval", cfg.Registry.SweepInterval)
	v.SetDefault("registry.update_lock_ttl", cfg.Registry.UpdateLockTTL)

	v.SetDefault("executor.image", cfg.Executor.Image)
	v.SetDefault("executor.network", cfg.Executor.Network)
	v.SetDefault("executor.host_results_dir", cfg.Executor.HostResultsDir)
	v.SetDefault("executor.host_logs_dir", cfg.Executor.HostLogsDir)
	v.SetDefault("executor.results_mount", cfg.Executor.ResultsMount)
	v.SetDefault("executor.logs_mount", cfg.Executor.LogsMount)
	v.SetDefault("executor.log_tail_lines", cfg.Executor.LogTailLines)

	v.SetDefault("node_defaults.ssh_backend", string(cfg.NodeDefaults.SSHBackend))
	v.SetDefault("node_defaults.ssh_timeout", cfg.NodeDefaults.SSHTimeout)
	v.SetDefault("node_defaults.ssh_key_path", cfg.NodeDefaults.SSHKeyPath)
	v.SetDefault("node_defaults.known_hosts_path", cfg.NodeDefaults.KnownHostsPath)

	v.SetDefault("provision.session_prefix", cfg.Provision.SessionPrefix)
	v.SetDefault("provision.remote_dir", cfg.Provision.RemoteDir)
	v.SetDefault("provision.agent_image", cfg.Provision.AgentImage)
	v.SetDefault("provision.watch_interval", cfg.Provision.WatchInterval)
	v.SetDefault("provision.default_rows", cfg.Provision.DefaultRows)
	v.SetDefault("provision.default_cols", cfg.Provision.DefaultCols)

	v.SetDefault("agent.controller_url", cfg.Agent.ControllerURL)
	v.SetDefault("agent.node_id", cfg.Agent.NodeID)
	v.SetDefault("agent.name", cfg.Agent.Name)
	v.SetDefault("agent.is_local", cfg.Agent.IsLocal)
	v.SetDefault("agent.embedded", cfg.Agent.Embedded)
	v.SetDefault("agent.interval", cfg.Agent.Interval)
	v.SetDefault("agent.register_retry", cfg.Agent.RegisterRetry)
	v.SetDefault("agent.wait_attempts", cfg.Agent.WaitAttempts)
	v.SetDefault("agent.request_timeout", cfg.Agent.RequestTimeout)
	v.SetDefault("agent.container_name", cfg.Agent.ContainerName)
	v.SetDefault("agent.image", cfg.Agent.Image)
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set sets a Viper value by key, taking precedence over file and env.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}

// envBindings lists every key that accepts a FLEET_* override.
var envBindings = []string{
	"global.data_dir",
	"global.config_dir",
	"database.path",
	"database.max_connections",
	"database.busy_timeout_ms",
	"logging.level",
	"logging.format",
	"logging.file",
	"logging.enable_caller",
	"server.listen_addr",
	"server.grpc_addr",
	"server.public_url",
	"server.local_url",
	"server.jwt_secret",
	"server.token_ttl",
	"server.agent_rate_limit",
	"server.agent_rate_burst",
	"cache.backend",
	"cache.sample_ttl",
	"cache.key_prefix",
	"cache.redis_addr",
	"cache.redis_password",
	"cache.redis_db",
	"cache.etcd_endpoints",
	"cache.etcd_dial_timeout",
	"cache.connect_retries",
	"cache.connect_delay",
	"scheduler.cpu_threshold",
	"scheduler.memory_threshold",
	"scheduler.retry_interval",
	"scheduler.submit_interval",
	"registry.expected_version",
	"registry.deploy_timeout",
	"registry.sweep_interval",
	"registry.update_lock_ttl",
	"executor.image",
	"executor.network",
	"executor.host_results_dir",
	"executor.host_logs_dir",
	"executor.results_mount",
	"executor.logs_mount",
	"executor.log_tail_lines",
	"node_defaults.ssh_backend",
	"node_defaults.ssh_timeout",
	"node_defaults.ssh_key_path",
	"node_defaults.known_hosts_path",
	"provision.session_prefix",
	"provision.remote_dir",
	"provision.agent_image",
	"provision.watch_interval",
	"provision.default_rows",
	"provision.default_cols",
	"agent.controller_url",
	"agent.node_id",
	"agent.name",
	"agent.is_local",
	"agent.embedded",
	"agent.interval",
	"agent.register_retry",
	"agent.wait_attempts",
	"agent.request_timeout",
	"agent.container_name",
	"agent.image",
}

// envVarName converts database.path to FLEET_DATABASE_PATH.
func envVarName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func bindEnvVars(v *viper.Viper) {
	for _, key := range envBindings {
		_ = v.BindEnv(key, envVarName(key))
	}
}

// applyEnvOverrides copies explicitly set env values onto cfg.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	v := l.v
	isSet := func(key string) bool {
		_, ok := os.LookupEnv(envVarName(key))
		return ok
	}

	if isSet("database.path") {
		cfg.Database.Path = v.GetString("database.path")
	}
	if isSet("global.data_dir") {
		cfg.Global.DataDir = v.GetString("global.data_dir")
	}
	if isSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if isSet("logging.format") {
		cfg.Logging.Format = v.GetString("logging.format")
	}
	if isSet("server.jwt_secret") {
		cfg.Server.JWTSecret = v.GetString("server.jwt_secret")
	}
	if isSet("cache.backend") {
		cfg.Cache.Backend = v.GetString("cache.backend")
	}
	if isSet("cache.etcd_endpoints") {
		cfg.Cache.EtcdEndpoints = strings.Split(os.Getenv(envVarName("cache.etcd_endpoints")), ",")
	}
	if isSet("registry.expected_version") {
		cfg.Registry.ExpectedVersion = v.GetString("registry.expected_version")
	}
	if isSet("agent.controller_url") {
		cfg.Agent.ControllerURL = v.GetString("agent.controller_url")
	}
	if isSet("agent.node_id") {
		cfg.Agent.NodeID = v.GetInt64("agent.node_id")
	}
	if isSet("agent.name") {
		cfg.Agent.Name = v.GetString("agent.name")
	}
	if isSet("agent.is_local") {
		cfg.Agent.IsLocal = v.GetBool("agent.is_local")
	}
	if isSet("agent.embedded") {
		cfg.Agent.Embedded = v.GetBool("agent.embedded")
	}
	if isSet("agent.container_name") {
		cfg.Agent.ContainerName = v.GetString("agent.container_name")
	}
}
