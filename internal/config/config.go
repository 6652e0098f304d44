package config

import (
	"fmt"
	"os"
	"time"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the orchestrator
type Config struct {
	// Server configuration
	HTTPPort int    `env:"AGENTFLOW_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"AGENTFLOW_GRPC_PORT" envDefault:"9090"`
	APIKey   string `env:"AGENTFLOW_API_KEY"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Backends: memory, redis or sqlite
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"memory"`
	EventsBackend  string `env:"EVENTS_BACKEND" envDefault:"memory"`
	CounterBackend string `env:"COUNTER_BACKEND" envDefault:"memory"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"data/agentflow.db"`

	// Redis configuration
	Redis RedisConfig

	// LLM configuration
	LLM LLMConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Agent configuration
	Agents AgentConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Streams settings
	ConsumerGroup string `env:"REDIS_CONSUMER_GROUP"`
	StreamMaxLen  int64  `env:"REDIS_STREAM_MAX_LEN" envDefault:"10000"`
}

// LLMConfig holds Anthropic agent configuration
type LLMConfig struct {
	APIKey           string        `env:"ANTHROPIC_API_KEY"`
	DefaultModel     string        `env:"LLM_DEFAULT_MODEL" envDefault:"claude-sonnet-4-20250514"`
	DefaultMaxTokens int64         `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"4096"`
	RequestTimeout   time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`
}

// SchedulerConfig holds dispatcher and queue configuration
type SchedulerConfig struct {
	Dispatchers         int           `env:"SCHEDULER_DISPATCHERS" envDefault:"4"`
	ExecutorPoolSize    int           `env:"SCHEDULER_EXECUTOR_POOL_SIZE" envDefault:"32"`
	QueueCapacity       int           `env:"SCHEDULER_QUEUE_CAPACITY" envDefault:"10000"`
	BackoffBase         time.Duration `env:"SCHEDULER_BACKOFF_BASE" envDefault:"500ms"`
	BackoffMax          time.Duration `env:"SCHEDULER_BACKOFF_MAX" envDefault:"30s"`
	MaxDispatchAttempts int           `env:"SCHEDULER_MAX_DISPATCH_ATTEMPTS" envDefault:"20"`
	DefaultMaxRetries   int           `env:"TASK_DEFAULT_MAX_RETRIES" envDefault:"3"`
	PollInterval        time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"1s"`
	GraphCacheSize      int           `env:"GRAPH_CACHE_SIZE" envDefault:"128"`
}

// AgentConfig holds agent registry configuration
type AgentConfig struct {
	HeartbeatTimeout    time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"30s"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"10s"`
	ProbeTimeout        time.Duration `env:"HEALTH_PROBE_TIMEOUT" envDefault:"5s"`
	HTTPTimeout         time.Duration `env:"AGENT_HTTP_TIMEOUT" envDefault:"300s"`
	// File lists agents registered at startup
	File string `env:"AGENTS_FILE"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	GraphExecutionTimeout time.Duration `env:"TIMEOUT_GRAPH_EXECUTION" envDefault:"3600s"` // 1 hour, 0 disables
	NodeExecutionTimeout  time.Duration `env:"TIMEOUT_NODE_EXECUTION" envDefault:"300s"`   // 5 minutes
	ShutdownTimeout       time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// AgentsFile is the document read from AGENTS_FILE
type AgentsFile struct {
	Agents []domain.AgentDescriptor `yaml:"agents"`
}

// Load reads configuration from environment variables
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

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate backends
	backends := map[string]map[string]bool{
		"storage": {"memory": true, "redis": true, "sqlite": true},
		"events":  {"memory": true, "redis": true},
		"counter": {"memory": true, "redis": true},
	}
	for name, value := range map[string]string{
		"storage": c.StorageBackend,
		"events":  c.EventsBackend,
		"counter": c.CounterBackend,
	} {
		if !backends[name][value] {
			return fmt.Errorf("unsupported %s backend: %s", name, value)
		}
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.StorageBackend == "sqlite" && c.SQLitePath == "" {
		return fmt.Errorf("sqlite path is required")
	}

	// Validate scheduler config
	if c.Scheduler.Dispatchers < 1 {
		return fmt.Errorf("scheduler needs at least 1 dispatcher")
	}
	if c.Scheduler.ExecutorPoolSize < 1 {
		return fmt.Errorf("executor pool size must be at least 1")
	}
	if c.Scheduler.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be at least 1")
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("default max retries must be >= 0")
	}
	if c.Scheduler.BackoffBase <= 0 || c.Scheduler.BackoffMax < c.Scheduler.BackoffBase {
		return fmt.Errorf("invalid backoff range: %s..%s", c.Scheduler.BackoffBase, c.Scheduler.BackoffMax)
	}

	// Validate agent config
	if c.Agents.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive")
	}
	if c.Agents.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	if c.Timeouts.NodeExecutionTimeout <= 0 {
		return fmt.Errorf("node execution timeout must be positive")
	}
	if c.Timeouts.GraphExecutionTimeout < 0 {
		return fmt.Errorf("graph execution timeout must be >= 0")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// UsesRedis reports whether any backend needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.StorageBackend == "redis" || c.EventsBackend == "redis" || c.CounterBackend == "redis"
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// LoadAgentsFile reads the agents declared in a YAML file
func LoadAgentsFile(path string) ([]domain.AgentDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var doc AgentsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse agents file %s: %w", path, err)
	}
	for i, agent := range doc.Agents {
		if agent.ID == "" {
			return nil, fmt.Errorf("agents file %s: agent %d has no id", path, i)
		}
		if agent.Kind == "" {
			return nil, fmt.Errorf("agents file %s: agent %s has no kind", path, agent.ID)
		}
	}
	return doc.Agents, nil
}
