// Package config loads the HER runtime configuration from YAML with
// ${NAME} host-environment expansion, applies defaults, and validates
// the closed set of tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for HER.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	LLM       LLMConfig       `yaml:"llm"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	MCP       MCPConfig       `yaml:"mcp"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Intent    IntentConfig    `yaml:"intent"`
	Debate    DebateConfig    `yaml:"debate"`
	Autonomy  AutonomyConfig  `yaml:"autonomy"`
	Memory    MemoryConfig    `yaml:"memory"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

type PostgresConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LLMConfig struct {
	Anthropic LLMProviderConfig `yaml:"anthropic"`
	OpenAI    LLMProviderConfig `yaml:"openai"`
}

type LLMProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type TelegramConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BotToken      string        `yaml:"bot_token"`
	AdminChatID   int64         `yaml:"admin_chat_id"`
	StartupRetry  time.Duration `yaml:"startup_retry"`
	SendRateLimit time.Duration `yaml:"send_rate_limit"`
}

// MCPConfig describes the tool servers the supervisor boots.
type MCPConfig struct {
	StartTimeout time.Duration     `yaml:"start_timeout"`
	Servers      []MCPServerConfig `yaml:"servers"`
}

type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

type SchedulerConfig struct {
	TickInterval            time.Duration `yaml:"tick_interval"`
	WorkerPoolSize          int           `yaml:"worker_pool_size"`
	LockTTL                 time.Duration `yaml:"lock_ttl"`
	LockHeartbeat           time.Duration `yaml:"lock_heartbeat"`
	EventQueueMaxSize       int           `yaml:"event_queue_max_size"`
	StatePublishMinInterval time.Duration `yaml:"state_publish_min_interval"`
	OverlayPath             string        `yaml:"overlay_path"`
	FetchTimeout            time.Duration `yaml:"fetch_timeout"`
	StepTimeout             time.Duration `yaml:"step_timeout"`
}

type IntentConfig struct {
	ActionThreshold float64 `yaml:"action_threshold"`
}

type DebateConfig struct {
	MaxSteps    int           `yaml:"max_steps"`
	StepTimeout time.Duration `yaml:"step_timeout"`
}

type AutonomyConfig struct {
	ProactiveSlotsPerDay int    `yaml:"proactive_slots_per_day"`
	DefaultTimezone      string `yaml:"default_timezone"`
}

type MemoryConfig struct {
	StrictMode bool `yaml:"strict_mode"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads the YAML file at path, expands ${NAME} references from the
// host environment, decodes strictly, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML config bytes. Unknown fields are rejected.
// References to unset environment variables are kept as literal
// ${NAME} placeholders so the supervisor can refuse to start a server
// with an unresolved credential instead of handing it an empty one.
func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), func(name string) string {
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return "${" + name + "}"
	})
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied and no
// external services wired; tests and `her version` use it.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Telegram.StartupRetry == 0 {
		cfg.Telegram.StartupRetry = 10 * time.Second
	}
	if cfg.Telegram.SendRateLimit == 0 {
		cfg.Telegram.SendRateLimit = time.Second
	}
	if cfg.MCP.StartTimeout == 0 {
		cfg.MCP.StartTimeout = 60 * time.Second
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = time.Second
	}
	if cfg.Scheduler.WorkerPoolSize == 0 {
		cfg.Scheduler.WorkerPoolSize = 8
	}
	if cfg.Scheduler.LockTTL == 0 {
		cfg.Scheduler.LockTTL = 30 * time.Second
	}
	if cfg.Scheduler.LockHeartbeat == 0 {
		cfg.Scheduler.LockHeartbeat = 10 * time.Second
	}
	if cfg.Scheduler.EventQueueMaxSize == 0 {
		cfg.Scheduler.EventQueueMaxSize = 5000
	}
	if cfg.Scheduler.StatePublishMinInterval == 0 {
		cfg.Scheduler.StatePublishMinInterval = 10 * time.Second
	}
	if cfg.Scheduler.FetchTimeout == 0 {
		cfg.Scheduler.FetchTimeout = 12 * time.Second
	}
	if cfg.Scheduler.StepTimeout == 0 {
		cfg.Scheduler.StepTimeout = 30 * time.Second
	}
	if cfg.Intent.ActionThreshold == 0 {
		cfg.Intent.ActionThreshold = 0.8
	}
	if cfg.Debate.MaxSteps == 0 {
		cfg.Debate.MaxSteps = 16
	}
	if cfg.Debate.StepTimeout == 0 {
		cfg.Debate.StepTimeout = 60 * time.Second
	}
	if cfg.Autonomy.ProactiveSlotsPerDay == 0 {
		cfg.Autonomy.ProactiveSlotsPerDay = 3
	}
	if cfg.Autonomy.DefaultTimezone == "" {
		cfg.Autonomy.DefaultTimezone = "UTC"
	}
	if cfg.LLM.Anthropic.Model == "" {
		cfg.LLM.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if cfg.LLM.OpenAI.Model == "" {
		cfg.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9102"
	}
}

// applyEnvOverrides layers the HER_* operator tunables on top of the
// file values. Each override maps to exactly one closed option.
func applyEnvOverrides(cfg *Config) {
	if v, ok := envFloat("HER_ACTION_INTENT_THRESHOLD"); ok {
		cfg.Intent.ActionThreshold = v
	}
	if v, ok := envInt("HER_AUTONOMOUS_MAX_STEPS"); ok {
		cfg.Debate.MaxSteps = v
	}
	if v, ok := envInt("MCP_SERVER_START_TIMEOUT_SECONDS"); ok {
		cfg.MCP.StartTimeout = time.Duration(v) * time.Second
	}
	if v, ok := envInt("HER_WORKFLOW_EVENT_QUEUE_MAX_SIZE"); ok {
		cfg.Scheduler.EventQueueMaxSize = v
	}
	if v, ok := envInt("HER_SCHEDULER_STATE_PUBLISH_MIN_INTERVAL_SECONDS"); ok {
		cfg.Scheduler.StatePublishMinInterval = time.Duration(v) * time.Second
	}
	if v, ok := envInt("HER_SCHEDULER_WORKER_POOL_SIZE"); ok {
		cfg.Scheduler.WorkerPoolSize = v
	}
	if v := os.Getenv("HER_DEFAULT_TIMEZONE"); v != "" {
		cfg.Autonomy.DefaultTimezone = v
	}
	if v := os.Getenv("HER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(name string) (float64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate rejects out-of-range tunables.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format)
	}
	if c.Intent.ActionThreshold < 0 || c.Intent.ActionThreshold > 1 {
		return fmt.Errorf("intent.action_threshold %v out of [0,1]", c.Intent.ActionThreshold)
	}
	if c.Debate.MaxSteps < 1 {
		return fmt.Errorf("debate.max_steps must be at least 1")
	}
	if c.Scheduler.WorkerPoolSize < 1 || c.Scheduler.WorkerPoolSize > 64 {
		return fmt.Errorf("scheduler.worker_pool_size %d out of [1,64]", c.Scheduler.WorkerPoolSize)
	}
	if c.Scheduler.EventQueueMaxSize < 1 {
		return fmt.Errorf("scheduler.event_queue_max_size must be positive")
	}
	if c.Scheduler.LockHeartbeat >= c.Scheduler.LockTTL {
		return fmt.Errorf("scheduler.lock_heartbeat must be shorter than lock_ttl")
	}
	if c.Autonomy.ProactiveSlotsPerDay < 0 || c.Autonomy.ProactiveSlotsPerDay > 24 {
		return fmt.Errorf("autonomy.proactive_slots_per_day %d out of [0,24]", c.Autonomy.ProactiveSlotsPerDay)
	}
	seen := map[string]bool{}
	for _, server := range c.MCP.Servers {
		if server.Name == "" {
			return fmt.Errorf("mcp server with empty name")
		}
		if seen[server.Name] {
			return fmt.Errorf("duplicate mcp server name %q", server.Name)
		}
		seen[server.Name] = true
		if server.Command == "" {
			return fmt.Errorf("mcp server %q has no command", server.Name)
		}
	}
	return nil
}
