package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSQLitePath is the default SQLite database location.
	DefaultSQLitePath = "./llmrace.db"

	// DefaultVaultSecret is the development vault secret. Deployments
	// must override it via config or LLMRACE_VAULT_SECRET_KEY.
	DefaultVaultSecret = "llmrace-dev-secret-change-me"

	// DefaultToolLoopLimit bounds the tool-call loop per run item.
	DefaultToolLoopLimit = 5

	// DefaultPollInterval is the telemetry stream poll interval.
	DefaultPollInterval = "400ms"

	// DefaultHeartbeatInterval is the SSE heartbeat interval.
	DefaultHeartbeatInterval = "10s"
)

// Config is the root configuration for llmrace.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Vault     VaultConfig     `yaml:"vault" mapstructure:"vault"`
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
	Seeds     *SeedConfig     `yaml:"seeds,omitempty" mapstructure:"seeds"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// VaultConfig contains secret vault settings.
type VaultConfig struct {
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
}

// EngineConfig contains run engine settings.
type EngineConfig struct {
	ToolLoopLimit int `yaml:"tool_loop_limit" mapstructure:"tool_loop_limit"`
}

// TelemetryConfig contains telemetry streaming settings.
type TelemetryConfig struct {
	PollInterval      string `yaml:"poll_interval,omitempty" mapstructure:"poll_interval"`
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty" mapstructure:"heartbeat_interval"`
}

// SeedConfig describes optional demo data loaded at startup.
type SeedConfig struct {
	Connections []SeedConnection `yaml:"connections,omitempty" mapstructure:"connections"`
	Cars        []SeedCar        `yaml:"cars,omitempty" mapstructure:"cars"`
	Suites      []SeedSuite      `yaml:"suites,omitempty" mapstructure:"suites"`
}

// SeedConnection seeds a provider connection. APIKey, when set, is
// encrypted into the store and never persisted in plaintext.
type SeedConnection struct {
	Name         string `yaml:"name" mapstructure:"name"`
	Type         string `yaml:"type" mapstructure:"type"`
	BaseURL      string `yaml:"base_url" mapstructure:"base_url"`
	APIKeyEnvVar string `yaml:"api_key_env_var,omitempty" mapstructure:"api_key_env_var"`
	APIKey       string `yaml:"api_key,omitempty" mapstructure:"api_key"`
}

// SeedCar seeds a model profile referencing a seeded connection by name.
type SeedCar struct {
	Name        string   `yaml:"name" mapstructure:"name"`
	Connection  string   `yaml:"connection" mapstructure:"connection"`
	ModelName   string   `yaml:"model_name" mapstructure:"model_name"`
	Temperature *float64 `yaml:"temperature,omitempty" mapstructure:"temperature"`
	TopP        *float64 `yaml:"top_p,omitempty" mapstructure:"top_p"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty" mapstructure:"max_tokens"`
	Seed        *int     `yaml:"seed,omitempty" mapstructure:"seed"`
}

// SeedSuite seeds a benchmark suite with its tests.
type SeedSuite struct {
	Name        string     `yaml:"name" mapstructure:"name"`
	Category    string     `yaml:"category" mapstructure:"category"`
	Description string     `yaml:"description,omitempty" mapstructure:"description"`
	Tests       []SeedTest `yaml:"tests" mapstructure:"tests"`
}

// SeedTest seeds a single test case within a suite.
type SeedTest struct {
	Name                string           `yaml:"name" mapstructure:"name"`
	OrderIndex          int              `yaml:"order_index" mapstructure:"order_index"`
	SystemPrompt        string           `yaml:"system_prompt,omitempty" mapstructure:"system_prompt"`
	UserPrompt          string           `yaml:"user_prompt" mapstructure:"user_prompt"`
	ExpectedConstraints string           `yaml:"expected_constraints,omitempty" mapstructure:"expected_constraints"`
	ToolsSchema         []map[string]any `yaml:"tools_schema,omitempty" mapstructure:"tools_schema"`
}

// Load reads and parses a configuration file from the given path.
// Values can be overridden via LLMRACE_-prefixed environment
// variables, e.g. LLMRACE_GLOBAL_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LLMRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// AutomaticEnv only resolves keys viper already knows about, so
	// bind every key present in the file explicitly.
	for _, key := range v.AllKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %q: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Vault.SecretKey == "" {
		c.Vault.SecretKey = DefaultVaultSecret
	}

	if c.Engine.ToolLoopLimit <= 0 {
		c.Engine.ToolLoopLimit = DefaultToolLoopLimit
	}

	if c.Telemetry.PollInterval == "" {
		c.Telemetry.PollInterval = DefaultPollInterval
	}

	if c.Telemetry.HeartbeatInterval == "" {
		c.Telemetry.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if _, err := time.ParseDuration(c.Telemetry.PollInterval); err != nil {
		return fmt.Errorf("parsing telemetry poll_interval: %w", err)
	}

	if _, err := time.ParseDuration(c.Telemetry.HeartbeatInterval); err != nil {
		return fmt.Errorf("parsing telemetry heartbeat_interval: %w", err)
	}

	if c.Seeds != nil {
		if err := c.validateSeeds(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateSeeds() error {
	connNames := make(map[string]struct{}, len(c.Seeds.Connections))

	for i, conn := range c.Seeds.Connections {
		if conn.Name == "" {
			return fmt.Errorf("seed connection %d: name is required", i)
		}

		if _, exists := connNames[conn.Name]; exists {
			return fmt.Errorf("seed connection %d: duplicate name %q", i, conn.Name)
		}

		connNames[conn.Name] = struct{}{}

		if conn.Type == "" {
			return fmt.Errorf("seed connection %q: type is required", conn.Name)
		}

		if conn.BaseURL == "" {
			return fmt.Errorf("seed connection %q: base_url is required", conn.Name)
		}
	}

	for i, car := range c.Seeds.Cars {
		if car.Name == "" {
			return fmt.Errorf("seed car %d: name is required", i)
		}

		if _, ok := connNames[car.Connection]; !ok {
			return fmt.Errorf("seed car %q: unknown connection %q", car.Name, car.Connection)
		}

		if car.ModelName == "" {
			return fmt.Errorf("seed car %q: model_name is required", car.Name)
		}
	}

	for _, suite := range c.Seeds.Suites {
		if suite.Name == "" {
			return fmt.Errorf("seed suite: name is required")
		}

		seenOrder := make(map[int]struct{}, len(suite.Tests))

		for _, test := range suite.Tests {
			if test.UserPrompt == "" {
				return fmt.Errorf("seed suite %q: test %q: user_prompt is required", suite.Name, test.Name)
			}

			if _, exists := seenOrder[test.OrderIndex]; exists {
				return fmt.Errorf("seed suite %q: duplicate order_index %d", suite.Name, test.OrderIndex)
			}

			seenOrder[test.OrderIndex] = struct{}{}
		}
	}

	return nil
}

// PollInterval returns the parsed telemetry poll interval.
func (c *TelemetryConfig) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		d, _ = time.ParseDuration(DefaultPollInterval)
	}

	return d
}

// HeartbeatIntervalDuration returns the parsed SSE heartbeat interval.
func (c *TelemetryConfig) HeartbeatIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil {
		d, _ = time.ParseDuration(DefaultHeartbeatInterval)
	}

	return d
}
